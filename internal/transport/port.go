// Package transport abstracts the byte-stream attachments behind the sensor
// fleet: direct serial device nodes and FTDI USB-serial bridges addressed by
// USB serial number. Everything above this package reads terminator-framed
// lines and never touches device handles directly.
package transport

import (
	"fmt"
	"io"
	"time"
)

// Attachment types accepted in a Config.
const (
	TypeSerial = "serial"
	TypeFTDI   = "ftdi"
)

// Line terminators accepted as a Config override. Drivers supply the default
// for their instrument; the override exists for field units with reflashed
// firmware.
var knownTerminators = []string{"\r\n", "\n\r", "\n"}

// Porter defines the minimal interface needed for an open attachment.
// This abstraction enables unit testing without real hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with read timeout control. Ports that
// implement it allow the line reader to bound each blocking read.
type TimeoutPorter interface {
	Porter
	// SetReadTimeout sets the timeout applied to subsequent Read calls.
	SetReadTimeout(timeout time.Duration) error
}

// Config selects the physical attachment for one sensor. Device is a device
// node path for serial attachments and a USB serial number for ftdi ones.
type Config struct {
	Type       string `json:"type"`
	Device     string `json:"device"`
	Terminator string `json:"terminator,omitempty"`
	PortOptions
}

// Validate checks the attachment type, device, terminator override, and port
// options without opening anything.
func (c Config) Validate() error {
	switch c.Type {
	case TypeSerial, TypeFTDI:
	default:
		return fmt.Errorf("unknown transport type %q: expected %q or %q", c.Type, TypeSerial, TypeFTDI)
	}

	if c.Device == "" {
		return fmt.Errorf("transport device must not be empty")
	}

	if c.Terminator != "" {
		known := false
		for _, t := range knownTerminators {
			if c.Terminator == t {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unsupported line terminator %q", c.Terminator)
		}
	}

	_, err := c.PortOptions.Normalize()
	return err
}

// Factory defines an interface for opening attachments. This abstraction
// enables dependency injection of device access.
type Factory interface {
	// Open opens the attachment described by cfg.
	Open(cfg Config) (Porter, error)
}
