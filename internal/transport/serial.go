package transport

import (
	"fmt"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialFactory opens real attachments with go.bug.st/serial. FTDI
// attachments are resolved to their current device node first, since the
// node assigned to a USB bridge changes across replug and reboot while its
// serial number does not.
type SerialFactory struct {
	// Enumerate lists the USB serial ports visible to the host. Left nil it
	// uses the go.bug.st enumerator; tests inject a fixed list.
	Enumerate func() ([]*enumerator.PortDetails, error)
}

// Open opens the attachment described by cfg. The returned port implements
// TimeoutPorter.
func (f *SerialFactory) Open(cfg Config) (Porter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	path := cfg.Device
	if cfg.Type == TypeFTDI {
		resolved, err := f.resolveFTDI(cfg.Device)
		if err != nil {
			return nil, err
		}
		path = resolved
	}

	mode, err := cfg.PortOptions.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

func (f *SerialFactory) resolveFTDI(serialNumber string) (string, error) {
	enumerate := f.Enumerate
	if enumerate == nil {
		enumerate = enumerator.GetDetailedPortsList
	}

	ports, err := enumerate()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}

	for _, p := range ports {
		if p.IsUSB && p.SerialNumber == serialNumber {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no USB serial device with serial number %q", serialNumber)
}
