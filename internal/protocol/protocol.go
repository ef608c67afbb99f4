// Package protocol defines the line protocol spoken between the sensor hub
// and the control middleware: one JSON object per line, commands and replies
// in one direction, telemetry samples in the other.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Command verbs accepted by the dispatcher.
const (
	CmdConfigure  = "configure"
	CmdStart      = "start"
	CmdStop       = "stop"
	CmdDisconnect = "disconnect"
	CmdExit       = "exit"
)

// Reply status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes carried in error replies.
const (
	CodeMalformedCommand     = "malformed_command"
	CodeInvalidCommand       = "invalid_command"
	CodeInvalidConfiguration = "invalid_configuration"
	CodeAlreadyRunning       = "already_running"
	CodeNotConfigured        = "not_configured"
	CodeNotRunning           = "not_running"
	CodeDeviceError          = "device_error"
	CodeBusy                 = "busy"
)

// CommandMessage is one request line from the client. Parameters is left raw
// so each verb can decode its own payload shape.
type CommandMessage struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Reply is the response to a single command.
type Reply struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK returns an ack reply.
func OK() Reply {
	return Reply{Status: StatusOK}
}

// Errorf returns an error reply with the given code and formatted message.
func Errorf(code, format string, args ...any) Reply {
	return Reply{Status: StatusError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// CommandError carries a protocol error code so the dispatcher can turn a
// failed command into the right error reply.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCommandError builds a CommandError with a formatted message.
func NewCommandError(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Reply converts the error into the error reply sent to the client.
func (e *CommandError) Reply() Reply {
	return Reply{Status: StatusError, Code: e.Code, Message: e.Message}
}

// Measurement is one typed reading within a telemetry sample. A NaN or Inf
// value marshals as JSON null; null unmarshals back to NaN.
type Measurement struct {
	Value   float64
	Unit    string
	Channel int
}

type measurementWire struct {
	Value   *float64 `json:"value"`
	Unit    string   `json:"unit"`
	Channel int      `json:"channel"`
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	w := measurementWire{Unit: m.Unit, Channel: m.Channel}
	if !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0) {
		v := m.Value
		w.Value = &v
	}
	return json.Marshal(w)
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	var w measurementWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Value == nil {
		m.Value = math.NaN()
	} else {
		m.Value = *w.Value
	}
	m.Unit = w.Unit
	m.Channel = w.Channel
	return nil
}

// TelemetrySample is one poll result for one sensor. Reason is only set when
// the sample is invalid and explains why the reading could not be decoded.
type TelemetrySample struct {
	SensorName   string        `json:"sensorName"`
	Timestamp    float64       `json:"timestamp"`
	Measurements []Measurement `json:"measurements"`
	Valid        bool          `json:"valid"`
	Reason       string        `json:"reason,omitempty"`
}

// UnixSeconds renders t as fractional UTC unix seconds, the timestamp format
// used in telemetry samples.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
