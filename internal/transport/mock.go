package transport

import (
	"bytes"
	"sync"
	"time"
)

// TestablePort implements TimeoutPorter with configurable behaviour for
// testing. It reproduces the read timeout semantics of a real serial port:
// with a timeout set, a Read against an empty buffer waits for data and
// returns (0, nil) when the timeout elapses first.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// readTimeout is the current read timeout; zero blocks indefinitely
	readTimeout time.Duration

	// readCond signals blocked readers on new data or Close
	readCond *sync.Cond
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read reads from the read buffer, waiting for data up to the configured
// read timeout.
func (p *TestablePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadCalls++

	if p.Closed {
		return 0, ErrClosed
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}

	if p.ReadBuffer.Len() == 0 {
		if p.readTimeout <= 0 {
			for !p.Closed && p.ReadBuffer.Len() == 0 {
				p.readCond.Wait()
			}
		} else {
			deadline := time.Now().Add(p.readTimeout)
			for !p.Closed && p.ReadBuffer.Len() == 0 {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return 0, nil
				}
				p.waitAtMost(remaining)
			}
		}
		if p.Closed {
			return 0, ErrClosed
		}
	}

	return p.ReadBuffer.Read(buf)
}

// waitAtMost waits on readCond but wakes itself after d. Caller holds mu.
func (p *TestablePort) waitAtMost(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		p.readCond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	p.readCond.Wait()
}

// Write writes to the write buffer, optionally simulating errors.
func (p *TestablePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteCalls++

	if p.Closed {
		return 0, ErrClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}

	return p.WriteBuffer.Write(buf)
}

// Close marks the port as closed and wakes any blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Closed = true
	p.readCond.Broadcast()

	return p.CloseError
}

// SetReadTimeout implements TimeoutPorter.
func (p *TestablePort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readTimeout = timeout
	return nil
}

// AddReadData appends data to be returned by subsequent Read calls and wakes
// a blocked reader.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadBuffer.Write(data)
	p.readCond.Signal()
}

// IsClosed reports whether Close has been called.
func (p *TestablePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.Closed
}

// WrittenData returns all data written to the port.
func (p *TestablePort) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.WriteBuffer.Bytes()
}

// MockFactory implements Factory for testing. Opens are served from Ports by
// device, falling back to Port, and every call is recorded.
type MockFactory struct {
	mu sync.Mutex

	// Ports maps a Config.Device to the port returned for it
	Ports map[string]Porter

	// Port is returned when Ports has no entry for the device
	Port Porter

	// Err is returned by Open if set
	Err error

	// ErrDevices lists devices whose Open fails with Err
	ErrDevices map[string]bool

	// OpenCalls records all Open calls in order
	OpenCalls []Config
}

// SetPort installs or replaces the port served for device.
func (f *MockFactory) SetPort(device string, p Porter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Ports == nil {
		f.Ports = map[string]Porter{}
	}
	f.Ports[device] = p
}

// SetError makes every subsequent Open fail with err. Passing nil clears it.
func (f *MockFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Err = err
	f.ErrDevices = nil
}

// Open returns the configured port or error for cfg.Device.
func (f *MockFactory) Open(cfg Config) (Porter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, cfg)

	if f.Err != nil && (f.ErrDevices == nil || f.ErrDevices[cfg.Device]) {
		return nil, f.Err
	}
	if p, ok := f.Ports[cfg.Device]; ok {
		return p, nil
	}
	return f.Port, nil
}

// Calls returns a copy of the recorded Open calls.
func (f *MockFactory) Calls() []Config {
	f.mu.Lock()
	defer f.mu.Unlock()

	calls := make([]Config, len(f.OpenCalls))
	copy(calls, f.OpenCalls)
	return calls
}
