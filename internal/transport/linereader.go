package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrReadTimeout reports that no complete line arrived within the poll
// budget.
var ErrReadTimeout = errors.New("transport: read timed out")

// ErrClosed is returned by port operations after Close.
var ErrClosed = errors.New("transport: port closed")

// readQuantum bounds each blocking read so cancellation and the poll budget
// are honored promptly.
const readQuantum = 200 * time.Millisecond

// LineReader frames an attachment's byte stream into terminator-delimited
// lines. A partial tail left behind by a timeout stays buffered and is
// completed by the next call, since instruments emit a line in bursts.
type LineReader struct {
	port       Porter
	terminator []byte
	buf        bytes.Buffer
	chunk      []byte

	closeOnce sync.Once
	closeErr  error
}

// NewLineReader wraps port with framing on the given terminator.
func NewLineReader(port Porter, terminator string) *LineReader {
	return &LineReader{
		port:       port,
		terminator: []byte(terminator),
		chunk:      make([]byte, 256),
	}
}

// ReadLine returns the next complete line without its terminator. It blocks
// until a line is available, ctx is done, or timeout elapses, whichever comes
// first. On timeout it returns ErrReadTimeout; bytes already received stay
// buffered. Ports that do not implement TimeoutPorter are only checked
// against the budget between reads.
func (r *LineReader) ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := r.takeLine(); ok {
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrReadTimeout
		}
		quantum := readQuantum
		if remaining < quantum {
			quantum = remaining
		}
		if tp, ok := r.port.(TimeoutPorter); ok {
			if err := tp.SetReadTimeout(quantum); err != nil {
				return nil, fmt.Errorf("set read timeout: %w", err)
			}
		}

		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.buf.Write(r.chunk[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// takeLine extracts one complete line from the buffer if present.
func (r *LineReader) takeLine() ([]byte, bool) {
	data := r.buf.Bytes()
	idx := bytes.Index(data, r.terminator)
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	r.buf.Next(idx + len(r.terminator))
	return line, true
}

// Buffered returns the number of bytes held back for the next line.
func (r *LineReader) Buffered() int {
	return r.buf.Len()
}

// Close closes the underlying attachment, unblocking any in-flight read.
// Safe to call more than once.
func (r *LineReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.port.Close()
	})
	return r.closeErr
}
