// Package simulator provides in-memory transports that emit well-formed
// instrument lines, so the full hub can run and be exercised with no
// hardware attached.
package simulator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cerro-obs/sensorhub/internal/sensor"
	"github.com/cerro-obs/sensorhub/internal/transport"
)

// LineFunc produces the next raw line a simulated instrument transmits,
// including its terminator.
type LineFunc func() []byte

// Port implements transport.TimeoutPorter over a line generator. Each read
// against an empty buffer produces a fresh line, so the poll loop sets the
// pace.
type Port struct {
	mu      sync.Mutex
	gen     LineFunc
	pending []byte
	written []byte
	closed  bool
}

// NewPort builds a simulated port around gen.
func NewPort(gen LineFunc) *Port {
	return &Port{gen: gen}
}

// New builds a simulated port for the given sensor variant. channels is the
// probe count for temperature units. A nil rnd seeds from the wall clock.
func New(variant string, channels int, rnd *rand.Rand) (*Port, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	switch variant {
	case sensor.VariantWindSonic:
		return NewPort(windLine(rnd)), nil
	case sensor.VariantHX85A:
		return NewPort(omegaLine(rnd, false)), nil
	case sensor.VariantHX85BA:
		return NewPort(omegaLine(rnd, true)), nil
	case sensor.VariantTemperature:
		if channels < sensor.MinChannels || channels > sensor.MaxChannels {
			return nil, fmt.Errorf("temperature channels %d out of range", channels)
		}
		return NewPort(temperatureLine(rnd, channels)), nil
	default:
		return nil, fmt.Errorf("no simulated device for variant %q", variant)
	}
}

func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, transport.ErrClosed
	}
	if len(p.pending) == 0 {
		p.pending = p.gen()
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, transport.ErrClosed
	}
	p.written = append(p.written, buf...)
	return len(buf), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

// SetReadTimeout implements transport.TimeoutPorter. Simulated reads never
// block, so the timeout has nothing to bound.
func (p *Port) SetReadTimeout(time.Duration) error {
	return nil
}

// WrittenData returns everything written towards the simulated instrument.
func (p *Port) WrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, len(p.written))
	copy(out, p.written)
	return out
}

// windLine emits Gill polar reports with a wandering direction and gusting
// speed. Roughly one report in twelve is calm, with the direction field
// empty as the hardware leaves it.
func windLine(rnd *rand.Rand) LineFunc {
	return func() []byte {
		var payload string
		if rnd.Intn(12) == 0 {
			payload = fmt.Sprintf("Q,,%06.2f,M,00,", rnd.Float64()*0.04)
		} else {
			payload = fmt.Sprintf("Q,%03d,%06.2f,M,00,", rnd.Intn(360), rnd.Float64()*12)
		}
		return []byte(fmt.Sprintf("\x02%s\x03%02X\r\n", payload, xorChecksum(payload)))
	}
}

// omegaLine emits HX85 reports in ISO-8859-1, byte 0xB0 for the degree sign.
func omegaLine(rnd *rand.Rand, barometric bool) LineFunc {
	return func() []byte {
		rh := 25 + rnd.Float64()*50
		at := 2 + rnd.Float64()*20
		if barometric {
			pmb := 705 + rnd.Float64()*35
			return []byte(fmt.Sprintf("%%RH=%.2f,AT\xB0C=%.2f,Pmb=%.2f\n\r", rh, at, pmb))
		}
		dp := at - 2 - rnd.Float64()*10
		return []byte(fmt.Sprintf("%%RH=%.2f,AT\xB0C=%.2f,DP\xB0C=%.2f\n\r", rh, at, dp))
	}
}

// temperatureLine emits multi-probe RTD reports, each channel drifting
// around its own base temperature.
func temperatureLine(rnd *rand.Rand, channels int) LineFunc {
	bases := make([]float64, channels)
	for i := range bases {
		bases[i] = 5 + rnd.Float64()*10
	}
	return func() []byte {
		line := ""
		for i, base := range bases {
			if i > 0 {
				line += ","
			}
			line += fmt.Sprintf("C%02d=%09.4f", i, base+rnd.Float64()*0.5)
		}
		return []byte(line + "\r\n")
	}
}

func xorChecksum(s string) byte {
	var sum byte
	for _, b := range []byte(s) {
		sum ^= b
	}
	return sum
}
