// Package telemetry drives the poll loops for started sensors and funnels
// their samples into a single ordered stream. One goroutine polls each
// sensor; a lone publisher goroutine encodes samples and hands them to the
// session sink, so telemetry lines never interleave on the wire. Encoded
// lines additionally fan out to subscribers (the MQTT mirror, the debug
// tail) on a drop-on-slow basis.
package telemetry

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/registry"
	"github.com/cerro-obs/sensorhub/internal/timeutil"
)

// ErrRunning is returned by Start while a previous run is still active.
var ErrRunning = errors.New("telemetry: already running")

// Sink receives each encoded telemetry line, without a terminator. The
// publisher calls it from a single goroutine.
type Sink func(line []byte) error

// subscriberBuffer absorbs short stalls in a subscriber (an MQTT publish,
// an SSE write) before lines are dropped.
const subscriberBuffer = 16

// Hub owns the poll workers and the publisher for one run. It outlives
// individual runs: subscribers registered once keep receiving across
// start/stop cycles.
type Hub struct {
	clock   timeutil.Clock
	metrics *monitoring.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	closed       bool
}

// New returns an idle hub. A nil clock selects the real clock; nil metrics
// register throwaway collectors.
func New(clock timeutil.Clock, metrics *monitoring.Metrics) *Hub {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	return &Hub{
		clock:       clock,
		metrics:     metrics,
		subscribers: make(map[string]chan string),
	}
}

// Start launches one poll worker per instance plus the publisher. Samples
// flow until the parent context is canceled or Stop is called. The sink may
// be nil when no session is attached.
func (h *Hub) Start(parent context.Context, instances []*registry.Instance, sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel

	out := make(chan sampleEnvelope, len(instances))
	h.wg.Add(1)
	go h.publishLoop(ctx, out, sink)
	for _, inst := range instances {
		h.wg.Add(1)
		go h.pollLoop(ctx, inst, out)
	}
	h.metrics.SensorsRunning.Set(float64(len(instances)))
	return nil
}

// Stop cancels the run and waits for every worker to finish its in-flight
// read. Safe to call when idle.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.metrics.SensorsRunning.Set(0)
}

// Running reports whether a run is active.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// Subscribe registers a channel that receives every published telemetry
// line. Lines are dropped rather than block the publisher when the channel
// backs up.
func (h *Hub) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Close stops the run and closes every subscriber channel. The hub accepts
// no new subscribers afterwards.
func (h *Hub) Close() {
	h.Stop()
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

// sampleEnvelope carries a pre-encoded line so the publisher never touches
// sample internals.
type sampleEnvelope struct {
	sensor string
	line   []byte
}

// pollLoop reads the instance once per interval and queues the encoded
// sample. Per-sensor order is preserved because each instance has exactly
// one worker.
func (h *Hub) pollLoop(ctx context.Context, inst *registry.Instance, out chan<- sampleEnvelope) {
	defer h.wg.Done()

	name := inst.Name()
	interval := inst.PollInterval()
	for {
		start := h.clock.Now()
		sample := inst.Poll(ctx)
		if ctx.Err() != nil {
			return
		}

		h.metrics.PollDuration.WithLabelValues(name).Observe(h.clock.Since(start).Seconds())
		h.metrics.SamplesTotal.WithLabelValues(name, strconv.FormatBool(sample.Valid)).Inc()
		if !sample.Valid && readFailure(sample.Reason) {
			h.metrics.ReadErrors.WithLabelValues(name).Inc()
		}

		line, err := json.Marshal(sample)
		if err != nil {
			monitoring.Logf("telemetry: encode sample for %s: %v", name, err)
		} else {
			select {
			case out <- sampleEnvelope{sensor: name, line: line}:
			case <-ctx.Done():
				return
			}
		}

		wait := interval - h.clock.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-h.clock.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// publishLoop is the sole writer towards the sink. Sink failures are logged
// and skipped; the session teardown that follows a dead client stops the
// run properly.
func (h *Hub) publishLoop(ctx context.Context, out <-chan sampleEnvelope, sink Sink) {
	defer h.wg.Done()
	for {
		select {
		case env := <-out:
			if sink != nil {
				if err := sink(env.line); err != nil {
					monitoring.Logf("telemetry: write sample for %s: %v", env.sensor, err)
				}
			}
			h.fanOut(string(env.line))
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) fanOut(line string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
			// skip rather than stall the publisher
			h.metrics.SubscriberDrops.Inc()
		}
	}
}

func readFailure(reason string) bool {
	return reason == registry.ReasonReadTimeout || strings.HasPrefix(reason, registry.ReadFailedPrefix)
}

// randomID generates a subscriber ID (8 random bytes, hex encoded).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}
