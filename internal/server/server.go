// Package server owns the TCP command listener and the client session. It
// accepts one control connection at a time, dispatches line-delimited JSON
// commands against the sensor lifecycle, and streams telemetry from the hub
// back over the same connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/registry"
	"github.com/cerro-obs/sensorhub/internal/telemetry"
)

// State is the dispatcher's view of the sensor lifecycle. It is derived from
// the registry and the hub rather than tracked separately.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// Server accepts control connections and applies their commands to the
// registry and the telemetry hub. While one session is active every further
// connection is refused with a busy reply.
type Server struct {
	addr     string
	registry *registry.Registry
	hub      *telemetry.Hub
	opener   registry.Opener
	metrics  *monitoring.Metrics

	listener net.Listener
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	sessionMu sync.Mutex
	session   *session
}

// New wires a command server. Nil metrics register throwaway collectors.
func New(addr string, reg *registry.Registry, hub *telemetry.Hub, opener registry.Opener, metrics *monitoring.Metrics) *Server {
	if metrics == nil {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	return &Server{
		addr:     addr,
		registry: reg,
		hub:      hub,
		opener:   opener,
		metrics:  metrics,
		quit:     make(chan struct{}),
	}
}

// Listen binds the command listener. Serve must follow.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	return nil
}

// Addr returns the bound listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is canceled or an exit command is
// processed, then releases all sensors. Returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	monitoring.Logf("server: accepting commands on %s", s.listener.Addr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.quit:
		case <-done:
		}
		s.listener.Close()
		s.closeActiveSession()
	}()

	var acceptErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			acceptErr = err
			break
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
	s.wg.Wait()
	s.resetToIdle()

	if ctx.Err() != nil || s.exited() || errors.Is(acceptErr, net.ErrClosed) {
		return nil
	}
	return acceptErr
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sess := newSession(conn)
	if !s.claimSession(sess) {
		monitoring.Logf("server: refused %s: a session is already active", conn.RemoteAddr())
		sess.writeReply(protocol.Errorf(protocol.CodeBusy, "another client session is active"))
		sess.close()
		return
	}
	s.metrics.ClientConnected.Set(1)
	monitoring.Logf("server: client %s connected, session %s", conn.RemoteAddr(), sess.id)

	clean := s.commandLoop(ctx, sess)
	if !clean {
		// the client vanished without a disconnect, apply stop semantics
		s.resetToIdle()
	}
	sess.close()
	s.releaseSession(sess)
	s.metrics.ClientConnected.Set(0)
	monitoring.Logf("server: session %s ended", sess.id)
}

func (s *Server) claimSession(sess *session) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.session != nil {
		return false
	}
	s.session = sess
	return true
}

func (s *Server) releaseSession(sess *session) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.session == sess {
		s.session = nil
	}
}

func (s *Server) closeActiveSession() {
	s.sessionMu.Lock()
	sess := s.session
	s.sessionMu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (s *Server) requestExit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Server) exited() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Server) state() State {
	switch {
	case s.hub.Running():
		return StateRunning
	case s.registry.Configured():
		return StateConfigured
	default:
		return StateIdle
	}
}

// releaseSensors halts polling and closes every open transport. The hub
// waits for in-flight reads, so on return no goroutine touches a device.
func (s *Server) releaseSensors() {
	s.hub.Stop()
	if err := s.registry.CloseAll(); err != nil {
		monitoring.Logf("server: close sensors: %v", err)
	}
}

// resetToIdle additionally drops the stored configuration.
func (s *Server) resetToIdle() {
	s.releaseSensors()
	if err := s.registry.Clear(); err != nil {
		monitoring.Logf("server: clear configuration: %v", err)
	}
}

// Status is the debug view of the dispatcher.
type Status struct {
	State   string                  `json:"state"`
	Session string                  `json:"session,omitempty"`
	Peer    string                  `json:"peer,omitempty"`
	Sensors []registry.SensorConfig `json:"sensors"`
}

// Status snapshots the current state for the debug surface.
func (s *Server) Status() Status {
	st := Status{State: s.state().String(), Sensors: s.registry.Configs()}
	s.sessionMu.Lock()
	if s.session != nil {
		st.Session = s.session.id
		st.Peer = s.session.conn.RemoteAddr().String()
	}
	s.sessionMu.Unlock()
	return st
}
