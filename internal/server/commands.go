package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"

	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/registry"
)

// sessionAction tells the command loop what to do after a reply is written.
type sessionAction int

const (
	actionContinue sessionAction = iota
	actionDisconnect
	actionExit
)

// commandLoop reads commands until the client goes away or asks to leave.
// The return value reports whether the session ended through an explicit
// disconnect or exit, in which case the sensors are already released.
func (s *Server) commandLoop(ctx context.Context, sess *session) bool {
	scanner := bufio.NewScanner(sess.conn)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		switch s.runCommand(ctx, sess, line) {
		case actionDisconnect:
			return true
		case actionExit:
			s.requestExit()
			return true
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		monitoring.Logf("server: session %s: read: %v", sess.id, err)
	}
	return false
}

// commandReply maps a handler outcome onto the wire: a nil error acks the
// command, anything else becomes the matching error reply.
func commandReply(err *protocol.CommandError) protocol.Reply {
	if err == nil {
		return protocol.OK()
	}
	return err.Reply()
}

// runCommand parses one line, applies it, and writes exactly one reply.
func (s *Server) runCommand(ctx context.Context, sess *session, line []byte) sessionAction {
	var msg protocol.CommandMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		bad := protocol.NewCommandError(protocol.CodeMalformedCommand, "malformed command: %v", err)
		s.reply(sess, "malformed", bad.Reply())
		return actionContinue
	}

	switch msg.Command {
	case protocol.CmdConfigure:
		s.reply(sess, msg.Command, commandReply(s.configure(msg.Parameters)))
	case protocol.CmdStart:
		instances, err := s.prepareStart()
		s.reply(sess, msg.Command, commandReply(err))
		if err == nil {
			s.startHub(ctx, sess, instances)
		}
	case protocol.CmdStop:
		s.reply(sess, msg.Command, commandReply(s.stop()))
	case protocol.CmdDisconnect:
		s.resetToIdle()
		s.reply(sess, msg.Command, protocol.OK())
		return actionDisconnect
	case protocol.CmdExit:
		s.resetToIdle()
		s.reply(sess, msg.Command, protocol.OK())
		return actionExit
	default:
		unknown := protocol.NewCommandError(protocol.CodeInvalidCommand, "unknown command %q", msg.Command)
		s.reply(sess, "unknown", unknown.Reply())
	}
	return actionContinue
}

// reply counts the command outcome and writes the reply line.
func (s *Server) reply(sess *session, verb string, r protocol.Reply) {
	s.metrics.CommandsTotal.WithLabelValues(verb, r.Status).Inc()
	if r.Status == protocol.StatusError {
		monitoring.Logf("server: session %s: %s rejected (%s): %s", sess.id, verb, r.Code, r.Message)
	}
	sess.writeReply(r)
}

func (s *Server) configure(raw json.RawMessage) *protocol.CommandError {
	if s.state() == StateRunning {
		return protocol.NewCommandError(protocol.CodeAlreadyRunning, "stop telemetry before reconfiguring")
	}

	var params struct {
		Sensors []registry.SensorConfig `json:"sensors"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return protocol.NewCommandError(protocol.CodeInvalidConfiguration, "bad configure parameters: %v", err)
		}
	}
	if err := s.registry.Configure(params.Sensors); err != nil {
		return protocol.NewCommandError(protocol.CodeInvalidConfiguration, "%v", err)
	}
	monitoring.Logf("server: configured %d sensors", len(params.Sensors))
	return nil
}

// prepareStart validates state and opens every configured transport. The
// instances are returned for the caller to hand to the hub once the ok
// reply is on the wire, so the ack always precedes the first sample.
func (s *Server) prepareStart() ([]*registry.Instance, *protocol.CommandError) {
	switch s.state() {
	case StateRunning:
		return nil, protocol.NewCommandError(protocol.CodeAlreadyRunning, "telemetry already running")
	case StateIdle:
		return nil, protocol.NewCommandError(protocol.CodeNotConfigured, "no sensors configured")
	}

	instances, err := s.registry.OpenAll(s.opener)
	if err != nil {
		return nil, protocol.NewCommandError(protocol.CodeDeviceError, "%v", err)
	}
	return instances, nil
}

func (s *Server) startHub(ctx context.Context, sess *session, instances []*registry.Instance) {
	if err := s.hub.Start(ctx, instances, sess.writeLine); err != nil {
		monitoring.Logf("server: start telemetry: %v", err)
		s.releaseSensors()
		return
	}
	monitoring.Logf("server: telemetry running for %d sensors", len(instances))
}

func (s *Server) stop() *protocol.CommandError {
	if s.state() != StateRunning {
		return protocol.NewCommandError(protocol.CodeNotRunning, "telemetry not running")
	}
	s.releaseSensors()
	return nil
}
