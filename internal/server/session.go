package server

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/protocol"
)

// session is one accepted control connection. Replies and telemetry lines
// share the connection, so every write goes through writeLine and its mutex
// to keep lines whole.
type session struct {
	id   string
	conn net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(conn net.Conn) *session {
	return &session{id: uuid.New().String(), conn: conn}
}

// writeLine sends one protocol line with the CRLF terminator appended.
func (s *session) writeLine(line []byte) error {
	buf := make([]byte, 0, len(line)+2)
	buf = append(buf, line...)
	buf = append(buf, '\r', '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(buf)
	return err
}

func (s *session) writeReply(r protocol.Reply) {
	line, err := json.Marshal(r)
	if err != nil {
		monitoring.Logf("server: encode reply: %v", err)
		return
	}
	if err := s.writeLine(line); err != nil {
		monitoring.Logf("server: session %s: write reply: %v", s.id, err)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}
