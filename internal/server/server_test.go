package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerro-obs/sensorhub/internal/monitoring"
	"github.com/cerro-obs/sensorhub/internal/protocol"
	"github.com/cerro-obs/sensorhub/internal/registry"
	"github.com/cerro-obs/sensorhub/internal/telemetry"
	"github.com/cerro-obs/sensorhub/internal/transport"
)

// windFrame builds a complete anemometer report with a correct checksum.
func windFrame(direction, speed string) string {
	payload := fmt.Sprintf("Q,%s,%s,M,00,", direction, speed)
	var cs byte
	for i := 0; i < len(payload); i++ {
		cs ^= payload[i]
	}
	return fmt.Sprintf("\x02%s\x03%02X\r\n", payload, cs)
}

type testEnv struct {
	srv      *Server
	hub      *telemetry.Hub
	reg      *registry.Registry
	metrics  *monitoring.Metrics
	factory  *transport.MockFactory
	cancel   context.CancelFunc
	served   chan struct{}
	serveErr error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
		factory: &transport.MockFactory{Ports: map[string]transport.Porter{}},
		served:  make(chan struct{}),
	}
	env.reg = registry.New(nil)
	env.hub = telemetry.New(nil, env.metrics)
	env.srv = New("127.0.0.1:0", env.reg, env.hub, registry.RealOpener(env.factory), env.metrics)
	require.NoError(t, env.srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		env.serveErr = env.srv.Serve(ctx)
		close(env.served)
	}()

	t.Cleanup(func() {
		cancel()
		env.waitStopped(t)
		env.hub.Close()
	})
	return env
}

func (e *testEnv) waitStopped(t *testing.T) error {
	t.Helper()
	select {
	case <-e.served:
		return e.serveErr
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(command string, params any) {
	c.t.Helper()
	msg := map[string]any{"command": command}
	if params != nil {
		msg["parameters"] = params
	}
	line, err := json.Marshal(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(line, '\r', '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) sendRaw(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// reply reads the next command reply, skipping any telemetry lines that
// land ahead of it on the shared connection.
func (c *testClient) reply() protocol.Reply {
	c.t.Helper()
	for {
		line := c.readLine()
		var probe struct {
			Status     string `json:"status"`
			SensorName string `json:"sensorName"`
		}
		require.NoError(c.t, json.Unmarshal([]byte(line), &probe), "line: %s", line)
		if probe.SensorName != "" {
			continue
		}
		var r protocol.Reply
		require.NoError(c.t, json.Unmarshal([]byte(line), &r))
		return r
	}
}

func (c *testClient) sample() protocol.TelemetrySample {
	c.t.Helper()
	line := c.readLine()
	var ts protocol.TelemetrySample
	require.NoError(c.t, json.Unmarshal([]byte(line), &ts), "line: %s", line)
	require.NotEmpty(c.t, ts.SensorName, "expected telemetry, got %s", line)
	return ts
}

func windSensorParams(name, device string) map[string]any {
	return map[string]any{
		"sensors": []map[string]any{{
			"name":        name,
			"sensor_type": "windsonic",
			"transport":   map[string]any{"type": "serial", "device": device},
		}},
	}
}

func TestServerConfigureStartStream(t *testing.T) {
	env := newTestEnv(t)
	port := transport.NewTestablePort()
	port.AddReadData([]byte(windFrame("036", "002.50")))
	env.factory.SetPort("/dev/ttyUSB0", port)

	c := dial(t, env.srv)

	c.send("configure", windSensorParams("anemometer", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), c.reply())
	assert.Equal(t, "configured", env.srv.Status().State)

	c.send("start", nil)
	assert.Equal(t, protocol.OK(), c.reply())

	sample := c.sample()
	assert.Equal(t, "anemometer", sample.SensorName)
	assert.True(t, sample.Valid)
	require.Len(t, sample.Measurements, 2)
	assert.Equal(t, 36.0, sample.Measurements[0].Value)
	assert.Equal(t, 2.5, sample.Measurements[1].Value)
	assert.Equal(t, "running", env.srv.Status().State)

	c.send("stop", nil)
	assert.Equal(t, protocol.OK(), c.reply())
	assert.Equal(t, "configured", env.srv.Status().State)

	c.send("disconnect", nil)
	assert.Equal(t, protocol.OK(), c.reply())

	// the server closes the connection after a disconnect
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)

	for _, verb := range []string{"configure", "start", "stop", "disconnect"} {
		assert.Equal(t, float64(1),
			testutil.ToFloat64(env.metrics.CommandsTotal.WithLabelValues(verb, "ok")), verb)
	}
}

func TestServerRefusesSecondClient(t *testing.T) {
	env := newTestEnv(t)

	a := dial(t, env.srv)
	a.sendRaw("not json\r\n")
	assert.Equal(t, protocol.CodeMalformedCommand, a.reply().Code)

	b := dial(t, env.srv)
	busy := b.reply()
	assert.Equal(t, protocol.StatusError, busy.Status)
	assert.Equal(t, protocol.CodeBusy, busy.Code)
	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := b.r.ReadString('\n')
	assert.Error(t, err, "refused connection should be closed")

	// the active session is untouched
	a.send("stop", nil)
	assert.Equal(t, protocol.CodeNotRunning, a.reply().Code)
}

func TestServerRejectsBadLines(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env.srv)

	c.sendRaw("{broken\r\n")
	r := c.reply()
	assert.Equal(t, protocol.CodeMalformedCommand, r.Code)
	assert.NotEmpty(t, r.Message)

	// blank lines produce no reply and do not desynchronise the stream
	c.sendRaw("\r\n\n")
	c.send("warp", nil)
	r = c.reply()
	assert.Equal(t, protocol.CodeInvalidCommand, r.Code)
	assert.Contains(t, r.Message, "warp")

	// a bare newline terminator is accepted
	c.sendRaw(`{"command":"stop"}` + "\n")
	assert.Equal(t, protocol.CodeNotRunning, c.reply().Code)
}

func TestServerStateConflicts(t *testing.T) {
	env := newTestEnv(t)
	port := transport.NewTestablePort()
	port.AddReadData([]byte(windFrame("090", "001.00")))
	env.factory.SetPort("/dev/ttyUSB0", port)

	c := dial(t, env.srv)

	c.send("start", nil)
	assert.Equal(t, protocol.CodeNotConfigured, c.reply().Code)

	c.send("stop", nil)
	assert.Equal(t, protocol.CodeNotRunning, c.reply().Code)

	c.send("configure", map[string]any{"sensors": []map[string]any{{
		"name":        "anemometer",
		"sensor_type": "hyperdrive",
		"transport":   map[string]any{"type": "serial", "device": "/dev/ttyUSB0"},
	}}})
	r := c.reply()
	assert.Equal(t, protocol.CodeInvalidConfiguration, r.Code)
	assert.Contains(t, r.Message, "hyperdrive")

	// an immediate replace of a valid configuration is allowed
	c.send("configure", windSensorParams("anemometer", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), c.reply())
	c.send("configure", windSensorParams("vane", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), c.reply())

	c.send("start", nil)
	assert.Equal(t, protocol.OK(), c.reply())
	c.sample()

	c.send("start", nil)
	assert.Equal(t, protocol.CodeAlreadyRunning, c.reply().Code)

	c.send("configure", windSensorParams("other", "/dev/ttyUSB1"))
	assert.Equal(t, protocol.CodeAlreadyRunning, c.reply().Code)

	// the running configuration survived the rejected commands
	st := env.srv.Status()
	assert.Equal(t, "running", st.State)
	require.Len(t, st.Sensors, 1)
	assert.Equal(t, "vane", st.Sensors[0].Name)

	c.send("stop", nil)
	assert.Equal(t, protocol.OK(), c.reply())
}

func TestServerDeviceErrorOnStart(t *testing.T) {
	env := newTestEnv(t)
	env.factory.SetError(fmt.Errorf("open /dev/ttyUSB0: no such device"))

	c := dial(t, env.srv)
	c.send("configure", windSensorParams("anemometer", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), c.reply())

	c.send("start", nil)
	r := c.reply()
	assert.Equal(t, protocol.CodeDeviceError, r.Code)
	assert.Contains(t, r.Message, "no such device")

	// configuration survives a failed start
	assert.Equal(t, "configured", env.srv.Status().State)
	c.send("start", nil)
	assert.Equal(t, protocol.CodeDeviceError, c.reply().Code)
}

func TestServerClientDropReleasesSensors(t *testing.T) {
	env := newTestEnv(t)
	port := transport.NewTestablePort()
	port.AddReadData([]byte(windFrame("036", "002.50")))
	env.factory.SetPort("/dev/ttyUSB0", port)

	a := dial(t, env.srv)
	a.send("configure", windSensorParams("anemometer", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), a.reply())
	a.send("start", nil)
	assert.Equal(t, protocol.OK(), a.reply())
	a.sample()

	// the client vanishes without a disconnect command
	require.NoError(t, a.conn.Close())

	require.Eventually(t, func() bool {
		st := env.srv.Status()
		return st.State == "idle" && st.Session == ""
	}, 5*time.Second, 20*time.Millisecond, "server should reset to idle after client drop")
	assert.True(t, port.IsClosed())

	// a new client configures and streams from a fresh port on the same path
	fresh := transport.NewTestablePort()
	fresh.AddReadData([]byte(windFrame("180", "005.00")))
	env.factory.SetPort("/dev/ttyUSB0", fresh)

	b := dial(t, env.srv)
	b.send("configure", windSensorParams("anemometer", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), b.reply())
	b.send("start", nil)
	assert.Equal(t, protocol.OK(), b.reply())
	sample := b.sample()
	assert.Equal(t, 180.0, sample.Measurements[0].Value)
}

func TestServerExitShutsDown(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env.srv)

	c.send("exit", nil)
	assert.Equal(t, protocol.OK(), c.reply())

	assert.NoError(t, env.waitStopped(t))

	_, err := net.Dial("tcp", env.srv.Addr().String())
	assert.Error(t, err, "listener should be closed after exit")
}

func TestServerShutdownClosesActiveSession(t *testing.T) {
	env := newTestEnv(t)
	c := dial(t, env.srv)
	c.send("configure", windSensorParams("anemometer", "/dev/ttyUSB0"))
	assert.Equal(t, protocol.OK(), c.reply())

	env.cancel()
	assert.NoError(t, env.waitStopped(t))

	// the session connection is gone
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}
