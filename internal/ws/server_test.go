package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftchat/drift/internal/protocol"
)

type testServer struct {
	*Server
	addr         string
	connected    chan *Connection
	disconnected chan string
}

func startServer(t *testing.T, cfg ServerConfig, setup func(*Server)) *testServer {
	t.Helper()

	d := NewMessageDispatcher()
	d.Register(protocol.TypeListBlocked, func(conn *Connection, msgType string, _ any) {
		frame, _ := protocol.NewServerMessage(protocol.TypeBlockedList, protocol.BlockedListMsg{Blocked: []string{}})
		_ = conn.WriteMessage(frame)
	})

	s := NewServer(cfg, d.Dispatch)
	ts := &testServer{
		Server:       s,
		connected:    make(chan *Connection, 8),
		disconnected: make(chan string, 8),
	}
	s.SetOnConnect(func(c *Connection) { ts.connected <- c })
	s.SetOnDisconnect(func(id string) { ts.disconnected <- id })
	if setup != nil {
		setup(s)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.addr = l.Addr().String()

	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	// Serve starts asynchronously; wait for the listener to answer.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ts.addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	return ts
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(t *testing.T, v string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(v)))
}

func (c *client) read(t *testing.T) map[string]any {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

func TestServer_ConnectedThenDispatch(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), nil)
	c := dial(t, ts.addr)

	hello := c.read(t)
	assert.Equal(t, protocol.TypeConnected, hello["type"])
	conn := receive(t, ts.connected)
	assert.Equal(t, conn.ID, hello["identity_id"])
	assert.NotEmpty(t, conn.RemoteAddr)

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])

	c.send(t, `{"type":"list_blocked"}`)
	assert.Equal(t, protocol.TypeBlockedList, c.read(t)["type"])

	c.send(t, `{"type":"wait_timeout"}`)
	msg := c.read(t)
	assert.Equal(t, protocol.TypeError, msg["type"])
	assert.Equal(t, "parse_error", msg["code"])

	c.send(t, `not json`)
	assert.Equal(t, "parse_error", c.read(t)["code"])

	assert.Equal(t, 1, ts.Connections().Count())
}

func TestServer_UnregisteredType(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), nil)
	c := dial(t, ts.addr)
	c.read(t)

	c.send(t, `{"type":"join","name":"x"}`)
	msg := c.read(t)
	assert.Equal(t, "unsupported_type", msg["code"])
}

func TestServer_DisconnectCallback(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), nil)
	c := dial(t, ts.addr)
	c.read(t)
	conn := receive(t, ts.connected)

	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))))
	assert.Equal(t, conn.ID, receive(t, ts.disconnected))
	assert.Eventually(t, func() bool { return ts.Connections().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_ClientPingFrame(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), nil)
	c := dial(t, ts.addr)
	c.read(t)

	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewPingFrame([]byte("hi")))))
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ws.ReadFrame(c.rw)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, frame.Header.OpCode)
	assert.Equal(t, "hi", string(frame.Payload))

	// The stream stays aligned after the control frame.
	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])
}

func TestServer_FrameTooLarge(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxFrameSize = 64
	ts := startServer(t, cfg, nil)
	c := dial(t, ts.addr)
	c.read(t)
	conn := receive(t, ts.connected)

	c.send(t, `{"type":"ping","pad":"`+strings.Repeat("x", 128)+`"}`)
	assert.Equal(t, conn.ID, receive(t, ts.disconnected))
}

func TestServer_AdmitRejects(t *testing.T) {
	banned, _ := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{Duration: 900, Reason: "multiple_reports"})
	ts := startServer(t, DefaultServerConfig(), func(s *Server) {
		s.SetAdmit(func(_ context.Context, remoteAddr string) *Rejection {
			if remoteAddr == "" {
				return nil
			}
			return &Rejection{Reason: "banned", Frame: banned}
		})
	})
	c := dial(t, ts.addr)

	msg := c.read(t)
	assert.Equal(t, protocol.TypeBanned, msg["type"])
	assert.EqualValues(t, 900, msg["duration"])

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wsutil.ReadServerText(c.rw)
	assert.Error(t, err)

	select {
	case <-ts.connected:
		t.Fatal("rejected client reached onConnect")
	default:
	}
	assert.Equal(t, 0, ts.Connections().Count())
}

func TestServer_CapacityLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	ts := startServer(t, cfg, nil)
	c := dial(t, ts.addr)
	c.read(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws://"+ts.addr+"/ws")
	require.Error(t, err)
	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusServiceUnavailable, int(status))
}

func TestServer_Health(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), func(s *Server) {
		s.SetStats(func() Stats { return Stats{Queued: 3, Sessions: 2} })
	})
	c := dial(t, ts.addr)
	c.read(t)
	receive(t, ts.connected)

	resp, err := http.Get("http://" + ts.addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Queue       int    `json:"queue"`
		Sessions    int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(bufio.NewReader(resp.Body)).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 3, body.Queue)
	assert.Equal(t, 2, body.Sessions)
}

func TestServer_Metrics(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), nil)

	resp, err := http.Get("http://" + ts.addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "drift_connections_total")
}

func TestServer_SendMessageUnknown(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	assert.Error(t, s.SendMessage("nobody", []byte("{}")))
}

func TestServer_DisconnectByID(t *testing.T) {
	ts := startServer(t, DefaultServerConfig(), nil)
	c := dial(t, ts.addr)
	c.read(t)
	conn := receive(t, ts.connected)

	ts.Disconnect(conn.ID)
	assert.Equal(t, conn.ID, receive(t, ts.disconnected))
	assert.Equal(t, 0, ts.Connections().Count())

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wsutil.ReadServerText(c.rw)
	assert.Error(t, err)

	ts.Disconnect(conn.ID)
	ts.Disconnect("nobody")
	select {
	case id := <-ts.disconnected:
		t.Fatalf("unexpected second disconnect of %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}
