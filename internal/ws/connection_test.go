package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, id string) *Connection {
	t.Helper()
	server, peer := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, peer) }()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	c := &Connection{ID: id, Conn: server, Fd: -1, CreatedAt: time.Now()}
	c.Touch(time.Now())
	return c
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a := pipeConn(t, "a")
	b := pipeConn(t, "b")
	cm.Add(a)
	cm.Add(b)

	assert.Equal(t, 2, cm.Count())
	assert.Same(t, a, cm.Get("a"))
	assert.Same(t, b, cm.GetByConn(b.Conn))
	assert.Len(t, cm.All(), 2)

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"))
	assert.Nil(t, cm.Get("a"))
	assert.Nil(t, cm.GetByConn(a.Conn))
	assert.Equal(t, 1, cm.Count())
}

func TestCheckConnections_EvictsIdle(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	var gone []string
	s.SetOnDisconnect(func(id string) { gone = append(gone, id) })

	fresh := pipeConn(t, "fresh")
	stale := pipeConn(t, "stale")
	now := time.Now()
	stale.Touch(now.Add(-time.Hour))
	s.Connections().Add(fresh)
	s.Connections().Add(stale)

	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
	require.Equal(t, 1, checkConnections(s, cfg, now))
	assert.Equal(t, []string{"stale"}, gone)
	assert.NotNil(t, s.Connections().Get("fresh"))
}

func TestCheckConnections_PingFailure(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	c := pipeConn(t, "broken")
	c.Conn.Close()
	s.Connections().Add(c)

	assert.Equal(t, 1, checkConnections(s, DefaultHeartbeatConfig(), time.Now()))
	assert.Equal(t, 0, s.Connections().Count())
}

func TestConnection_Touch(t *testing.T) {
	c := &Connection{}
	at := time.Unix(1700000000, 0)
	c.Touch(at)
	assert.True(t, c.LastSeen().Equal(at))
}
