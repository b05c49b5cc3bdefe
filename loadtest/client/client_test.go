package client

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection, greets it and echoes each join back as
// a session_created frame.
func fakeServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := ws.Upgrade(conn); err != nil {
			return
		}
		_ = wsutil.WriteServerText(conn, []byte(`{"type":"connected","identity_id":"id-1"}`))
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
				Name string `json:"name"`
			}
			if json.Unmarshal(data, &msg) != nil || msg.Type != TypeJoin {
				continue
			}
			frame, _ := json.Marshal(map[string]any{
				"type":       TypeSessionCreated,
				"session_id": "s1",
				"partner":    map[string]string{"id": "id-2", "name": msg.Name},
			})
			_ = wsutil.WriteServerText(conn, frame)
		}
	}()
	return "ws://" + l.Addr().String()
}

func TestClient_IdentityAndHandlers(t *testing.T) {
	url := fakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := New(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WaitForIdentity(ctx))
	assert.Equal(t, "id-1", c.IdentityID())

	created := make(chan string, 1)
	c.On(TypeSessionCreated, func(raw json.RawMessage) {
		var msg struct {
			Partner struct {
				Name string `json:"name"`
			} `json:"partner"`
		}
		_ = json.Unmarshal(raw, &msg)
		created <- msg.Partner.Name
	})
	require.NoError(t, c.Join(Profile{Name: "lt", Gender: "other", Country: "Nowhere"}))

	select {
	case name := <-created:
		assert.Equal(t, "lt", name)
	case <-time.After(2 * time.Second):
		t.Fatal("no session_created")
	}

	m := c.GetMetrics()
	assert.Equal(t, 1, m.MessagesSent)
	assert.Equal(t, 2, m.MessagesReceived)
	assert.True(t, c.Alive())

	require.NoError(t, c.Close())
	assert.False(t, c.Alive())
	assert.NoError(t, c.Close())
}

func TestMessageAge(t *testing.T) {
	now := time.Unix(100, 0)
	sent := now.Add(-250 * time.Millisecond)

	age, ok := MessageAge("lt-3-"+strconv.FormatInt(sent.UnixNano(), 10), now)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, age)

	for _, id := range []string{"", "m1", "lt-1", "xx-1-2", "lt-1-abc"} {
		_, ok := MessageAge(id, now)
		assert.False(t, ok, id)
	}
}
