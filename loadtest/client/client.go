// Package client provides a reusable WebSocket load test client for the
// Drift chat server. It connects using gobwas/ws (the same library the
// server uses), records the identity assigned in the connected frame, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoin         = "join"
	TypeSkipPartner  = "skip_partner"
	TypeStopChat     = "stop_chat"
	TypeSendMessage  = "send_message"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypeMessagesSeen = "messages_seen"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeOnlineCount    = "online_count"
	TypeWaiting        = "waiting"
	TypeWaitTimeout    = "wait_timeout"
	TypeSessionCreated = "session_created"
	TypePartnerLeft    = "partner_left"
	TypeReceiveMessage = "receive_message"
	TypeMessagesRead   = "messages_read"
	TypeRateLimited    = "rate_limited"
	TypeBanned         = "banned"
	TypeError          = "error"
	TypePong           = "pong"
)

// Profile is the display profile sent with join.
type Profile struct {
	Name    string `json:"name"`
	Gender  string `json:"gender"`
	Country string `json:"country"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection to the Drift server.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	reader    func() ([]byte, error)
	writeMu   sync.Mutex
	mu        sync.Mutex
	identity  string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	readyOnce sync.Once
	dialedAt  time.Time
	seq       atomic.Int64
}

// New dials url and starts the read loop. The identity becomes available
// once the server's connected frame arrives; see WaitForIdentity.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	// The handshake reader may hold the first frame already.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	// Pong replies to server pings share the write lock with Send.
	rw := struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{&c.writeMu, conn}}
	c.reader = func() ([]byte, error) { return wsutil.ReadServerText(rw) }

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as one text frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Join enters the waiting queue with p.
func (c *Client) Join(p Profile) error {
	return c.Send(struct {
		Type string `json:"type"`
		Profile
	}{TypeJoin, p})
}

// SendText relays text within sessionID. The message id embeds the send
// time so the receiver can compute delivery latency with MessageAge.
func (c *Client) SendText(sessionID, text string) error {
	id := fmt.Sprintf("lt-%d-%d", c.seq.Add(1), time.Now().UnixNano())
	return c.Send(map[string]string{
		"type":       TypeSendMessage,
		"session_id": sessionID,
		"message_id": id,
		"text":       text,
	})
}

// Stop leaves the current session and the queue.
func (c *Client) Stop(sessionID string) error {
	return c.Send(map[string]string{"type": TypeStopChat, "session_id": sessionID})
}

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForIdentity blocks until the connected frame was received, the
// connection closed or ctx is done.
func (c *Client) WaitForIdentity(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before identity was assigned")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IdentityID returns the identity assigned by the server, or "".
func (c *Client) IdentityID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})

	for {
		data, err := c.reader()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type       string `json:"type"`
			IdentityID string `json:"identity_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if c.metrics.FirstMsgLatency == 0 {
			c.metrics.FirstMsgLatency = time.Since(c.dialedAt)
		}
		if envelope.Type == TypeConnected {
			c.identity = envelope.IdentityID
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if envelope.Type == TypeConnected {
			c.readyOnce.Do(func() { close(c.ready) })
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// MessageAge returns how long ago a message id produced by SendText was
// created. ok is false for ids from other senders.
func MessageAge(messageID string, now time.Time) (age time.Duration, ok bool) {
	parts := strings.Split(messageID, "-")
	if len(parts) != 3 || parts[0] != "lt" {
		return 0, false
	}
	ns, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(0, ns)), true
}
