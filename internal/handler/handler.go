// Package handler connects the WebSocket dispatcher to the matching engine,
// the relay and the report service. It owns the per-connection bookkeeping
// the engine does not: client keys for ban escalation and the sessions each
// identity took part in.
package handler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/ban"
	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/outbox"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/ws"
)

// DefaultKeyGrace is how long a client key stays known after disconnect so
// that late reports against the identity can still escalate.
const DefaultKeyGrace = 5 * time.Minute

// maxRememberedSessions bounds the per-identity session history.
const maxRememberedSessions = 16

// BanChecker reports whether a client key is banned. ban.Store implements it.
type BanChecker interface {
	IsBanned(ctx context.Context, key string) (bool, int, string, error)
}

// Config collects the collaborators of a Handler. Limiter and Bans may be
// nil, which disables rate limits and ban checks. The outbox feeding
// Deliver is usually created before the Handler, so Engine and Outbox are
// wired with a forward reference in main.
type Config struct {
	Engine   *matching.Engine
	Outbox   *outbox.Outbox
	Relay    *relay.Relay
	Reports  *report.Service
	Limiter  relay.Limiter
	Bans     BanChecker
	KeyGrace time.Duration

	// Send writes a frame to a connection; usually ws.Server.SendMessage.
	Send func(connID string, frame []byte) error
}

type client struct {
	key      string
	sessions map[string]matching.Identity // session id -> partner
	order    []string
	expiry   *time.Timer
}

// Handler implements the per-message application logic.
type Handler struct {
	engine   *matching.Engine
	outbox   *outbox.Outbox
	relay    *relay.Relay
	reports  *report.Service
	limiter  relay.Limiter
	bans     BanChecker
	keyGrace time.Duration
	send     func(connID string, frame []byte) error

	mu      sync.Mutex
	clients map[matching.Identity]*client

	log zerolog.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.KeyGrace <= 0 {
		cfg.KeyGrace = DefaultKeyGrace
	}
	return &Handler{
		engine:   cfg.Engine,
		outbox:   cfg.Outbox,
		relay:    cfg.Relay,
		reports:  cfg.Reports,
		limiter:  cfg.Limiter,
		bans:     cfg.Bans,
		keyGrace: cfg.KeyGrace,
		send:     cfg.Send,
		clients:  make(map[matching.Identity]*client),
		log:      log.With().Str("component", "handler").Logger(),
	}
}

// Register installs a handler for every client message type.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, h.handleJoin)
	d.Register(protocol.TypeSkipPartner, h.handleSkip)
	d.Register(protocol.TypeStopChat, h.handleStop)
	d.Register(protocol.TypeBlockUser, h.handleBlock)
	d.Register(protocol.TypeUnblockUser, h.handleUnblock)
	d.Register(protocol.TypeListBlocked, h.handleListBlocked)
	d.Register(protocol.TypeReportUser, h.handleReport)
	d.Register(protocol.TypeSendMessage, h.handleRelay)
	d.Register(protocol.TypeSendEmoji, h.handleRelay)
	d.Register(protocol.TypeSendImage, h.handleRelay)
	d.Register(protocol.TypeTypingStart, h.handleRelay)
	d.Register(protocol.TypeTypingStop, h.handleRelay)
	d.Register(protocol.TypeMessagesSeen, h.handleRelay)
}

// Deliver writes one engine notification to its recipient. It is the
// outbox delivery function and runs on the recipient's mailbox goroutine.
// Session membership is recorded before session_created reaches the client,
// so a report sent in reaction to it can always be attributed.
func (h *Handler) Deliver(id matching.Identity, n matching.Notification) {
	if n.Kind == matching.KindSessionCreated {
		h.mu.Lock()
		if c, ok := h.clients[id]; ok {
			c.remember(n.SessionID, n.Partner)
		}
		h.mu.Unlock()
	}

	frame, err := protocol.FromNotification(n)
	if err != nil {
		h.log.Error().Err(err).Str("kind", string(n.Kind)).Msg("encode notification")
		return
	}
	if err := h.send(string(id), frame); err != nil {
		h.log.Debug().Err(err).Str("identity", string(id)).Str("kind", string(n.Kind)).Msg("deliver failed")
	}
}

func (c *client) remember(sessionID string, partner matching.Identity) {
	if _, ok := c.sessions[sessionID]; !ok {
		c.order = append(c.order, sessionID)
	}
	c.sessions[sessionID] = partner
	for len(c.order) > maxRememberedSessions {
		delete(c.sessions, c.order[0])
		c.order = c.order[1:]
	}
}

// OnConnect registers a new connection with the outbox and the engine.
func (h *Handler) OnConnect(conn *ws.Connection) {
	id := matching.Identity(conn.ID)

	h.mu.Lock()
	h.clients[id] = &client{
		key:      ban.ClientKey(conn.RemoteAddr),
		sessions: make(map[string]matching.Identity),
	}
	h.mu.Unlock()

	h.outbox.Open(id)
	h.engine.Connect(id)
}

// OnDisconnect removes the identity from the engine and closes its mailbox.
// The client key is kept for the grace period.
func (h *Handler) OnDisconnect(connID string) {
	id := matching.Identity(connID)
	h.engine.Disconnect(id)
	h.outbox.Close(id)

	h.mu.Lock()
	if c, ok := h.clients[id]; ok && c.expiry == nil {
		c.expiry = time.AfterFunc(h.keyGrace, func() { h.forget(id) })
	}
	h.mu.Unlock()
}

func (h *Handler) forget(id matching.Identity) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Close stops pending key expiry timers.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if c.expiry != nil {
			c.expiry.Stop()
			delete(h.clients, id)
		}
	}
}

// Admit refuses banned clients and clients opening connections too fast. It
// is installed as the ws server's admission check.
func (h *Handler) Admit(ctx context.Context, remoteAddr string) *ws.Rejection {
	key := ban.ClientKey(remoteAddr)

	if h.bans != nil {
		banned, remaining, reason, err := h.bans.IsBanned(ctx, key)
		if err != nil {
			h.log.Warn().Err(err).Msg("ban check failed, allowing connection")
		} else if banned {
			frame, _ := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{
				Duration: remaining,
				Reason:   reason,
			})
			return &ws.Rejection{Reason: "banned", Frame: frame}
		}
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, key, ratelimit.RuleConnect); !ok {
			frame, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				Action:     ratelimit.RuleConnect.Name,
				RetryAfter: seconds(h.limiter.RetryAfter(ctx, key, ratelimit.RuleConnect)),
			})
			return &ws.Rejection{Reason: "rate_limited", Frame: frame}
		}
	}
	return nil
}

// ClientKey returns the ban key recorded for id, if still known.
func (h *Handler) ClientKey(id matching.Identity) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return "", false
	}
	return c.key, true
}

func (h *Handler) handleJoin(conn *ws.Connection, _ string, msg any) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	id := matching.Identity(conn.ID)
	if !h.allow(conn, ratelimit.RuleJoin) {
		return
	}

	p, err := matching.NewProfile(m.Name, m.Gender, m.Country, m.CountryCode)
	if err == nil {
		err = h.engine.Join(id, p)
	}
	if err != nil {
		h.fail(conn, protocol.TypeJoin, err)
	}
}

func (h *Handler) handleSkip(conn *ws.Connection, _ string, msg any) {
	m, ok := msg.(protocol.SkipPartnerMsg)
	if !ok {
		return
	}
	id := matching.Identity(conn.ID)
	if !h.allow(conn, ratelimit.RuleJoin) {
		return
	}

	var replacement *matching.Profile
	if m.Profile != nil {
		p, err := matching.NewProfile(m.Profile.Name, m.Profile.Gender, m.Profile.Country, m.Profile.CountryCode)
		if err != nil {
			h.fail(conn, protocol.TypeSkipPartner, err)
			return
		}
		replacement = &p
	}
	if err := h.engine.Skip(id, m.SessionID, replacement); err != nil {
		h.fail(conn, protocol.TypeSkipPartner, err)
	}
}

func (h *Handler) handleStop(conn *ws.Connection, _ string, msg any) {
	m, ok := msg.(protocol.StopChatMsg)
	if !ok {
		return
	}
	if err := h.engine.Stop(matching.Identity(conn.ID), m.SessionID); err != nil {
		h.fail(conn, protocol.TypeStopChat, err)
	}
}

func (h *Handler) handleBlock(conn *ws.Connection, _ string, msg any) {
	m, ok := msg.(protocol.BlockUserMsg)
	if !ok {
		return
	}
	if _, err := h.engine.Block(matching.Identity(conn.ID), matching.Identity(m.TargetID)); err != nil {
		h.fail(conn, protocol.TypeBlockUser, err)
	}
}

func (h *Handler) handleUnblock(conn *ws.Connection, _ string, msg any) {
	m, ok := msg.(protocol.UnblockUserMsg)
	if !ok {
		return
	}
	if _, err := h.engine.Unblock(matching.Identity(conn.ID), matching.Identity(m.TargetID)); err != nil {
		h.fail(conn, protocol.TypeUnblockUser, err)
	}
}

func (h *Handler) handleListBlocked(conn *ws.Connection, _ string, _ any) {
	if _, err := h.engine.ListBlocked(matching.Identity(conn.ID)); err != nil {
		h.fail(conn, protocol.TypeListBlocked, err)
	}
}

func (h *Handler) handleReport(conn *ws.Connection, _ string, msg any) {
	m, ok := msg.(protocol.ReportUserMsg)
	if !ok {
		return
	}
	reporter := matching.Identity(conn.ID)
	if !h.allow(conn, ratelimit.RuleReport) {
		return
	}

	rec, err := h.reports.Submit(report.Record{
		Reporter:    conn.ID,
		Reported:    m.ReportedID,
		SessionID:   m.SessionID,
		Reason:      report.Reason(m.Reason),
		Details:     m.Details,
		ReportedKey: h.reportedKey(reporter, matching.Identity(m.ReportedID), m.SessionID),
	})
	if err != nil {
		h.fail(conn, protocol.TypeReportUser, err)
		return
	}

	h.log.Debug().Str("report_id", rec.ID).Bool("escalates", rec.ReportedKey != "").Msg("report accepted")
	h.reply(conn, protocol.TypeReportSubmitted, protocol.ReportSubmittedMsg{
		Success: true,
		Message: report.AckMessage,
	})
}

// reportedKey returns the client key of reported only when reporter and
// reported actually shared sessionID, so a report cannot escalate against
// an arbitrary identity.
func (h *Handler) reportedKey(reporter, reported matching.Identity, sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.clients[reporter]
	if !ok || rc.sessions[sessionID] != reported {
		return ""
	}
	target, ok := h.clients[reported]
	if !ok {
		return ""
	}
	return target.key
}

func (h *Handler) handleRelay(conn *ws.Connection, msgType string, msg any) {
	ctx := context.Background()
	from := matching.Identity(conn.ID)

	var err error
	switch m := msg.(type) {
	case protocol.SendMessageMsg:
		err = h.relay.Message(ctx, from, m)
	case protocol.SendEmojiMsg:
		err = h.relay.Emoji(ctx, from, m)
	case protocol.SendImageMsg:
		err = h.relay.Image(ctx, from, m)
	case protocol.TypingMsg:
		err = h.relay.Typing(ctx, from, m.SessionID, msgType == protocol.TypeTypingStart)
	case protocol.MessagesSeenMsg:
		err = h.relay.Seen(ctx, from, m)
	default:
		return
	}
	if err == nil {
		return
	}

	// Ephemeral signals race with teardown constantly; dropping them is
	// not worth an error frame.
	if msgType == protocol.TypeTypingStart || msgType == protocol.TypeTypingStop || msgType == protocol.TypeMessagesSeen {
		if errors.Is(err, relay.ErrRateLimited) || errors.Is(err, matching.ErrSessionNotFound) || errors.Is(err, matching.ErrNotMember) {
			return
		}
	}
	h.fail(conn, msgType, err)
}

// allow applies rule to the connection and answers rate_limited when
// exceeded. Limiter errors fail open.
func (h *Handler) allow(conn *ws.Connection, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx := context.Background()
	if ok, _ := h.limiter.Allow(ctx, conn.ID, rule); ok {
		return true
	}
	h.reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     rule.Name,
		RetryAfter: seconds(h.limiter.RetryAfter(ctx, conn.ID, rule)),
	})
	return false
}

func (h *Handler) fail(conn *ws.Connection, msgType string, err error) {
	var rl *relay.RateLimitError
	if errors.As(err, &rl) {
		h.reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			Action:     rl.Action,
			RetryAfter: seconds(rl.RetryAfter),
		})
		return
	}

	code, message := ErrorCode(err)
	h.log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Str("code", code).Msg("request rejected")
	h.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (h *Handler) reply(conn *ws.Connection, msgType string, payload any) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("build reply")
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		h.log.Debug().Err(err).Str("conn", conn.ID).Msg("reply failed")
	}
}

// seconds rounds a wait up to whole seconds, never below one.
func seconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
