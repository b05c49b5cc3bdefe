// Package relay validates, rate limits and forwards in-session traffic:
// text, emoji, images, typing indicators and read receipts. Forwarding goes
// through the matching engine so that a partner only ever receives traffic
// for the session it is currently in.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/ratelimit"
)

var (
	ErrInvalidMessage  = errors.New("relay: invalid message")
	ErrPayloadTooLarge = errors.New("relay: payload too large")
	ErrInvalidImage    = errors.New("relay: invalid image")
	ErrRateLimited     = errors.New("relay: rate limited")
)

// RateLimitError is returned when the sender exceeded a rule. It matches
// ErrRateLimited with errors.Is.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("relay: %s rate limited, retry after %s", e.Action, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Router addresses an event to the sender's partner. matching.Engine
// implements it.
type Router interface {
	Route(from matching.Identity, sessionID, event string, payload any) (matching.Identity, error)
}

// Limiter is the rate limiter used per action. A nil Limiter disables rate
// limiting.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Relay forwards validated events between session partners.
type Relay struct {
	router  Router
	limiter Limiter
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a Relay. limiter may be nil.
func New(router Router, limiter Limiter) *Relay {
	return &Relay{
		router:  router,
		limiter: limiter,
		now:     time.Now,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Message forwards a text message.
func (r *Relay) Message(ctx context.Context, from matching.Identity, m protocol.SendMessageMsg) error {
	if err := ValidateText(m.Text); err != nil {
		return r.reject("message", err)
	}
	if err := ValidateMessageID(m.MessageID); err != nil {
		return r.reject("message", err)
	}
	return r.forward(ctx, from, "message", ratelimit.RuleMessage, m.SessionID, protocol.TypeReceiveMessage,
		protocol.ReceiveMessageMsg{
			SessionID: m.SessionID,
			SenderID:  string(from),
			MessageID: m.MessageID,
			Text:      m.Text,
			Ts:        r.now().UnixMilli(),
		})
}

// Emoji forwards a standalone emoji.
func (r *Relay) Emoji(ctx context.Context, from matching.Identity, m protocol.SendEmojiMsg) error {
	if err := ValidateEmoji(m.Emoji); err != nil {
		return r.reject("emoji", err)
	}
	if err := ValidateMessageID(m.MessageID); err != nil {
		return r.reject("emoji", err)
	}
	return r.forward(ctx, from, "emoji", ratelimit.RuleMessage, m.SessionID, protocol.TypeReceiveEmoji,
		protocol.ReceiveEmojiMsg{
			SessionID: m.SessionID,
			SenderID:  string(from),
			MessageID: m.MessageID,
			Emoji:     m.Emoji,
			Ts:        r.now().UnixMilli(),
		})
}

// Image forwards an inline image.
func (r *Relay) Image(ctx context.Context, from matching.Identity, m protocol.SendImageMsg) error {
	if err := ValidateImage(m.ImageData); err != nil {
		return r.reject("image", err)
	}
	if err := ValidateMessageID(m.MessageID); err != nil {
		return r.reject("image", err)
	}
	return r.forward(ctx, from, "image", ratelimit.RuleImage, m.SessionID, protocol.TypeReceiveImage,
		protocol.ReceiveImageMsg{
			SessionID: m.SessionID,
			SenderID:  string(from),
			MessageID: m.MessageID,
			ImageData: m.ImageData,
			Ts:        r.now().UnixMilli(),
		})
}

// Typing forwards a typing start or stop indicator.
func (r *Relay) Typing(ctx context.Context, from matching.Identity, sessionID string, typing bool) error {
	event := protocol.TypePartnerStopTyping
	if typing {
		event = protocol.TypePartnerTyping
	}
	return r.forward(ctx, from, "typing", ratelimit.RuleTyping, sessionID, event,
		protocol.PartnerTypingMsg{SessionID: sessionID})
}

// Seen forwards a read receipt.
func (r *Relay) Seen(ctx context.Context, from matching.Identity, m protocol.MessagesSeenMsg) error {
	if err := ValidateSeen(m.MessageIDs); err != nil {
		return r.reject("seen", err)
	}
	return r.forward(ctx, from, "seen", ratelimit.RuleTyping, m.SessionID, protocol.TypeMessagesRead,
		protocol.MessagesReadMsg{
			SessionID:  m.SessionID,
			MessageIDs: m.MessageIDs,
			SeenBy:     string(from),
		})
}

func (r *Relay) forward(ctx context.Context, from matching.Identity, kind string, rule ratelimit.Rule,
	sessionID, event string, payload any) error {
	start := r.now()

	if r.limiter != nil {
		// Limiter errors fail open.
		if ok, _ := r.limiter.Allow(ctx, string(from), rule); !ok {
			return r.reject(kind, &RateLimitError{
				Action:     rule.Name,
				RetryAfter: r.limiter.RetryAfter(ctx, string(from), rule),
			})
		}
	}

	if _, err := r.router.Route(from, sessionID, event, payload); err != nil {
		return r.reject(kind, err)
	}

	metrics.MessagesTotal.WithLabelValues(kind, "relayed").Inc()
	metrics.MessageLatency.Observe(r.now().Sub(start).Seconds())
	return nil
}

func (r *Relay) reject(kind string, err error) error {
	metrics.MessagesTotal.WithLabelValues(kind, "rejected").Inc()
	r.log.Debug().Err(err).Str("type", kind).Msg("relay rejected")
	return err
}
