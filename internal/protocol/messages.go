// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin         = "join"
	TypeSkipPartner  = "skip_partner"
	TypeStopChat     = "stop_chat"
	TypeBlockUser    = "block_user"
	TypeUnblockUser  = "unblock_user"
	TypeListBlocked  = "list_blocked"
	TypeReportUser   = "report_user"
	TypeSendMessage  = "send_message"
	TypeSendEmoji    = "send_emoji"
	TypeSendImage    = "send_image"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypeMessagesSeen = "messages_seen"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected         = "connected"
	TypeOnlineCount       = "online_count"
	TypeWaiting           = "waiting"
	TypeWaitTimeout       = "wait_timeout"
	TypeSessionCreated    = "session_created"
	TypePartnerLeft       = "partner_left"
	TypeUserBlocked       = "user_blocked"
	TypeUserUnblocked     = "user_unblocked"
	TypeBlockedList       = "blocked_list"
	TypeReportSubmitted   = "report_submitted"
	TypeReceiveMessage    = "receive_message"
	TypeReceiveEmoji      = "receive_emoji"
	TypeReceiveImage      = "receive_image"
	TypePartnerTyping     = "partner_typing"
	TypePartnerStopTyping = "partner_stop_typing"
	TypeMessagesRead      = "messages_read"
	TypeRateLimited       = "rate_limited"
	TypeBanned            = "banned"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ProfilePayload carries the display attributes of a join or a skip with a
// replacement profile.
type ProfilePayload struct {
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code,omitempty"`
}

// JoinMsg is sent by the client to enter the waiting queue.
type JoinMsg struct {
	Type string `json:"type"`
	ProfilePayload
}

// SkipPartnerMsg ends the current session and re-enters the queue, optionally
// with a new profile.
type SkipPartnerMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Profile   *ProfilePayload `json:"profile,omitempty"`
}

// StopChatMsg leaves the queue and any session. SessionID is optional.
type StopChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// BlockUserMsg blocks TargetID, ending the shared session if any.
type BlockUserMsg struct {
	Type      string `json:"type"`
	TargetID  string `json:"target_id"`
	SessionID string `json:"session_id,omitempty"`
}

// UnblockUserMsg removes a block.
type UnblockUserMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
}

// ListBlockedMsg requests the caller's blocked set.
type ListBlockedMsg struct {
	Type string `json:"type"`
}

// ReportUserMsg reports the partner of a session.
type ReportUserMsg struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	ReportedID string `json:"reported_id"`
	Reason     string `json:"reason"`
	Details    string `json:"details,omitempty"`
}

// SendMessageMsg is a text message sent within a session.
type SendMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// SendEmojiMsg is a standalone emoji sent within a session.
type SendEmojiMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// SendImageMsg carries an inline image as a data URL.
type SendImageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	ImageData string `json:"image_data"`
}

// TypingMsg is used for both typing_start and typing_stop.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MessagesSeenMsg acknowledges that the listed partner messages were read.
type MessagesSeenMsg struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	MessageIDs []string `json:"message_ids"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is the first message on a new connection and carries the
// identity the server assigned to it.
type ConnectedMsg struct {
	Type       string `json:"type"`
	IdentityID string `json:"identity_id"`
}

// OnlineCountMsg reports the number of connected identities.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// WaitingMsg confirms the client is queued.
type WaitingMsg struct {
	Type        string `json:"type"`
	QueueLength int    `json:"queue_length"`
}

// WaitTimeoutMsg tells a client it waited too long and was taken out of the
// queue.
type WaitTimeoutMsg struct {
	Type string `json:"type"`
}

// PartnerInfo describes the counterpart of a new session.
type PartnerInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code,omitempty"`
}

// SessionCreatedMsg announces a match.
type SessionCreatedMsg struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Partner   PartnerInfo `json:"partner"`
}

// PartnerLeftMsg is sent when the partner skipped, stopped, blocked or
// disconnected.
type PartnerLeftMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserBlockedMsg confirms a block.
type UserBlockedMsg struct {
	Type         string   `json:"type"`
	Success      bool     `json:"success"`
	BlockedID    string   `json:"blocked_id"`
	Blocked      []string `json:"blocked"`
	SessionEnded bool     `json:"session_ended"`
	SessionID    string   `json:"session_id,omitempty"`
}

// UserUnblockedMsg confirms an unblock.
type UserUnblockedMsg struct {
	Type        string   `json:"type"`
	Success     bool     `json:"success"`
	UnblockedID string   `json:"unblocked_id"`
	Blocked     []string `json:"blocked"`
}

// BlockedListMsg lists the caller's blocked identities.
type BlockedListMsg struct {
	Type    string   `json:"type"`
	Blocked []string `json:"blocked"`
}

// ReportSubmittedMsg acknowledges a report.
type ReportSubmittedMsg struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ReceiveMessageMsg is a text message relayed from the partner.
type ReceiveMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// ReceiveEmojiMsg is an emoji relayed from the partner.
type ReceiveEmojiMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Ts        int64  `json:"ts"`
}

// ReceiveImageMsg is an image relayed from the partner.
type ReceiveImageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	MessageID string `json:"message_id"`
	ImageData string `json:"image_data"`
	Ts        int64  `json:"ts"`
}

// PartnerTypingMsg is used for both partner_typing and partner_stop_typing.
type PartnerTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MessagesReadMsg relays a read receipt.
type MessagesReadMsg struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	MessageIDs []string `json:"message_ids"`
	SeenBy     string   `json:"seen_by"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent by the server when the client has been banned.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		msg, err = decode[JoinMsg](env.Raw)
	case TypeSkipPartner:
		msg, err = decode[SkipPartnerMsg](env.Raw)
	case TypeStopChat:
		msg, err = decode[StopChatMsg](env.Raw)
	case TypeBlockUser:
		msg, err = decode[BlockUserMsg](env.Raw)
	case TypeUnblockUser:
		msg, err = decode[UnblockUserMsg](env.Raw)
	case TypeListBlocked:
		msg, err = decode[ListBlockedMsg](env.Raw)
	case TypeReportUser:
		msg, err = decode[ReportUserMsg](env.Raw)
	case TypeSendMessage:
		msg, err = decode[SendMessageMsg](env.Raw)
	case TypeSendEmoji:
		msg, err = decode[SendEmojiMsg](env.Raw)
	case TypeSendImage:
		msg, err = decode[SendImageMsg](env.Raw)
	case TypeTypingStart, TypeTypingStop:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeMessagesSeen:
		msg, err = decode[MessagesSeenMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var m T
	err := json.Unmarshal(raw, &m)
	return m, err
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
