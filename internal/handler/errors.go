package handler

import (
	"errors"
	"strings"

	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/report"
)

var errorCodes = []struct {
	err     error
	code    string
	message string
}{
	{matching.ErrInvalidProfile, "invalid_profile", ""},
	{matching.ErrAlreadyPaired, "already_paired", "You are already in a chat."},
	{matching.ErrSessionNotFound, "session_not_found", "That chat has ended."},
	{matching.ErrNotMember, "not_member", "You are not part of that chat."},
	{matching.ErrInvalidTarget, "invalid_target", "No user given."},
	{matching.ErrSelfBlock, "self_block", "You cannot block yourself."},
	{matching.ErrNoProfile, "no_profile", "Join first to set up your profile."},
	{matching.ErrNotConnected, "not_connected", "Connection is not registered."},
	{relay.ErrPayloadTooLarge, "payload_too_large", ""},
	{relay.ErrInvalidImage, "invalid_image", "Images must be sent as data:image/ URLs."},
	{relay.ErrInvalidMessage, "invalid_message", ""},
	{report.ErrInvalidReason, "invalid_report", "Unknown report reason."},
	{report.ErrInvalidReport, "invalid_report", ""},
}

// ErrorCode maps an operation error to the wire error code and a message
// for the user. Unknown errors map to "internal_error".
func ErrorCode(err error) (code, message string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			if e.message != "" {
				return e.code, e.message
			}
			return e.code, detail(err, e.err)
		}
	}
	return "internal_error", "Something went wrong."
}

// detail strips the sentinel prefix from a wrapped error, leaving the part
// that describes the input ("display name is empty").
func detail(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}
