package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Reason is the category a reporter picks.
type Reason string

const (
	ReasonHarassment    Reason = "harassment"
	ReasonSpam          Reason = "spam"
	ReasonInappropriate Reason = "inappropriate"
	ReasonImpersonation Reason = "impersonation"
	ReasonOther         Reason = "other"
)

// MaxDetailsChars bounds the free-text part of a report.
const MaxDetailsChars = 1000

// AckMessage is the text sent back to every reporter.
const AckMessage = "Report submitted. Thank you for helping keep our community safe."

var (
	ErrInvalidReason = errors.New("report: invalid reason")
	ErrInvalidReport = errors.New("report: invalid report")
)

// ParseReason maps a wire value onto a Reason.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(strings.ToLower(strings.TrimSpace(s))); r {
	case ReasonHarassment, ReasonSpam, ReasonInappropriate, ReasonImpersonation, ReasonOther:
		return r, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidReason, s)
}

// Record is one write-once abuse report.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reporter  string    `json:"reporter_id"`
	Reported  string    `json:"reported_id"`
	SessionID string    `json:"session_id"`
	Reason    Reason    `json:"reason"`
	Details   string    `json:"details"`

	// ReportedKey is the ban key of the reported client, when known. It is
	// derived from the client address, so it stays out of JSON payloads.
	ReportedKey string `json:"-"`
}

// Validate checks a record before it is appended.
func (r Record) Validate() error {
	switch {
	case r.Reporter == "":
		return fmt.Errorf("%w: missing reporter", ErrInvalidReport)
	case r.Reported == "":
		return fmt.Errorf("%w: missing reported identity", ErrInvalidReport)
	case r.Reported == r.Reporter:
		return fmt.Errorf("%w: cannot report self", ErrInvalidReport)
	case r.SessionID == "":
		return fmt.Errorf("%w: missing session", ErrInvalidReport)
	case utf8.RuneCountInString(r.Details) > MaxDetailsChars:
		return fmt.Errorf("%w: details exceed %d characters", ErrInvalidReport, MaxDetailsChars)
	case !utf8.ValidString(r.Details):
		return fmt.Errorf("%w: details contain invalid UTF-8", ErrInvalidReport)
	}
	if _, err := ParseReason(string(r.Reason)); err != nil {
		return err
	}
	return nil
}
