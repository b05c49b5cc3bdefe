package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/metrics"
)

// Publisher is the subset of the message bus client used for reports.
type Publisher interface {
	PublishReport(data []byte) error
}

// BusSink publishes every record on the report subject for out-of-process
// consumers such as cmd/notifier.
type BusSink struct {
	pub Publisher
}

// NewBusSink creates a BusSink.
func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{pub: pub}
}

// Name implements Sink.
func (b *BusSink) Name() string { return "nats" }

// Submit implements Sink.
func (b *BusSink) Submit(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	if err := b.pub.PublishReport(data); err != nil {
		return fmt.Errorf("report: publish: %w", err)
	}
	return nil
}

// Escalator counts reports against a client key and bans it at the
// threshold. ban.Store implements it.
type Escalator interface {
	ReportAndCheck(ctx context.Context, key string) (bool, time.Duration, error)
}

// BanEvent describes a ban issued through escalation. Key is for
// in-process use and is never encoded.
type BanEvent struct {
	Key      string        `json:"-"`
	Reported string        `json:"reported_id"`
	Duration time.Duration `json:"duration"`
	ReportID string        `json:"report_id"`
	IssuedAt time.Time     `json:"issued_at"`
}

// EscalationSink feeds reports into the ban escalator. Records without a
// ReportedKey are ignored.
type EscalationSink struct {
	escalator Escalator
	onBan     func(BanEvent)
}

// NewEscalationSink creates an EscalationSink. onBan may be nil.
func NewEscalationSink(escalator Escalator, onBan func(BanEvent)) *EscalationSink {
	return &EscalationSink{escalator: escalator, onBan: onBan}
}

// Name implements Sink.
func (e *EscalationSink) Name() string { return "escalation" }

// Submit implements Sink.
func (e *EscalationSink) Submit(ctx context.Context, rec Record) error {
	if rec.ReportedKey == "" {
		return nil
	}
	banned, duration, err := e.escalator.ReportAndCheck(ctx, rec.ReportedKey)
	if err != nil {
		return fmt.Errorf("report: escalate: %w", err)
	}
	if !banned {
		return nil
	}

	metrics.BansTotal.Inc()
	log.Warn().Str("component", "report").Str("key", rec.ReportedKey).Dur("duration", duration).
		Str("report_id", rec.ID).Msg("client banned after repeated reports")
	if e.onBan != nil {
		e.onBan(BanEvent{Key: rec.ReportedKey, Reported: rec.Reported, Duration: duration, ReportID: rec.ID, IssuedAt: time.Now().UTC()})
	}
	return nil
}
