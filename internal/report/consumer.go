package report

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Consumer turns report and ban messages from the bus into deliveries.
type Consumer struct {
	deliverer Deliverer
	log       zerolog.Logger
}

// NewConsumer creates a Consumer that hands reports to d.
func NewConsumer(d Deliverer) *Consumer {
	return &Consumer{
		deliverer: d,
		log:       log.With().Str("component", "notifier").Logger(),
	}
}

// HandleReport decodes one report.submitted payload and delivers it.
func (c *Consumer) HandleReport(data []byte) error {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("report: decode record: %w", err)
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: record without id", ErrInvalidReport)
	}
	if err := c.deliverer.Deliver(rec); err != nil {
		return fmt.Errorf("report: deliver %s: %w", rec.ID, err)
	}
	c.log.Debug().Str("report_id", rec.ID).Msg("report delivered")
	return nil
}

// HandleBan decodes one ban.issued payload and logs it.
func (c *Consumer) HandleBan(data []byte) error {
	var ev BanEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("report: decode ban: %w", err)
	}
	c.log.Warn().Str("reported_id", ev.Reported).Dur("duration", ev.Duration).Str("report_id", ev.ReportID).
		Time("issued_at", ev.IssuedAt).Msg("client banned")
	return nil
}
