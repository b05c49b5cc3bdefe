// Package report records abuse reports and fans them out to persistence,
// the message bus and ban escalation. The in-memory log is the record of
// truth for the acknowledgment; every other sink is best effort.
package report

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/metrics"
)

// DefaultSinkTimeout bounds each sink call.
const DefaultSinkTimeout = 5 * time.Second

// Sink receives every appended record. Failures are logged and never reach
// the reporter.
type Sink interface {
	Name() string
	Submit(ctx context.Context, rec Record) error
}

// Service is the append-only report log.
type Service struct {
	mu      sync.RWMutex
	records []Record

	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewService creates a Service that forwards to sinks.
func NewService(sinks ...Sink) *Service {
	return &Service{
		sinks:   sinks,
		timeout: DefaultSinkTimeout,
		now:     time.Now,
		log:     log.With().Str("component", "report").Logger(),
	}
}

// AddSink registers another sink. It must be called before Submit.
func (s *Service) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// Submit validates rec, assigns its id and timestamp, appends it and hands
// it to every sink in the background. The returned record is final.
func (s *Service) Submit(rec Record) (Record, error) {
	rec.Details = strings.TrimSpace(rec.Details)
	reason, err := ParseReason(string(rec.Reason))
	if err != nil {
		return Record{}, err
	}
	rec.Reason = reason
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	rec.ID = uuid.NewString()
	rec.Timestamp = s.now().UTC()

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	metrics.ReportsTotal.WithLabelValues(string(rec.Reason)).Inc()
	s.log.Info().Str("report_id", rec.ID).Str("reporter", rec.Reporter).Str("reported", rec.Reported).
		Str("session_id", rec.SessionID).Str("reason", string(rec.Reason)).Msg("report submitted")

	for _, sink := range s.sinks {
		s.wg.Add(1)
		go s.deliver(sink, rec)
	}
	return rec, nil
}

// Records returns a copy of the log in append order.
func (s *Service) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of appended records.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close waits for in-flight sink deliveries.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) deliver(sink Sink, rec Record) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := sink.Submit(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("sink", sink.Name()).Str("report_id", rec.ID).Msg("sink failed")
	}
}
