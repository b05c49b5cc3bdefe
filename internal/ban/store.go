// Package ban provides client-address ban management backed by Redis.
// Clients are identified by ClientKey, a hash of their network address, so
// raw addresses never reach Redis. Ban records are simple key-value pairs
// with TTL-based expiry:
//
//	Key:   ban:<client key>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for report counters.
	ReportsPrefix = "reports:"

	// OffensesPrefix is the Redis key prefix for the number of bans issued.
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the report counter lives in Redis. After 24h
	// without reaching the threshold the counter resets to zero.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long past bans count towards escalation.
	OffensesTTL = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3

	// ReasonMultipleReports is recorded on bans issued by ReportAndCheck.
	ReasonMultipleReports = "multiple_reports"
)

// ClientKey derives the ban key of a remote address. The port is dropped so
// that reconnecting from a new source port does not evade a ban.
func ClientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:16])
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks if a client key is currently banned.
// Returns (isBanned, remainingSeconds, reason, error).
// If the key is not banned, isBanned is false and the other return values
// are zero/empty. Redis errors are returned so callers can decide how to
// handle them (the recommended policy is fail-open).
func (s *Store) IsBanned(ctx context.Context, key string) (bool, int, string, error) {
	banKey := BanPrefix + key

	reason, err := s.client.Get(ctx, banKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, banKey).Result()
	if err != nil {
		// The ban exists but the TTL is unreadable; report it anyway.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Ban sets a ban on a client key with the given duration and reason.
// The ban automatically expires after the specified duration.
func (s *Store) Ban(ctx context.Context, key string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+key, reason, duration).Err()
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, key string) error {
	return s.client.Del(ctx, BanPrefix+key).Err()
}

// ---------------------------------------------------------------------------
// Escalating ban system
// ---------------------------------------------------------------------------

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// GetOffenseCount returns how many bans were issued to key within
// OffensesTTL. Returns 0 if the counter does not exist.
func (s *Store) GetOffenseCount(ctx context.Context, key string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Escalate increments the offense counter for key and applies a ban whose
// duration escalates with the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, key string, reason string) (time.Duration, error) {
	offensesKey := OffensesPrefix + key

	count, err := s.client.Incr(ctx, offensesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, offensesKey, OffensesTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, key, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}

	return duration, nil
}

// ReportAndCheck counts one report against key and bans it once
// AutoBanThreshold reports accumulate within ReportsTTL. Reaching the
// threshold resets the report counter and escalates, so each further ban
// needs another full set of reports. Returns (banned, duration, error).
func (s *Store) ReportAndCheck(ctx context.Context, key string) (bool, time.Duration, error) {
	reportsKey := ReportsPrefix + key

	count, err := s.client.Incr(ctx, reportsKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}

	// Set TTL only on first increment so the 24h window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, reportsKey, ReportsTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return false, 0, nil
	}

	if err := s.client.Del(ctx, reportsKey).Err(); err != nil {
		return false, 0, fmt.Errorf("ban: report reset: %w", err)
	}
	duration, err := s.Escalate(ctx, key, ReasonMultipleReports)
	if err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
