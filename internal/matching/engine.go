// Package matching implements the matchmaking and session-lifecycle engine:
// the connection registry, user directory, block graph, waiting queue,
// matcher and session registry, coordinated behind a single mutation lock.
package matching

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/metrics"
)

// Teardown reasons, used for logging and metrics.
const (
	ReasonSkip       = "skip"
	ReasonStop       = "stop"
	ReasonBlock      = "block"
	ReasonDisconnect = "disconnect"
)

// State is the lifecycle state of one identity.
type State string

const (
	StateDisconnected State = "disconnected"
	StateIdle         State = "idle"
	StateQueued       State = "queued"
	StatePaired       State = "paired"
)

// Config holds engine tunables.
type Config struct {
	// MaxWait returns identities waiting longer than this to idle during a
	// sweep. Zero disables the limit.
	MaxWait time.Duration

	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() string
}

// Stats is a point-in-time view of the engine's size.
type Stats struct {
	Online   int `json:"online"`
	Queued   int `json:"queued"`
	Sessions int `json:"sessions"`
}

// Engine is the lifecycle coordinator. Every queue, session, directory,
// block and registry mutation happens under mu, so all of them are
// serializable relative to each other. Notifications are handed to the
// Notifier under the same lock, which fixes each identity's event order.
// Presence counts are the exception when the Notifier is a
// PresenceNotifier: they carry a version and are published after unlock.
type Engine struct {
	mu sync.Mutex

	registry  *Registry
	directory *Directory
	blocks    *BlockGraph
	queue     *Queue
	sessions  *SessionRegistry

	notifier Notifier
	presence uint64 // presence version, bumped on every connect and disconnect
	maxWait  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewEngine creates an Engine that reports to notifier. A nil notifier
// discards all notifications.
func NewEngine(cfg Config, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = Discard
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		registry:  NewRegistry(),
		directory: NewDirectory(),
		blocks:    NewBlockGraph(),
		queue:     NewQueue(),
		sessions:  NewSessionRegistry(cfg.NewSessionID),
		notifier:  notifier,
		maxWait:   cfg.MaxWait,
		now:       now,
		log:       log.With().Str("component", "matcher").Logger(),
	}
}

// Connect registers id and broadcasts the new presence count. Connecting an
// already registered identity is a no-op.
func (e *Engine) Connect(id Identity) {
	var publish func()
	defer func() {
		if publish != nil {
			publish()
		}
	}()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.Register(id, e.now()) {
		return
	}
	publish = e.presenceLocked()
	e.log.Debug().Str("identity", string(id)).Int("online", e.registry.Count()).Msg("connected")
}

// Join stores the profile of id, places it in the waiting queue and runs the
// matcher. A repeated join while queued overwrites the profile and keeps
// the queue position. Joining while paired is rejected.
func (e *Engine) Join(id Identity, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return ErrNotConnected
	}
	if _, paired := e.sessions.SessionOf(id); paired {
		return ErrAlreadyPaired
	}
	e.joinLocked(id, p)
	return nil
}

// Skip ends the session sessionID on behalf of id and re-queues id with its
// stored profile, or with replacement when non-nil. The partner is notified
// and is not re-queued. A session that no longer exists is treated as
// already ended, unless id has since been paired again.
func (e *Engine) Skip(id Identity, sessionID string, replacement *Profile) error {
	if replacement != nil {
		if err := replacement.Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return ErrNotConnected
	}

	var profile Profile
	if replacement != nil {
		profile = *replacement
	} else {
		stored, ok := e.directory.Get(id)
		if !ok {
			return ErrNoProfile
		}
		profile = stored
	}

	s, ok := e.sessions.Lookup(sessionID)
	switch {
	case ok && !s.Has(id):
		return ErrNotMember
	case ok:
		e.teardownLocked(s, id, ReasonSkip)
	default:
		if _, paired := e.sessions.SessionOf(id); paired {
			return ErrSessionNotFound
		}
	}

	e.joinLocked(id, profile)
	return nil
}

// Stop takes id out of the queue/session cycle: an active session is torn
// down with the partner notified, id leaves the queue and its profile is
// deleted. sessionID is optional; when set it must name id's current
// session, if id has one.
func (e *Engine) Stop(id Identity, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return ErrNotConnected
	}
	if s, ok := e.sessions.SessionOf(id); ok {
		if sessionID != "" && sessionID != s.ID {
			return ErrSessionNotFound
		}
		e.teardownLocked(s, id, ReasonStop)
	}

	e.queue.Dequeue(id)
	e.directory.Delete(id)
	e.matchLocked()
	e.log.Debug().Str("identity", string(id)).Msg("stopped")
	return nil
}

// Block records that id never wants to be paired with target. If the two
// currently share a session it is torn down and target is notified; id is
// not re-queued. It returns id's blocked set after the change.
func (e *Engine) Block(id, target Identity) ([]Identity, error) {
	if target == "" {
		return nil, ErrInvalidTarget
	}
	if target == id {
		return nil, ErrSelfBlock
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return nil, ErrNotConnected
	}

	e.blocks.Block(id, target)

	var endedID string
	if s, ok := e.sessions.SessionOf(id); ok && s.Has(target) {
		endedID = s.ID
		e.teardownLocked(s, id, ReasonBlock)
	}

	blocked := e.blocks.List(id)
	e.notifier.Notify(Notification{
		To:           id,
		Kind:         KindBlockConfirmed,
		SessionID:    endedID,
		Target:       target,
		Blocked:      blocked,
		SessionEnded: endedID != "",
	})
	e.log.Info().Str("identity", string(id)).Str("target", string(target)).
		Bool("session_ended", endedID != "").Msg("blocked")
	return blocked, nil
}

// Unblock removes the edge id -> target and re-runs the matcher, since two
// waiting identities may have become compatible.
func (e *Engine) Unblock(id, target Identity) ([]Identity, error) {
	if target == "" {
		return nil, ErrInvalidTarget
	}
	if target == id {
		return nil, ErrSelfBlock
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return nil, ErrNotConnected
	}

	e.blocks.Unblock(id, target)
	blocked := e.blocks.List(id)
	e.notifier.Notify(Notification{
		To:      id,
		Kind:    KindUnblockConfirmed,
		Target:  target,
		Blocked: blocked,
	})
	e.matchLocked()
	return blocked, nil
}

// ListBlocked returns the identities id has blocked and sends them to id.
func (e *Engine) ListBlocked(id Identity) ([]Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return nil, ErrNotConnected
	}
	blocked := e.blocks.List(id)
	e.notifier.Notify(Notification{To: id, Kind: KindBlockedList, Blocked: blocked})
	return blocked, nil
}

// Disconnect removes every trace of id: queue entry, profile, block edges
// and registry entry. An active session is torn down with the partner
// notified, and the new presence count is broadcast. It returns false if id
// was not connected.
func (e *Engine) Disconnect(id Identity) bool {
	var publish func()
	defer func() {
		if publish != nil {
			publish()
		}
	}()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsConnected(id) {
		return false
	}

	e.queue.Dequeue(id)
	e.directory.Delete(id)
	e.blocks.RemoveIdentity(id)
	if s, ok := e.sessions.SessionOf(id); ok {
		e.teardownLocked(s, id, ReasonDisconnect)
	}
	e.registry.Unregister(id)

	publish = e.presenceLocked()
	e.matchLocked()
	e.log.Debug().Str("identity", string(id)).Int("online", e.registry.Count()).Msg("disconnected")
	return true
}

// PartnerOf returns the counterpart of id in session sessionID.
func (e *Engine) PartnerOf(id Identity, sessionID string) (Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partnerLocked(id, sessionID)
}

// Route addresses a relay event from id to its partner in sessionID. The
// event is queued under the mutation lock, so the partner receives it after
// session_created and never after partner_left for that session.
func (e *Engine) Route(from Identity, sessionID, event string, payload any) (Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	partner, err := e.partnerLocked(from, sessionID)
	if err != nil {
		return "", err
	}
	e.notifier.Notify(Notification{
		To:        partner,
		Kind:      KindRelay,
		SessionID: sessionID,
		From:      from,
		Event:     event,
		Payload:   payload,
	})
	return partner, nil
}

// Sweep repairs the queue and applies the optional wait limit. It evicts
// entries whose identity is gone or has no valid profile, returns
// identities waiting longer than MaxWait to idle, then re-runs the matcher.
// It returns the number of removed entries.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := e.evictStaleLocked()

	if e.maxWait > 0 {
		cutoff := e.now().Add(-e.maxWait)
		for _, entry := range e.queue.Entries() {
			if !entry.JoinedAt.Before(cutoff) {
				continue
			}
			e.queue.Dequeue(entry.Identity)
			e.directory.Delete(entry.Identity)
			e.notifier.Notify(Notification{To: entry.Identity, Kind: KindWaitTimeout})
			removed++
		}
	}

	e.matchLocked()
	return removed
}

// State returns the lifecycle state of id.
func (e *Engine) State(id Identity) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case !e.registry.IsConnected(id):
		return StateDisconnected
	case e.queue.IsQueued(id):
		return StateQueued
	default:
		if _, ok := e.sessions.SessionOf(id); ok {
			return StatePaired
		}
		return StateIdle
	}
}

// SessionOf returns a copy of the session id belongs to.
func (e *Engine) SessionOf(id Identity) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions.SessionOf(id)
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Profile returns the stored profile of id.
func (e *Engine) Profile(id Identity) (Profile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directory.Get(id)
}

// Queue returns the waiting identities in queue order.
func (e *Engine) Queue() []Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Identities()
}

// IsBlocked reports whether source blocks target.
func (e *Engine) IsBlocked(source, target Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocks.IsBlocked(source, target)
}

// Stats returns the current sizes.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Online:   e.registry.Count(),
		Queued:   e.queue.Size(),
		Sessions: e.sessions.Len(),
	}
}

// ---------------------------------------------------------------------------
// Locked helpers. Callers must hold e.mu.
// ---------------------------------------------------------------------------

func (e *Engine) joinLocked(id Identity, p Profile) {
	e.directory.Put(id, p)
	e.queue.Enqueue(id, e.now())
	e.notifier.Notify(Notification{To: id, Kind: KindWaiting, Count: e.queue.Size()})
	e.log.Debug().Str("identity", string(id)).Int("queue_size", e.queue.Size()).Msg("joined queue")
	e.matchLocked()
}

// matchLocked pairs compatible identities until no pair remains.
func (e *Engine) matchLocked() {
	e.evictStaleLocked()
	for {
		pair, ok := FindMatch(e.queue.Identities(), e.compatibleLocked)
		if !ok {
			break
		}
		e.pairLocked(pair)
	}
	metrics.MatchQueueSize.Set(float64(e.queue.Size()))
	metrics.ActiveSessions.Set(float64(e.sessions.Len()))
}

// compatibleLocked is the matcher's predicate. Liveness and profile checks
// repeat what evictStaleLocked guarantees.
func (e *Engine) compatibleLocked(a, b Identity) bool {
	if a == b || !e.eligibleLocked(a) || !e.eligibleLocked(b) {
		return false
	}
	return !e.blocks.EitherBlocks(a, b)
}

func (e *Engine) eligibleLocked(id Identity) bool {
	if !e.registry.IsConnected(id) {
		return false
	}
	p, ok := e.directory.Get(id)
	return ok && p.Valid()
}

// evictStaleLocked removes queue entries that can never be matched: the
// identity disconnected, lost its profile, or is somehow also paired.
func (e *Engine) evictStaleLocked() int {
	removed := 0
	for _, id := range e.queue.Identities() {
		_, paired := e.sessions.SessionOf(id)
		if e.eligibleLocked(id) && !paired {
			continue
		}
		e.queue.Dequeue(id)
		removed++
		e.log.Warn().Str("identity", string(id)).Bool("paired", paired).Msg("evicted stale queue entry")
	}
	return removed
}

func (e *Engine) pairLocked(pair Pair) {
	now := e.now()
	entryA, _ := e.queue.GetEntry(pair.A)
	entryB, _ := e.queue.GetEntry(pair.B)

	e.queue.Dequeue(pair.A)
	e.queue.Dequeue(pair.B)

	s, err := e.sessions.Create(pair.A, pair.B, now)
	if err != nil {
		// Unreachable while evictStaleLocked keeps paired identities out of
		// the queue; both entries are already gone, so the loop terminates.
		e.log.Error().Err(err).Str("a", string(pair.A)).Str("b", string(pair.B)).Msg("create session")
		return
	}

	profileA, _ := e.directory.Get(pair.A)
	profileB, _ := e.directory.Get(pair.B)

	e.notifier.Notify(Notification{
		To:             pair.A,
		Kind:           KindSessionCreated,
		SessionID:      s.ID,
		Partner:        pair.B,
		PartnerProfile: profileB,
	})
	e.notifier.Notify(Notification{
		To:             pair.B,
		Kind:           KindSessionCreated,
		SessionID:      s.ID,
		Partner:        pair.A,
		PartnerProfile: profileA,
	})

	metrics.MatchesTotal.Inc()
	metrics.MatchWait.Observe(now.Sub(entryA.JoinedAt).Seconds())
	metrics.MatchWait.Observe(now.Sub(entryB.JoinedAt).Seconds())
	e.log.Info().Str("session_id", s.ID).Str("a", string(pair.A)).Str("b", string(pair.B)).
		Str("a_name", profileA.DisplayName).Str("b_name", profileB.DisplayName).Msg("match made")
}

// teardownLocked destroys s on behalf of initiator and notifies the other
// member. A session that is already gone produces no notification.
func (e *Engine) teardownLocked(s *Session, initiator Identity, reason string) {
	if _, ok := e.sessions.Destroy(s.ID); !ok {
		return
	}
	partner, _ := s.PartnerOf(initiator)
	e.queue.Dequeue(partner)
	e.notifier.Notify(Notification{To: partner, Kind: KindPartnerLeft, SessionID: s.ID})

	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(e.sessions.Len()))
	e.log.Info().Str("session_id", s.ID).Str("initiator", string(initiator)).
		Str("partner", string(partner)).Str("reason", reason).Msg("session ended")
}

func (e *Engine) partnerLocked(id Identity, sessionID string) (Identity, error) {
	s, ok := e.sessions.Lookup(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	partner, ok := s.PartnerOf(id)
	if !ok {
		return "", ErrNotMember
	}
	return partner, nil
}

// presenceLocked records a change in the connected count. A
// PresenceNotifier gets the count from the returned func, which the caller
// runs after releasing mu. Any other notifier gets one KindPresence per
// connected identity, the new one included, before presenceLocked returns.
func (e *Engine) presenceLocked() func() {
	e.presence++
	count := e.registry.Count()

	pn, ok := e.notifier.(PresenceNotifier)
	if !ok {
		for _, id := range e.registry.Identities() {
			e.notifier.Notify(Notification{To: id, Kind: KindPresence, Count: count})
		}
		return nil
	}
	version := e.presence
	return func() { pn.NotifyPresence(version, count) }
}
