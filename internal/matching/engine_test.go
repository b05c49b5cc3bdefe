package matching

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects notifications in delivery order.
type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

// of returns the notifications of the given kind addressed to id.
func (r *recorder) of(id Identity, kind Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.got {
		if n.To == id && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// kinds returns the kinds of every notification addressed to id.
func (r *recorder) kinds(id Identity) []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Kind
	for _, n := range r.got {
		if n.To == id {
			out = append(out, n.Kind)
		}
	}
	return out
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *recorder, *clock) {
	t.Helper()
	rec := &recorder{}
	clk := &clock{now: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
	seq := 0
	if cfg.Now == nil {
		cfg.Now = clk.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() string {
			seq++
			return fmt.Sprintf("s%d", seq)
		}
	}
	return NewEngine(cfg, rec), rec, clk
}

func profile(name string) Profile {
	return Profile{DisplayName: name, Gender: GenderAny, Country: "Nowhere"}
}

func connectAll(e *Engine, ids ...Identity) {
	for _, id := range ids {
		e.Connect(id)
	}
}

func joinAll(t *testing.T, e *Engine, ids ...Identity) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.Join(id, profile(string(id))))
	}
}

// ---------- Join and match ----------

func TestJoin_PairsTwoWaitingIdentities(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")

	require.NoError(t, e.Join("a", profile("Alice")))
	assert.Equal(t, StateQueued, e.State("a"))
	waiting := rec.of("a", KindWaiting)
	require.Len(t, waiting, 1)
	assert.Equal(t, 1, waiting[0].Count)

	require.NoError(t, e.Join("b", profile("Bob")))

	assert.Equal(t, StatePaired, e.State("a"))
	assert.Equal(t, StatePaired, e.State("b"))
	assert.Empty(t, e.Queue())

	forA := rec.of("a", KindSessionCreated)
	forB := rec.of("b", KindSessionCreated)
	require.Len(t, forA, 1)
	require.Len(t, forB, 1)
	assert.Equal(t, "s1", forA[0].SessionID)
	assert.Equal(t, forA[0].SessionID, forB[0].SessionID)
	assert.Equal(t, Identity("b"), forA[0].Partner)
	assert.Equal(t, "Bob", forA[0].PartnerProfile.DisplayName)
	assert.Equal(t, Identity("a"), forB[0].Partner)
	assert.Equal(t, "Alice", forB[0].PartnerProfile.DisplayName)

	s, ok := e.SessionOf("a")
	require.True(t, ok)
	assert.NotEqual(t, s.MemberA, s.MemberB)
}

func TestJoin_Rejections(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")

	err := e.Join("ghost", profile("Ghost"))
	assert.ErrorIs(t, err, ErrNotConnected)

	err = e.Join("a", Profile{DisplayName: "   "})
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.Equal(t, StateIdle, e.State("a"))

	joinAll(t, e, "a", "b")
	err = e.Join("a", profile("again"))
	assert.ErrorIs(t, err, ErrAlreadyPaired)
	assert.Equal(t, StatePaired, e.State("a"))
	p, _ := e.Profile("a")
	assert.Equal(t, "a", p.DisplayName)
}

func TestJoin_RepeatedJoinKeepsPositionAndOverwritesProfile(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c")
	_, err := e.Block("a", "b")
	require.NoError(t, err)
	_, err = e.Block("a", "c")
	require.NoError(t, err)

	joinAll(t, e, "a")
	require.NoError(t, e.Join("a", profile("renamed")))

	assert.Equal(t, []Identity{"a"}, e.Queue())
	p, ok := e.Profile("a")
	require.True(t, ok)
	assert.Equal(t, "renamed", p.DisplayName)
}

func TestMatch_DeterminismSkipsBlockedPair(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "x", "y", "z")

	_, err := e.Block("x", "z")
	require.NoError(t, err)

	// Queue [x, z] holds no compatible pair.
	joinAll(t, e, "x", "z")
	assert.Equal(t, []Identity{"x", "z"}, e.Queue())

	// [x, z, y]: (x,z) blocked, (x,y) is the first compatible pair.
	joinAll(t, e, "y")
	created := rec.of("x", KindSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, Identity("y"), created[0].Partner)
	assert.Equal(t, []Identity{"z"}, e.Queue())
}

func TestMatch_OneWayBlockPreventsPairingBothWays(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")

	_, err := e.Block("b", "a")
	require.NoError(t, err)
	joinAll(t, e, "a", "b")

	assert.Equal(t, StateQueued, e.State("a"))
	assert.Equal(t, StateQueued, e.State("b"))
	assert.True(t, e.IsBlocked("b", "a"))
	assert.False(t, e.IsBlocked("a", "b"))
}

// ---------- Skip ----------

func TestSkip_RequeuesInitiatorOnly(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c")
	joinAll(t, e, "a", "b")

	require.NoError(t, e.Skip("a", "s1", nil))

	left := rec.of("b", KindPartnerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "s1", left[0].SessionID)
	assert.Empty(t, rec.of("a", KindPartnerLeft))

	assert.Equal(t, StateQueued, e.State("a"))
	assert.Equal(t, StateIdle, e.State("b"))
	assert.Equal(t, []Identity{"a"}, e.Queue())

	joinAll(t, e, "c")
	created := rec.of("a", KindSessionCreated)
	require.Len(t, created, 2)
	assert.Equal(t, Identity("c"), created[1].Partner)
}

func TestSkip_ReplacementProfile(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	joinAll(t, e, "a", "b")

	replacement := profile("new name")
	require.NoError(t, e.Skip("a", "s1", &replacement))
	p, _ := e.Profile("a")
	assert.Equal(t, "new name", p.DisplayName)

	bad := Profile{}
	err := e.Skip("a", "s1", &bad)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestSkip_StaleSessionIsSilent(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	joinAll(t, e, "a", "b")

	require.NoError(t, e.Stop("b", "s1"))
	require.Len(t, rec.of("a", KindPartnerLeft), 1)

	// a's skip races b's stop and names the destroyed session.
	require.NoError(t, e.Skip("a", "s1", nil))
	assert.Len(t, rec.of("a", KindPartnerLeft), 1)
	assert.Empty(t, rec.of("b", KindPartnerLeft))
	assert.Equal(t, StateQueued, e.State("a"))
}

func TestSkip_Rejections(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c", "d")

	assert.ErrorIs(t, e.Skip("a", "s1", nil), ErrNoProfile)
	assert.Equal(t, StateIdle, e.State("a"))

	joinAll(t, e, "a", "b", "c")
	assert.ErrorIs(t, e.Skip("c", "s1", nil), ErrNotMember)
	assert.Equal(t, StatePaired, e.State("a"))

	joinAll(t, e, "d")
	// a is paired in s1; an unknown session id while paired is not stale.
	assert.ErrorIs(t, e.Skip("a", "nope", nil), ErrSessionNotFound)
	assert.Equal(t, StatePaired, e.State("a"))
}

// ---------- Stop ----------

func TestStop_EndsSessionAndDeletesProfile(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	joinAll(t, e, "a", "b")

	assert.ErrorIs(t, e.Stop("a", "other"), ErrSessionNotFound)
	require.NoError(t, e.Stop("a", ""))

	assert.Len(t, rec.of("b", KindPartnerLeft), 1)
	assert.Equal(t, StateIdle, e.State("a"))
	assert.Equal(t, StateIdle, e.State("b"))
	_, ok := e.Profile("a")
	assert.False(t, ok)
	_, ok = e.Profile("b")
	assert.True(t, ok)

	// Stopping again is harmless.
	require.NoError(t, e.Stop("a", ""))
	assert.Len(t, rec.of("b", KindPartnerLeft), 1)
}

func TestStop_WhileQueued(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a")
	joinAll(t, e, "a")

	require.NoError(t, e.Stop("a", ""))
	assert.Empty(t, e.Queue())
	assert.Equal(t, StateIdle, e.State("a"))
}

// ---------- Block ----------

func TestBlock_TearsDownSharedSession(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	joinAll(t, e, "a", "b")

	blocked, err := e.Block("a", "b")
	require.NoError(t, err)
	assert.Equal(t, []Identity{"b"}, blocked)

	assert.Len(t, rec.of("b", KindPartnerLeft), 1)
	assert.Empty(t, rec.of("a", KindPartnerLeft))
	confirm := rec.of("a", KindBlockConfirmed)
	require.Len(t, confirm, 1)
	assert.True(t, confirm[0].SessionEnded)
	assert.Equal(t, "s1", confirm[0].SessionID)
	assert.Equal(t, Identity("b"), confirm[0].Target)

	assert.Equal(t, StateIdle, e.State("a"))
	assert.Equal(t, StateIdle, e.State("b"))

	// The blocker keeps its profile and can re-enter later.
	require.NoError(t, e.Skip("a", "s1", nil))
	joinAll(t, e, "b")
	assert.Equal(t, []Identity{"a", "b"}, e.Queue())
}

func TestBlock_OutsideSession(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c")
	joinAll(t, e, "a", "b")

	_, err := e.Block("a", "c")
	require.NoError(t, err)
	assert.Equal(t, StatePaired, e.State("a"))
	confirm := rec.of("a", KindBlockConfirmed)
	require.Len(t, confirm, 1)
	assert.False(t, confirm[0].SessionEnded)

	// Idempotent.
	blocked, err := e.Block("a", "c")
	require.NoError(t, err)
	assert.Equal(t, []Identity{"c"}, blocked)
}

func TestBlock_Rejections(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a")

	_, err := e.Block("a", "a")
	assert.ErrorIs(t, err, ErrSelfBlock)
	_, err = e.Block("a", "")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = e.Block("ghost", "a")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUnblock_RerunsMatcher(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	_, err := e.Block("a", "b")
	require.NoError(t, err)
	joinAll(t, e, "a", "b")
	require.Len(t, e.Queue(), 2)

	blocked, err := e.Unblock("a", "b")
	require.NoError(t, err)
	assert.Empty(t, blocked)
	assert.Len(t, rec.of("a", KindUnblockConfirmed), 1)
	assert.Equal(t, StatePaired, e.State("a"))

	// Unblocking an absent edge is a no-op.
	_, err = e.Unblock("a", "b")
	require.NoError(t, err)
}

func TestListBlocked(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c")
	_, _ = e.Block("a", "c")
	_, _ = e.Block("a", "b")

	list, err := e.ListBlocked("a")
	require.NoError(t, err)
	assert.Equal(t, []Identity{"b", "c"}, list)
	got := rec.of("a", KindBlockedList)
	require.Len(t, got, 1)
	assert.Equal(t, []Identity{"b", "c"}, got[0].Blocked)
}

// ---------- Disconnect ----------

func TestDisconnect_DuringWait(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	joinAll(t, e, "a")

	require.True(t, e.Disconnect("a"))
	joinAll(t, e, "b")

	assert.Equal(t, []Identity{"b"}, e.Queue())
	assert.Empty(t, rec.of("b", KindSessionCreated))
	assert.Equal(t, StateDisconnected, e.State("a"))
}

func TestDisconnect_DuringSession(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	joinAll(t, e, "a", "b")

	require.True(t, e.Disconnect("a"))
	assert.Len(t, rec.of("b", KindPartnerLeft), 1)
	assert.Equal(t, StateIdle, e.State("b"))
	assert.Equal(t, 0, e.Stats().Sessions)

	// Both sides leaving produces a single partner_left.
	require.True(t, e.Disconnect("b"))
	assert.Empty(t, rec.of("a", KindPartnerLeft))
	assert.Len(t, rec.of("b", KindPartnerLeft), 1)

	assert.False(t, e.Disconnect("a"))
}

func TestDisconnect_DropsBlockEdges(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b")
	_, _ = e.Block("a", "b")
	_, _ = e.Block("b", "a")

	e.Disconnect("a")
	assert.False(t, e.IsBlocked("a", "b"))
	assert.False(t, e.IsBlocked("b", "a"))
	list, err := e.ListBlocked("b")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPresence_BroadcastOncePerChange(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})

	e.Connect("a")
	e.Connect("b")
	e.Connect("a") // duplicate, no broadcast

	forA := rec.of("a", KindPresence)
	require.Len(t, forA, 2)
	assert.Equal(t, 1, forA[0].Count)
	assert.Equal(t, 2, forA[1].Count)

	forB := rec.of("b", KindPresence)
	require.Len(t, forB, 1)
	assert.Equal(t, 2, forB[0].Count)

	e.Disconnect("b")
	e.Disconnect("b")
	forA = rec.of("a", KindPresence)
	require.Len(t, forA, 3)
	assert.Equal(t, 1, forA[2].Count)
	assert.Len(t, rec.of("b", KindPresence), 1)
}

// fanout is a recorder that takes presence counts through NotifyPresence.
type fanout struct {
	recorder
	e        *Engine
	versions []uint64
	counts   []int
}

func (f *fanout) NotifyPresence(version uint64, count int) {
	// Stats takes the engine lock, so this deadlocks if the lock is held.
	_ = f.e.Stats()
	f.mu.Lock()
	f.versions = append(f.versions, version)
	f.counts = append(f.counts, count)
	f.mu.Unlock()
}

func TestPresence_FanOutAfterUnlock(t *testing.T) {
	f := &fanout{}
	f.e = NewEngine(Config{}, f)

	f.e.Connect("a")
	f.e.Connect("b")
	f.e.Connect("a")
	f.e.Disconnect("b")
	f.e.Disconnect("b")

	assert.Equal(t, []uint64{1, 2, 3}, f.versions)
	assert.Equal(t, []int{1, 2, 1}, f.counts)
	assert.Empty(t, f.of("a", KindPresence))
	assert.Empty(t, f.of("b", KindPresence))
}

// ---------- Relay addressing ----------

func TestRoute(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c")
	joinAll(t, e, "a", "b")

	partner, err := e.Route("a", "s1", "receive_message", "hi")
	require.NoError(t, err)
	assert.Equal(t, Identity("b"), partner)

	relayed := rec.of("b", KindRelay)
	require.Len(t, relayed, 1)
	assert.Equal(t, Identity("a"), relayed[0].From)
	assert.Equal(t, "receive_message", relayed[0].Event)
	assert.Equal(t, "hi", relayed[0].Payload)

	_, err = e.Route("c", "s1", "receive_message", "hi")
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = e.Route("a", "s9", "receive_message", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Relay after teardown never reaches the former partner.
	require.NoError(t, e.Stop("a", "s1"))
	_, err = e.Route("b", "s1", "receive_message", "late")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, []Kind{KindPresence, KindPresence, KindWaiting,
		KindSessionCreated, KindRelay, KindPartnerLeft}, rec.kinds("b"))
}

func TestPartnerOf(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	connectAll(e, "a", "b", "c")
	joinAll(t, e, "a", "b")

	tests := []struct {
		name      string
		id        Identity
		sessionID string
		want      Identity
		err       error
	}{
		{"first member", "a", "s1", "b", nil},
		{"second member", "b", "s1", "a", nil},
		{"non-member", "c", "s1", "", ErrNotMember},
		{"unknown session", "a", "s9", "", ErrSessionNotFound},
		{"unknown identity", "zz", "s1", "", ErrNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.PartnerOf(tt.id, tt.sessionID)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	require.NoError(t, e.Stop("a", "s1"))
	_, err := e.PartnerOf("a", "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// ---------- Sweep ----------

func TestSweep_MaxWait(t *testing.T) {
	e, rec, clk := newTestEngine(t, Config{MaxWait: time.Minute})
	connectAll(e, "a", "b")
	_, _ = e.Block("a", "b")
	joinAll(t, e, "a")

	clk.now = clk.now.Add(30 * time.Second)
	joinAll(t, e, "b")
	assert.Equal(t, 0, e.Sweep())

	clk.now = clk.now.Add(45 * time.Second)
	assert.Equal(t, 1, e.Sweep())

	assert.Len(t, rec.of("a", KindWaitTimeout), 1)
	assert.Equal(t, StateIdle, e.State("a"))
	assert.Equal(t, []Identity{"b"}, e.Queue())
	_, ok := e.Profile("a")
	assert.False(t, ok)
}

func TestSweep_DisabledByDefault(t *testing.T) {
	e, _, clk := newTestEngine(t, Config{})
	connectAll(e, "a")
	joinAll(t, e, "a")

	clk.now = clk.now.Add(24 * time.Hour)
	assert.Equal(t, 0, e.Sweep())
	assert.Equal(t, StateQueued, e.State("a"))
}

// ---------- Concurrency ----------

func TestEngine_ConcurrentLifecycleKeepsInvariants(t *testing.T) {
	e, rec, _ := newTestEngine(t, Config{})

	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			id := Identity(fmt.Sprintf("u%d", w))
			e.Connect(id)
			for i := 0; i < rounds; i++ {
				switch rng.Intn(6) {
				case 0, 1:
					_ = e.Join(id, profile(string(id)))
				case 2:
					if s, ok := e.SessionOf(id); ok {
						_ = e.Skip(id, s.ID, nil)
					}
				case 3:
					_ = e.Stop(id, "")
				case 4:
					target := Identity(fmt.Sprintf("u%d", rng.Intn(workers)))
					_, _ = e.Block(id, target)
					_, _ = e.Unblock(id, target)
				case 5:
					e.Disconnect(id)
					e.Connect(id)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := e.Stats()
	assert.LessOrEqual(t, stats.Queued+2*stats.Sessions, stats.Online)
	for w := 0; w < workers; w++ {
		id := Identity(fmt.Sprintf("u%d", w))
		s, paired := e.SessionOf(id)
		if paired {
			partner, ok := s.PartnerOf(id)
			require.True(t, ok)
			assert.NotEqual(t, id, partner)
			other, ok := e.SessionOf(partner)
			require.True(t, ok)
			assert.Equal(t, s.ID, other.ID)
		}
	}

	// Every partner_left refers to a session the recipient was told about.
	for w := 0; w < workers; w++ {
		id := Identity(fmt.Sprintf("u%d", w))
		created := map[string]bool{}
		for _, n := range func() []Notification {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			return append([]Notification(nil), rec.got...)
		}() {
			if n.To != id {
				continue
			}
			switch n.Kind {
			case KindSessionCreated:
				created[n.SessionID] = true
			case KindPartnerLeft:
				assert.True(t, created[n.SessionID], "partner_left before session_created for %s", n.SessionID)
				delete(created, n.SessionID)
			}
		}
	}
}
