package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMatch(t *testing.T) {
	blocks := NewBlockGraph()
	compatible := func(a, b Identity) bool { return !blocks.EitherBlocks(a, b) }

	tests := []struct {
		name   string
		queue  []Identity
		block  [][2]Identity
		want   Pair
		wantOK bool
	}{
		{name: "empty", queue: nil},
		{name: "single", queue: []Identity{"x"}},
		{name: "first two", queue: []Identity{"x", "y", "z"}, want: Pair{"x", "y"}, wantOK: true},
		{name: "x blocks z", queue: []Identity{"x", "y", "z"}, block: [][2]Identity{{"x", "z"}}, want: Pair{"x", "y"}, wantOK: true},
		{name: "x blocks y", queue: []Identity{"x", "y", "z"}, block: [][2]Identity{{"x", "y"}}, want: Pair{"x", "z"}, wantOK: true},
		{name: "y blocks x", queue: []Identity{"x", "y", "z"}, block: [][2]Identity{{"y", "x"}}, want: Pair{"x", "z"}, wantOK: true},
		{
			name:   "x blocked by everyone",
			queue:  []Identity{"x", "y", "z"},
			block:  [][2]Identity{{"y", "x"}, {"z", "x"}},
			want:   Pair{"y", "z"},
			wantOK: true,
		},
		{
			name:  "all blocked",
			queue: []Identity{"x", "y", "z"},
			block: [][2]Identity{{"x", "y"}, {"x", "z"}, {"z", "y"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks = NewBlockGraph()
			for _, b := range tt.block {
				blocks.Block(b[0], b[1])
			}
			got, ok := FindMatch(tt.queue, compatible)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueue_OrderAndIdempotence(t *testing.T) {
	q := NewQueue()
	t0 := time.Unix(100, 0)

	assert.True(t, q.Enqueue("a", t0))
	assert.True(t, q.Enqueue("b", t0.Add(time.Second)))
	assert.False(t, q.Enqueue("a", t0.Add(time.Minute)))
	assert.Equal(t, []Identity{"a", "b"}, q.Identities())

	entry, ok := q.GetEntry("a")
	require.True(t, ok)
	assert.Equal(t, t0, entry.JoinedAt)

	assert.True(t, q.Dequeue("a"))
	assert.False(t, q.Dequeue("a"))
	assert.False(t, q.IsQueued("a"))
	assert.Equal(t, 1, q.Size())
}

func TestBlockGraph(t *testing.T) {
	g := NewBlockGraph()

	assert.True(t, g.Block("a", "b"))
	assert.False(t, g.Block("a", "b"))
	assert.True(t, g.Block("c", "a"))
	assert.True(t, g.IsBlocked("a", "b"))
	assert.False(t, g.IsBlocked("b", "a"))
	assert.True(t, g.EitherBlocks("b", "a"))
	assert.Equal(t, 2, g.Edges())

	g.RemoveIdentity("a")
	assert.Equal(t, 0, g.Edges())
	assert.Empty(t, g.List("c"))
	assert.False(t, g.Unblock("a", "b"))
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry(nil)
	now := time.Now()

	_, err := r.Create("a", "a", now)
	assert.ErrorIs(t, err, ErrSameMember)

	s, err := r.Create("a", "b", now)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	_, err = r.Create("b", "c", now)
	assert.ErrorIs(t, err, ErrAlreadyInSession)

	partner, ok := r.PartnerOf("b")
	require.True(t, ok)
	assert.Equal(t, Identity("a"), partner)

	_, ok = r.Destroy(s.ID)
	assert.True(t, ok)
	_, ok = r.Destroy(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestNewProfile(t *testing.T) {
	p, err := NewProfile("  Kai ", "", "Iceland", " is ")
	require.NoError(t, err)
	assert.Equal(t, Profile{DisplayName: "Kai", Gender: GenderAny, Country: "Iceland", CountryCode: "IS"}, p)

	_, err = NewProfile("Kai", "robot", "", "")
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = NewProfile("", "Male", "", "")
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = NewProfile("ééééééééééééééééééééééééééééééééé", "Female", "", "")
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = NewProfile("Sam", "Non-binary", "", "")
	assert.NoError(t, err)
}
