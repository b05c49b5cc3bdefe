package matching

import "time"

// QueueEntry represents an identity's place in the waiting queue.
type QueueEntry struct {
	Identity Identity
	JoinedAt time.Time
}

// Queue is the ordered waiting pool. Insertion order is preserved and an
// identity appears at most once.
type Queue struct {
	entries []QueueEntry
	index   map[Identity]struct{}
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[Identity]struct{})}
}

// Enqueue appends id unless it is already queued. A repeated enqueue keeps
// the original position and join time and returns false.
func (q *Queue) Enqueue(id Identity, at time.Time) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	q.entries = append(q.entries, QueueEntry{Identity: id, JoinedAt: at})
	q.index[id] = struct{}{}
	return true
}

// Dequeue removes id from the queue. It returns false if id was not queued.
func (q *Queue) Dequeue(id Identity) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	for i, e := range q.entries {
		if e.Identity == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

// IsQueued reports whether id is waiting.
func (q *Queue) IsQueued(id Identity) bool {
	_, ok := q.index[id]
	return ok
}

// GetEntry returns the queue entry of id.
func (q *Queue) GetEntry(id Identity) (QueueEntry, bool) {
	if !q.IsQueued(id) {
		return QueueEntry{}, false
	}
	for _, e := range q.entries {
		if e.Identity == id {
			return e, true
		}
	}
	return QueueEntry{}, false
}

// Size returns the number of waiting identities.
func (q *Queue) Size() int {
	return len(q.entries)
}

// Identities returns the queued identities in queue order.
func (q *Queue) Identities() []Identity {
	ids := make([]Identity, len(q.entries))
	for i, e := range q.entries {
		ids[i] = e.Identity
	}
	return ids
}

// Entries returns a copy of the queue entries in queue order.
func (q *Queue) Entries() []QueueEntry {
	out := make([]QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}
