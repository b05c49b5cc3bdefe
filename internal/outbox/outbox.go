// Package outbox delivers engine notifications to identities through
// per-identity mailboxes. Each mailbox is drained by its own goroutine, so a
// slow socket only delays its own identity and the engine never blocks while
// holding its lock.
//
// A mailbox keeps presence counts in a single latest-value slot, so any
// number of connects and disconnects costs one pending delivery. Relay
// traffic is dropped when the mailbox is full. Lifecycle notifications are
// never dropped silently: if one does not fit, the mailbox is closed and
// the overflow callback asks the transport to drop the identity.
package outbox

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/metrics"
)

// DefaultMailboxSize is the per-identity buffer used when New is given a
// non-positive size.
const DefaultMailboxSize = 1024

// DeliverFunc writes one notification to the identity's transport. It runs
// on the identity's mailbox goroutine and may block.
type DeliverFunc func(id matching.Identity, n matching.Notification)

// Outbox owns the mailboxes of all open identities. It implements
// matching.PresenceNotifier.
type Outbox struct {
	mu         sync.Mutex
	mailboxes  map[matching.Identity]*mailbox
	size       int
	deliver    DeliverFunc
	onOverflow func(id matching.Identity)
	presence   uint64 // newest presence version applied
	wg         sync.WaitGroup
	log        zerolog.Logger
}

type mailbox struct {
	ch   chan matching.Notification
	wake chan struct{}
	done chan struct{}

	mu       sync.Mutex
	presence int
	pending  bool
}

// New creates an Outbox that hands notifications to deliver.
func New(size int, deliver DeliverFunc) *Outbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Outbox{
		mailboxes: make(map[matching.Identity]*mailbox),
		size:      size,
		deliver:   deliver,
		log:       log.With().Str("component", "outbox").Logger(),
	}
}

// SetOnOverflow registers the callback run when a lifecycle notification
// does not fit in a mailbox. It runs on its own goroutine, after the
// mailbox has been closed, and is expected to disconnect the identity.
func (o *Outbox) SetOnOverflow(fn func(id matching.Identity)) {
	o.mu.Lock()
	o.onOverflow = fn
	o.mu.Unlock()
}

// Open starts the mailbox of id. Opening an existing mailbox is a no-op.
func (o *Outbox) Open(id matching.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.mailboxes[id]; ok {
		return
	}
	mb := &mailbox{
		ch:   make(chan matching.Notification, o.size),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	o.mailboxes[id] = mb
	o.wg.Add(1)
	go o.loop(id, mb)
}

// Close stops the mailbox of id. Pending notifications are discarded.
func (o *Outbox) Close(id matching.Identity) {
	o.mu.Lock()
	mb, ok := o.mailboxes[id]
	if ok {
		delete(o.mailboxes, id)
	}
	o.mu.Unlock()

	if ok {
		close(mb.done)
	}
}

// Notify queues n for n.To without blocking. Notifications for identities
// without a mailbox are ignored.
func (o *Outbox) Notify(n matching.Notification) {
	o.mu.Lock()
	mb, ok := o.mailboxes[n.To]
	o.mu.Unlock()
	if !ok {
		return
	}

	if n.Kind == matching.KindPresence {
		mb.setPresence(n.Count)
		return
	}

	select {
	case mb.ch <- n:
		return
	default:
	}

	metrics.NotificationsDropped.Inc()
	if n.Kind == matching.KindRelay {
		o.log.Warn().Str("identity", string(n.To)).Str("event", n.Event).Msg("mailbox full, relay event dropped")
		return
	}
	o.overflow(n)
}

// NotifyPresence stores count in every open mailbox unless a newer version
// was already applied. It implements matching.PresenceNotifier.
func (o *Outbox) NotifyPresence(version uint64, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if version <= o.presence {
		return
	}
	o.presence = version
	for _, mb := range o.mailboxes {
		mb.setPresence(count)
	}
}

// overflow closes the mailbox of n.To so nothing is delivered after the lost
// notification, then hands the identity to the overflow callback.
func (o *Outbox) overflow(n matching.Notification) {
	o.mu.Lock()
	mb, ok := o.mailboxes[n.To]
	if ok {
		delete(o.mailboxes, n.To)
	}
	fn := o.onOverflow
	o.mu.Unlock()
	if !ok {
		return
	}
	close(mb.done)

	o.log.Error().Str("identity", string(n.To)).Str("kind", string(n.Kind)).
		Msg("mailbox full, disconnecting identity")
	if fn != nil {
		// Notify runs under the engine lock and fn re-enters the engine.
		go fn(n.To)
	}
}

// Len returns the number of open mailboxes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.mailboxes)
}

// Shutdown closes every mailbox and waits for their goroutines to exit.
func (o *Outbox) Shutdown() {
	o.mu.Lock()
	boxes := o.mailboxes
	o.mailboxes = make(map[matching.Identity]*mailbox)
	o.mu.Unlock()

	for _, mb := range boxes {
		close(mb.done)
	}
	o.wg.Wait()
}

func (mb *mailbox) setPresence(count int) {
	mb.mu.Lock()
	mb.presence = count
	mb.pending = true
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) takePresence() (int, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.pending {
		return 0, false
	}
	mb.pending = false
	return mb.presence, true
}

func (o *Outbox) loop(id matching.Identity, mb *mailbox) {
	defer o.wg.Done()
	for {
		// Prefer stopping over draining once the mailbox is closed.
		select {
		case <-mb.done:
			return
		default:
		}

		if count, ok := mb.takePresence(); ok {
			o.deliver(id, matching.Notification{To: id, Kind: matching.KindPresence, Count: count})
			// One queued item per presence delivery, so churn cannot starve the queue.
			select {
			case <-mb.done:
				return
			case n := <-mb.ch:
				o.deliver(id, n)
			default:
			}
			continue
		}

		select {
		case <-mb.done:
			return
		case <-mb.wake:
		case n := <-mb.ch:
			o.deliver(id, n)
		}
	}
}
