package matching

// Kind discriminates the notifications produced by the Engine.
type Kind string

const (
	KindPresence         Kind = "presence"
	KindWaiting          Kind = "waiting"
	KindWaitTimeout      Kind = "wait_timeout"
	KindSessionCreated   Kind = "session_created"
	KindPartnerLeft      Kind = "partner_left"
	KindBlockConfirmed   Kind = "block_confirmed"
	KindUnblockConfirmed Kind = "unblock_confirmed"
	KindBlockedList      Kind = "blocked_list"
	KindRelay            Kind = "relay"
)

// Notification is one outbound event addressed to a single identity. Only
// the fields relevant to Kind are set.
type Notification struct {
	To   Identity
	Kind Kind

	SessionID string
	Count     int // KindPresence: connected identities; KindWaiting: queue length

	Partner        Identity // KindSessionCreated
	PartnerProfile Profile  // KindSessionCreated

	Target       Identity   // block/unblock target
	Blocked      []Identity // block/unblock/list: caller's blocked set after the change
	SessionEnded bool       // KindBlockConfirmed: the block tore down a shared session

	From    Identity // KindRelay
	Event   string   // KindRelay: wire type of the relayed event
	Payload any      // KindRelay: wire payload
}

// Notifier receives notifications in commit order. Notify is called while
// the Engine holds its mutation lock, so it must not block or perform I/O;
// implementations queue the notification and deliver it elsewhere.
type Notifier interface {
	Notify(n Notification)
}

// PresenceNotifier is a Notifier that fans presence counts out itself. The
// Engine calls NotifyPresence once per change after releasing its lock, so
// calls may arrive out of order; version grows with every change and a call
// older than one already seen must be ignored.
type PresenceNotifier interface {
	Notifier
	NotifyPresence(version uint64, count int)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})
