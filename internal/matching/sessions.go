package matching

import (
	"time"

	"github.com/google/uuid"
)

// Session is an active two-party pairing.
type Session struct {
	ID        string
	MemberA   Identity
	MemberB   Identity
	CreatedAt time.Time
}

// Has reports whether id is a member of the session.
func (s *Session) Has(id Identity) bool {
	return id == s.MemberA || id == s.MemberB
}

// PartnerOf returns the other member.
func (s *Session) PartnerOf(id Identity) (Identity, bool) {
	switch id {
	case s.MemberA:
		return s.MemberB, true
	case s.MemberB:
		return s.MemberA, true
	}
	return "", false
}

// SessionRegistry tracks active sessions by id and by member.
type SessionRegistry struct {
	byID     map[string]*Session
	byMember map[Identity]*Session
	newID    func() string
}

// NewSessionRegistry creates an empty registry. A nil newID generates
// random UUIDs.
func NewSessionRegistry(newID func() string) *SessionRegistry {
	if newID == nil {
		newID = uuid.NewString
	}
	return &SessionRegistry{
		byID:     make(map[string]*Session),
		byMember: make(map[Identity]*Session),
		newID:    newID,
	}
}

// Create starts a session between a and b. It fails if the members are the
// same identity or either already belongs to a session.
func (r *SessionRegistry) Create(a, b Identity, at time.Time) (*Session, error) {
	if a == b {
		return nil, ErrSameMember
	}
	if _, ok := r.byMember[a]; ok {
		return nil, ErrAlreadyInSession
	}
	if _, ok := r.byMember[b]; ok {
		return nil, ErrAlreadyInSession
	}
	s := &Session{ID: r.newID(), MemberA: a, MemberB: b, CreatedAt: at}
	r.byID[s.ID] = s
	r.byMember[a] = s
	r.byMember[b] = s
	return s, nil
}

// Lookup returns the session with the given id.
func (r *SessionRegistry) Lookup(id string) (*Session, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// SessionOf returns the session id belongs to.
func (r *SessionRegistry) SessionOf(id Identity) (*Session, bool) {
	s, ok := r.byMember[id]
	return s, ok
}

// PartnerOf returns the counterpart of id in its current session.
func (r *SessionRegistry) PartnerOf(id Identity) (Identity, bool) {
	s, ok := r.byMember[id]
	if !ok {
		return "", false
	}
	return s.PartnerOf(id)
}

// Destroy removes the session. It returns the removed session, or false if
// it was already gone.
func (r *SessionRegistry) Destroy(id string) (*Session, bool) {
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byMember, s.MemberA)
	delete(r.byMember, s.MemberB)
	return s, true
}

// Len returns the number of active sessions.
func (r *SessionRegistry) Len() int {
	return len(r.byID)
}
