package matching

import "errors"

// Precondition violations. Operations returning one of these did not mutate
// any state.
var (
	ErrNotConnected     = errors.New("matching: identity is not connected")
	ErrInvalidProfile   = errors.New("matching: invalid profile")
	ErrNoProfile        = errors.New("matching: identity has no profile")
	ErrAlreadyPaired    = errors.New("matching: identity is already in a session")
	ErrSessionNotFound  = errors.New("matching: session not found")
	ErrNotMember        = errors.New("matching: identity is not a member of the session")
	ErrSelfBlock        = errors.New("matching: cannot block or unblock self")
	ErrInvalidTarget    = errors.New("matching: target identity is empty")
	ErrSameMember       = errors.New("matching: session members must be distinct")
	ErrAlreadyInSession = errors.New("matching: member already belongs to a session")
)
