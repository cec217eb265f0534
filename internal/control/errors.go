package control

import (
	"errors"
	"fmt"
)

// Typed errors surfaced to the web collaborator. Each maps to a
// structured response; none of them leaves partial state behind.
var (
	ErrInvalidCIDR           = errors.New("invalid CIDR")
	ErrUnknownPeer           = errors.New("unknown peer")
	ErrNotAnExitCandidate    = errors.New("peer does not advertise a default route")
	ErrModeTransitionBlocked = errors.New("mode transition blocked while peers are configured")
)

// PersistenceError wraps a failure to write the policy file. The
// in-memory policy is rolled back and the kernel untouched.
type PersistenceError struct {
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist policy: %v", e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
