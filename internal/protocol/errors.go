package protocol

import "github.com/pkg/errors"

// Fatal invariant violations. They signal a malformed scenario or a protocol
// bug and abort the round; recoverable conditions (a busy lock, a deadlock,
// a stale rollback) are never reported as errors.
var (
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrWrongShard   = errors.New("step does not belong to this shard")
	ErrChaseOverrun = errors.New("rollback-forward chase ran past the last step")
	ErrTooFewSteps  = errors.New("transaction turned around on its first step")
	ErrLockNotHeld  = errors.New("returning transaction does not hold its lock")
	ErrInvalidPlan  = errors.New("invalid transaction plan")
)

// IsInvariant reports whether err is one of the fatal protocol violations.
func IsInvariant(err error) bool {
	switch errors.Cause(err) {
	case ErrUnknownKind, ErrWrongShard, ErrChaseOverrun, ErrTooFewSteps, ErrLockNotHeld, ErrInvalidPlan:
		return true
	}
	return false
}
