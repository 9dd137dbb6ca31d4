// Package coreerr defines the discriminated error kinds the core uses
// to report failures across component boundaries. Components never
// panic or throw across a boundary; every operation that can fail
// returns an error wrapping one of these sentinels, inspectable with
// errors.Is or Of.
package coreerr

import "errors"

// Kind is a coarse error classification. Zero value means "not one of
// ours" — Of(err) returns KindUnknown for plain errors.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidState
	KindCapacityExceeded
	KindTimeout
	KindCancelled
	KindDependencyFailed
	KindCircuitOpen
	KindCorruptData
	KindConflictResolutionRequired
	KindValidationFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidState:
		return "InvalidState"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindDependencyFailed:
		return "DependencyFailed"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindCorruptData:
		return "CorruptData"
	case KindConflictResolutionRequired:
		return "ConflictResolutionRequired"
	case KindValidationFailed:
		return "ValidationFailed"
	default:
		return "Unknown"
	}
}

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", ErrX) to add
// context while keeping errors.Is/Of working.
var (
	ErrNotFound                   = errors.New("not found")
	ErrInvalidState               = errors.New("invalid state transition")
	ErrCapacityExceeded           = errors.New("capacity exceeded")
	ErrTimeout                    = errors.New("timeout")
	ErrCancelled                  = errors.New("cancelled")
	ErrDependencyFailed           = errors.New("upstream dependency failed")
	ErrCircuitOpen                = errors.New("circuit breaker open")
	ErrCorruptData                = errors.New("corrupt persisted data")
	ErrConflictResolutionRequired = errors.New("conflict resolution required")
	ErrValidationFailed           = errors.New("validation failed")
)

var sentinels = []struct {
	kind Kind
	err  error
}{
	{KindNotFound, ErrNotFound},
	{KindInvalidState, ErrInvalidState},
	{KindCapacityExceeded, ErrCapacityExceeded},
	{KindTimeout, ErrTimeout},
	{KindCancelled, ErrCancelled},
	{KindDependencyFailed, ErrDependencyFailed},
	{KindCircuitOpen, ErrCircuitOpen},
	{KindCorruptData, ErrCorruptData},
	{KindConflictResolutionRequired, ErrConflictResolutionRequired},
	{KindValidationFailed, ErrValidationFailed},
}

// Of classifies err against the known sentinels.
func Of(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}
