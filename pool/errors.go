package pool

import (
	"errors"
	"fmt"
)

type Kind int

const (
	ComputationPanic Kind = iota + 1
	PoolExhausted
	PoolRejected
)

func (k Kind) String() string {
	switch k {
	case ComputationPanic:
		return "ComputationPanic"
	case PoolExhausted:
		return "PoolExhausted"
	case PoolRejected:
		return "PoolRejected"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the failure reported by the offload boundary.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Is matches sentinels by kind, so errors.Is(err, ErrPoolRejected) holds
// for any rejection regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrComputationPanic = &Error{Kind: ComputationPanic}
	ErrPoolExhausted    = &Error{Kind: PoolExhausted}
	ErrPoolRejected     = &Error{Kind: PoolRejected}

	// ErrTimeout is returned when the caller's deadline expires before the
	// task result is available. The task itself keeps running.
	ErrTimeout = errors.New("timeout")
)

// KindOf reports the pool error kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}
