package gate

import (
	"errors"
	"fmt"
)

// Kind classifies gate errors so transports can map them to responses.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindInvalidRequest
	KindQuotaExceeded
	KindInsufficientCredit
	KindWorkerFailure
	KindPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidRequest:
		return "invalid_request"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindInsufficientCredit:
		return "insufficient_credit"
	case KindWorkerFailure:
		return "worker_failure"
	case KindPersistenceFailure:
		return "persistence_failure"
	default:
		return "unknown"
	}
}

// Error is returned by gate operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

func invalid(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidRequest, Op: op, Err: fmt.Errorf(format, args...)}
}

func persistence(op string, err error) error {
	return &Error{Kind: KindPersistenceFailure, Op: op, Err: err}
}
