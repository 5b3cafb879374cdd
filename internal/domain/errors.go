package domain

import "fmt"

// ErrorKind is the error taxonomy of spec §7.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindDuplicate         ErrorKind = "duplicate"
	KindTransient         ErrorKind = "transient"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindFatal             ErrorKind = "fatal"
)

// Error is a typed dispatch-core error. Callers branch on Kind rather than
// string-matching, and errors.As can recover it from a wrapped chain.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a typed error. op should name the failing operation
// (e.g. "AssignWorkers") for log correlation per spec §7's propagation
// policy (job-level errors are logged with context, not panicked).
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Is supports errors.Is(err, ErrNotFound) style sentinel comparisons by
// kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel instances for errors.Is comparisons against a specific kind,
// e.g. errors.Is(err, domain.ErrNotFound).
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrDuplicate          = &Error{Kind: KindDuplicate}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrFatal              = &Error{Kind: KindFatal}
)
