// Package rerr defines Ralph's domain error taxonomy. Components return
// these instead of ad-hoc strings so callers (notably the RPC surface)
// can map them onto a stable {success:false, error} result without
// string-sniffing.
package rerr

import "fmt"

// Category is a surface error category from the domain's error taxonomy.
type Category string

const (
	// PreconditionFailed covers invalid transitions, branch uniqueness
	// violations, claiming when not ready, and concurrency cap hits.
	PreconditionFailed Category = "precondition_failed"
	// NotFound covers missing executions, stories, or merge-queue entries.
	NotFound Category = "not_found"
	// GuardrailRejected covers scope/diff/evidence guardrail rejections.
	GuardrailRejected Category = "guardrail_rejected"
	// StagnationDetected is surfaced as a domain result, not typically an
	// error, but the category exists so callers can classify it uniformly.
	StagnationDetected Category = "stagnation_detected"
	// ExternalFailure covers git/launcher/filesystem errors.
	ExternalFailure Category = "external_failure"
	// Corruption covers an unparseable state document.
	Corruption Category = "corruption"
)

// Error is a categorized domain error.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons by category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category
}

func newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Precondition builds a PreconditionFailed error.
func Precondition(format string, args ...any) *Error {
	return newf(PreconditionFailed, format, args...)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return newf(NotFound, format, args...)
}

// Guardrail builds a GuardrailRejected error.
func Guardrail(format string, args ...any) *Error {
	return newf(GuardrailRejected, format, args...)
}

// External wraps err as an ExternalFailure from the named subsystem.
func External(subsystem string, err error) *Error {
	return &Error{Category: ExternalFailure, Message: subsystem, Err: err}
}

// Corrupt builds a Corruption error.
func Corrupt(format string, args ...any) *Error {
	return newf(Corruption, format, args...)
}

// CategoryOf returns the category of err if it is (or wraps) an *Error,
// and false otherwise.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Category, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
