package errs

import "fmt"

// ValidationError rejects malformed input (bad segment label, bad filter).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// BadRequestError maps to 400 at the HTTP edge (bad unsubscribe request,
// unknown member).
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

func NewBadRequest(format string, args ...any) error {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

// HostLimitError signals an account-level cap: sending disabled by the host
// or a quota that would be exceeded. Raised before any persistence mutation
// where possible.
type HostLimitError struct {
	Resource string
	Msg      string
}

func (e *HostLimitError) Error() string { return e.Msg }

func NewHostLimit(resource, format string, args ...any) error {
	return &HostLimitError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// InternalError wraps an unexpected failure without leaking detail upward.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *InternalError) Unwrap() error { return e.Err }

func NewInternal(err error, msg string) error {
	return &InternalError{Msg: msg, Err: err}
}

// SendError wraps any failure raised while executing a send job. The
// truncated message is persisted on the email row before this is returned.
type SendError struct {
	EmailID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending email %s failed: %v", e.EmailID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
