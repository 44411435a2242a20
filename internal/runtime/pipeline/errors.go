package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the orchestration layer.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindBudgetExceeded      ErrorKind = "budget_exceeded"
	KindBackpressure        ErrorKind = "backpressure"
	KindTimeout             ErrorKind = "timeout"
	KindProviderError       ErrorKind = "provider_error"
)

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrBudgetExceeded      = &Error{Kind: KindBudgetExceeded}
	ErrBackpressure        = &Error{Kind: KindBackpressure}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrProviderError       = &Error{Kind: KindProviderError}
)

// Error is the typed error carried through the orchestrator.
type Error struct {
	Kind       ErrorKind
	Message    string
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" (provider ")
		b.WriteString(e.Provider)
		if e.StatusCode > 0 {
			fmt.Fprintf(&b, ", status %d", e.StatusCode)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind so callers can compare against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Validationf reports malformed caller input.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unavailable reports that no registered provider can serve task.
func Unavailable(task TaskType) error {
	return &Error{Kind: KindProviderUnavailable, Message: fmt.Sprintf("no provider can serve task %q", task)}
}

// BudgetExceeded reports that admitting estimate would break the spend cap.
func BudgetExceeded(estimate, remaining float64) error {
	return &Error{
		Kind:    KindBudgetExceeded,
		Message: fmt.Sprintf("estimated cost $%.4f exceeds remaining budget $%.4f", estimate, remaining),
	}
}

// Backpressure reports a full dispatch queue.
func Backpressure(capacity int) error {
	return &Error{Kind: KindBackpressure, Message: fmt.Sprintf("dispatch queue full (capacity %d)", capacity)}
}

// Timeout wraps cause as a timeout.
func Timeout(cause error) error {
	return &Error{Kind: KindTimeout, Err: cause}
}

// ProviderFailure describes a failed adapter call.
func ProviderFailure(provider string, status int, transient bool, cause error) error {
	return &Error{
		Kind:       KindProviderError,
		Provider:   provider,
		StatusCode: status,
		Transient:  transient,
		Err:        cause,
	}
}

// KindOf extracts the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return errors.Is(err, context.DeadlineExceeded)
	}
	return typed.Transient
}
