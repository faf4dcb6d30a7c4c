package domain

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the core can report. The set is closed.
type Kind string

const (
	KindFormatUnsupported  Kind = "format-unsupported"
	KindNoConverter        Kind = "no-converter"
	KindQuotaExceeded      Kind = "quota-exceeded"
	KindSourceMissing      Kind = "source-missing"
	KindConversionFailed   Kind = "conversion-failed"
	KindOptimizationFailed Kind = "optimization-failed"
	KindExpired            Kind = "expired"
	KindNotFound           Kind = "not-found"
	KindForbidden          Kind = "forbidden"
	KindInternal           Kind = "internal"
)

// Quota refusal reasons carried in Error.Reason when Kind is KindQuotaExceeded.
const (
	ReasonBlocked    = "blocked"
	ReasonFileSize   = "file-size"
	ReasonBatchBytes = "batch-bytes"
	ReasonFileCount  = "file-count"
	ReasonHourly     = "hourly"
	ReasonDaily      = "daily"
	ReasonMonthly    = "monthly"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Reason  string // short machine code, e.g. "hourly" for quota refusals
	Message string // safe to show to the caller
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, domain.ErrExpired) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrFormatUnsupported  = &Error{Kind: KindFormatUnsupported}
	ErrNoConverter        = &Error{Kind: KindNoConverter}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrSourceMissing      = &Error{Kind: KindSourceMissing}
	ErrConversionFailed   = &Error{Kind: KindConversionFailed}
	ErrOptimizationFailed = &Error{Kind: KindOptimizationFailed}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// QuotaError builds a quota refusal with a reason code.
func QuotaError(reason, message string) *Error {
	return &Error{Kind: KindQuotaExceeded, Reason: reason, Message: message}
}

// KindOf returns the kind carried by err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason code carried by err, if any.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// Terminal reports whether err must not be retried by the dispatcher.
func Terminal(err error) bool {
	return KindOf(err) != KindInternal
}

// PublicMessage returns text safe to store on a job row or return to a client.
// Messages are capped at 500 characters.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	msg := err.Error()
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}
	return Truncate(msg, 500)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
