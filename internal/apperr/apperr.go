// Package apperr defines the closed error taxonomy shared by the crawl and
// analysis pipelines. Errors are constructed where the fault is detected and
// carry structured context instead of free text only.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the coarse error family.
type Kind string

// Supported error kinds.
const (
	KindNetwork           Kind = "network"
	KindContentValidation Kind = "content_validation"
	KindPersistence       Kind = "persistence"
	KindResourceExhausted Kind = "resource_exhausted"
	KindNotFound          Kind = "not_found"
	KindAlreadyTerminal   Kind = "already_terminal"
	KindInvalidArgument   Kind = "invalid_argument"
)

// Reason refines a Kind.
type Reason string

// Supported reasons.
const (
	ReasonNone             Reason = ""
	ReasonConnectionFailed Reason = "connection_failed"
	ReasonTimeout          Reason = "timeout"
	ReasonInvalidResponse  Reason = "invalid_response"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonContentTooShort  Reason = "content_too_short"
	ReasonContentTooLong   Reason = "content_too_long"
	ReasonMissingField     Reason = "missing_field"
	ReasonParsingFailed    Reason = "parsing_failed"
	ReasonDuplicateKey     Reason = "duplicate_key"
	ReasonSaveFailed       Reason = "save_failed"
)

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Kind   Kind
	Reason Reason
	// Op names the operation that failed (e.g. "fetch listing").
	Op string
	// URL is set for network faults.
	URL string
	// Field is set for validation faults.
	Field string
	// StatusCode is set for InvalidResponse / RateLimited.
	StatusCode int
	// RetryAfter is an upstream hint attached to RateLimited errors.
	RetryAfter time.Duration
	// Detail is a short human readable description.
	Detail string
	Err    error
}

// Error renders the error as "op: kind/reason: detail: cause".
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Reason != ReasonNone {
		b.WriteString("/")
		b.WriteString(string(e.Reason))
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " url=%s", e.URL)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Reason when the target carries one. This lets
// package-level sentinels such as job.ErrNotFound be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// New builds an Error of the given kind and reason.
func New(kind Kind, reason Reason, op, detail string) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Detail: detail}
}

// Network builds a network fault for url.
func Network(reason Reason, op, url string, err error) *Error {
	return &Error{Kind: KindNetwork, Reason: reason, Op: op, URL: url, Err: err}
}

// InvalidResponse builds a network fault for an unexpected HTTP status.
func InvalidResponse(op, url string, status int) *Error {
	reason := ReasonInvalidResponse
	if status == 429 {
		reason = ReasonRateLimited
	}
	return &Error{Kind: KindNetwork, Reason: reason, Op: op, URL: url, StatusCode: status}
}

// Validation builds a content validation fault.
func Validation(reason Reason, field, detail string) *Error {
	return &Error{Kind: KindContentValidation, Reason: reason, Op: "validate content", Field: field, Detail: detail}
}

// Persistence builds a persistence fault.
func Persistence(reason Reason, op string, err error) *Error {
	return &Error{Kind: KindPersistence, Reason: reason, Op: op, Err: err}
}

// ResourceExhausted builds an admission rejection.
func ResourceExhausted(op, detail string) *Error {
	return &Error{Kind: KindResourceExhausted, Op: op, Detail: detail}
}

// InvalidArgument builds a caller error.
func InvalidArgument(op, detail string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Detail: detail}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the upstream retry hint, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsTransient reports whether err is worth retrying: connection failures,
// timeouts, rate limiting and 5xx responses.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindNetwork {
		return false
	}
	switch e.Reason {
	case ReasonConnectionFailed, ReasonTimeout, ReasonRateLimited:
		return true
	case ReasonInvalidResponse:
		return e.StatusCode >= 500
	default:
		return false
	}
}
