// Package gwerr defines the gateway error taxonomy.
//
// Every failure that can reach a caller is classified into a Kind so UI code
// can distinguish "temporarily degraded" (retryable, circuit open, queued)
// from "permanently failed" (bad request, exhausted retries). Provider SDK
// errors are folded into the taxonomy via Classify.
package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind identifies the failure class of a gateway error.
type Kind string

const (
	// KindNetwork — transport-level failure reaching the provider. Retryable.
	KindNetwork Kind = "network_error"

	// KindTimeout — provider call exceeded its deadline. Retryable.
	KindTimeout Kind = "timeout_error"

	// KindQuotaExceeded — provider-side 429. Never retried inline; the
	// request is routed to the durability queue instead.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindProvider4xx — provider rejected the request (malformed, unauthorized).
	// Not retryable: the same request will not succeed on a second attempt.
	KindProvider4xx Kind = "provider_error_4xx"

	// KindProvider5xx — provider-side infrastructure failure. Retryable.
	KindProvider5xx Kind = "provider_error_5xx"

	// KindCircuitOpen — the per-provider breaker is open; the adapter was
	// never invoked. Not retryable until the breaker half-opens.
	KindCircuitOpen Kind = "circuit_open"

	// KindValidation — the provider returned a response that fails schema
	// checks. Counts as a breaker failure; callers get a degraded fallback
	// when one exists instead of a parse error.
	KindValidation Kind = "validation_error"

	// KindInternal — anything that escaped classification.
	KindInternal Kind = "internal_error"
)

// Error is the structured gateway error.
type Error struct {
	Kind    Kind
	Message string

	// Status is the upstream HTTP status when the error originated from a
	// provider response, 0 otherwise.
	Status int

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error may succeed on a bounded retry.
// Quota errors are excluded — they are queued, not retried inline.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindProvider5xx:
		return true
	}
	return false
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// CircuitOpen builds the rejection error for an open breaker.
func CircuitOpen(provider string) *Error {
	return &Error{Kind: KindCircuitOpen, Message: fmt.Sprintf("circuit breaker open for provider %q", provider)}
}

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify folds an arbitrary error into the taxonomy.
//
//	already *Error                 → returned as-is
//	context.DeadlineExceeded       → KindTimeout
//	net.Error                      → KindNetwork (KindTimeout when Timeout())
//	StatusCoder 429                → KindQuotaExceeded
//	StatusCoder 4xx                → KindProvider4xx
//	StatusCoder 5xx                → KindProvider5xx
//	anything else                  → KindInternal
func Classify(err error) *Error {
	var gwe *Error
	if errors.As(err, &gwe) {
		return gwe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "provider call timed out", err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 429:
			return &Error{Kind: KindQuotaExceeded, Message: "provider quota exceeded", Status: status, Err: err}
		case status >= 400 && status < 500:
			return &Error{Kind: KindProvider4xx, Message: "provider rejected request", Status: status, Err: err}
		case status >= 500 && status < 600:
			return &Error{Kind: KindProvider5xx, Message: "provider failure", Status: status, Err: err}
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Wrap(KindTimeout, "network timeout", err)
		}
		return Wrap(KindNetwork, "network failure", err)
	}

	return Wrap(KindInternal, "unclassified error", err)
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	var gwe *Error
	return errors.As(err, &gwe) && gwe.Kind == kind
}
