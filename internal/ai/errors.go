package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a provider failure for the orchestrator's retry decisions.
type Kind int

const (
	KindUpstream Kind = iota // non-2xx we have no better name for; retry with backoff
	KindConfig               // missing/malformed credentials; fatal, never retried
	KindAuth                 // credentials rejected; rotate if alternatives exist
	KindRateLimited          // upstream throttling or local tracker cap
	KindTimeout              // no response within the wall-clock budget
	KindProtocol             // response body did not parse into the expected shape
	KindEmptyStream          // stream completed without a single content delta
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindEmptyStream:
		return "empty_stream"
	default:
		return "upstream"
	}
}

// Error is the normalized failure every adapter returns.
type Error struct {
	Provider string
	Kind     Kind
	Status   int // HTTP status when known, 0 otherwise
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d", e.Provider, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(provider string, kind Kind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

func statusError(provider string, status int, err error) *Error {
	kind := KindUpstream
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 429:
		kind = KindRateLimited
	case status == 408:
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Err: err}
}

// KindOf extracts the failure kind from any error chain. Unknown errors
// (including raw network failures) map to the retryable upstream kind;
// context deadlines count as timeouts.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindUpstream
}

// IsFatal reports whether an error must abort the whole request instead of
// being counted as a failed attempt.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfig
}
