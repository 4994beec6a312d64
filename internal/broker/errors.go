package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors for the broker error taxonomy. Callers classify with
// errors.Is / errors.As and never branch on message text.
var (
	// ErrMarketClosed rejects order issuance outside the trading session.
	// Broker-logical; never retried.
	ErrMarketClosed = errors.New("market closed")

	// ErrRateLimited means the token-bucket acquire timed out (5 s).
	// Transient; the caller may treat the stage as failed and move on.
	ErrRateLimited = errors.New("rate limit acquire timed out")

	// ErrFeedDown means the websocket feed exhausted its reconnect
	// attempts. Fatal for entries: risk level goes CRITICAL and open
	// positions are managed via REST quotes until close.
	ErrFeedDown = errors.New("realtime feed down")

	// ErrStaleData means a data source (quote snapshot, macro sample) is
	// too old to act on. Policy-level; not retried.
	ErrStaleData = errors.New("stale data")
)

// APIError is a broker-logical reject: the HTTP exchange succeeded but the
// response carried a non-zero rt_cd (insufficient balance, invalid qty,
// unknown order, ...). Not retried.
type APIError struct {
	Code string // broker rt_cd
	Msg  string // broker msg1
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker reject rt_cd=%s: %s", e.Code, e.Msg)
}

// TransientError wraps HTTP 429/5xx responses and transport timeouts that
// survived the retry budget. The circuit breaker counts these.
type TransientError struct {
	Op     string // which call failed, e.g. "issue_order"
	Status int    // HTTP status, 0 for transport errors
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient broker error (http %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient broker error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err belongs to the retry-then-escalate
// category (429/5xx, timeouts, rate starvation).
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrRateLimited)
}

// IsLogicalReject reports whether err is an explicit broker reject that
// must not be retried.
func IsLogicalReject(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) || errors.Is(err, ErrMarketClosed)
}
