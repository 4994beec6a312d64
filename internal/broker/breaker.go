package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"krx-momentum/pkg/types"
)

// CircuitBreakerBroker wraps a Broker's REST surface with a circuit
// breaker. Repeated transient failures open the circuit; while open, calls
// fail immediately instead of burning the rate budget against a dead
// endpoint. Stream subscriptions pass through untouched.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // probes allowed when half-open
	Interval     time.Duration // closed-state count reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// DefaultBreakerSettings matches the broker's observed failure modes:
// trip on a 60% failure rate over at least 5 calls, probe after 30 s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker wraps b. onOpen fires whenever the circuit
// opens; the engine uses it to raise risk level CRITICAL.
func NewCircuitBreakerBroker(b Broker, s BreakerSettings, logger *slog.Logger, onOpen func()) *CircuitBreakerBroker {
	log := logger.With("component", "breaker")
	settings := gobreaker.Settings{
		Name:        "broker-rest",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen && onOpen != nil {
				onOpen()
			}
		},
		IsSuccessful: func(err error) bool {
			// Logical rejects are healthy round-trips; only transient
			// failures indicate a sick endpoint.
			return err == nil || IsLogicalReject(err)
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &TransientError{Op: "breaker", Err: err}
		}
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

var _ Broker = (*CircuitBreakerBroker)(nil)

func (c *CircuitBreakerBroker) IssueOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	return execBreaker(c.breaker, func() (types.OrderResult, error) { return c.broker.IssueOrder(ctx, req) })
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	return execBreaker(c.breaker, func() (types.CancelResult, error) { return c.broker.CancelOrder(ctx, orderID) })
}

func (c *CircuitBreakerBroker) InquireBalance(ctx context.Context) (types.Balance, error) {
	return execBreaker(c.breaker, func() (types.Balance, error) { return c.broker.InquireBalance(ctx) })
}

func (c *CircuitBreakerBroker) InquireOrderStatus(ctx context.Context, orderID string) (types.OrderStatus, error) {
	return execBreaker(c.breaker, func() (types.OrderStatus, error) { return c.broker.InquireOrderStatus(ctx, orderID) })
}

func (c *CircuitBreakerBroker) InquireMinuteBars(ctx context.Context, code string, intervalMin int, endHHMMSS string, count int) ([]types.Bar, error) {
	return execBreaker(c.breaker, func() ([]types.Bar, error) {
		return c.broker.InquireMinuteBars(ctx, code, intervalMin, endHHMMSS, count)
	})
}

// SubscribeTrade passes through: stream health is the feed's concern.
func (c *CircuitBreakerBroker) SubscribeTrade(code string) (<-chan types.Tick, error) {
	return c.broker.SubscribeTrade(code)
}

// SubscribeQuote passes through: stream health is the feed's concern.
func (c *CircuitBreakerBroker) SubscribeQuote(code string) (<-chan types.Quote, error) {
	return c.broker.SubscribeQuote(code)
}
