// Package broker defines the narrow interface the engine needs from a KRX
// brokerage, the error taxonomy for broker calls, and a circuit-breaker
// wrapper applied to the REST surface. The concrete client lives in
// broker/kis.
package broker

import (
	"context"

	"krx-momentum/pkg/types"
)

// Broker is the abstraction over the brokerage REST + websocket APIs.
// Implementations must be safe for concurrent use; every REST method is
// subject to the process-wide rate budget and a 10 s wall timeout.
type Broker interface {
	// IssueOrder places an order. Orders outside the trading session fail
	// fast with ErrMarketClosed without consuming a rate token.
	IssueOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)

	// CancelOrder cancels the unfilled remainder of an order.
	CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error)

	// InquireBalance returns cash, holdings, and total evaluation.
	InquireBalance(ctx context.Context) (types.Balance, error)

	// InquireOrderStatus reports fill progress for one order.
	InquireOrderStatus(ctx context.Context, orderID string) (types.OrderStatus, error)

	// InquireMinuteBars fetches up to count minute bars of the given
	// interval ending at endHHMMSS (KST, "150000" style; empty = now).
	InquireMinuteBars(ctx context.Context, code string, intervalMin int, endHHMMSS string, count int) ([]types.Bar, error)

	// SubscribeTrade registers code on the realtime trade stream and
	// returns the per-code channel. Late subscribers share one channel.
	SubscribeTrade(code string) (<-chan types.Tick, error)

	// SubscribeQuote registers code on the level-1 quote stream.
	SubscribeQuote(code string) (<-chan types.Quote, error)
}

// QuoteSource is the read side the strategist needs: latest snapshots and
// tick velocity. Implemented by the kis feed fan-out.
type QuoteSource interface {
	// LatestQuote returns the most recent quote for code, if any.
	LatestQuote(code string) (types.Quote, bool)

	// LatestTick returns the most recent trade print for code, if any.
	LatestTick(code string) (types.Tick, bool)

	// TickSpeed returns how many trades printed in the last second.
	TickSpeed(code string) int
}
