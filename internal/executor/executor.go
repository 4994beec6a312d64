// Package executor converts logical buy/sell intents into broker orders.
//
// The centerpiece is the three-stage fallback chain for entries:
//
//	Stage 1 — IOC limit at ask1 + 3 ticks, fill checked after ~150 ms
//	Stage 2 — after a 200 ms pause, IOC limit at ask1 + 5 ticks for the rest
//	Stage 3 — market order for whatever still remains
//
// Stages are strictly sequential for one (code, entry) pair; concurrency
// happens only across distinct codes via EnterAll. A Stage-3 transition and
// any complete failure notify the operator — market fallback means the limit
// policy is not matching the book.
//
// Every attempt is appended to the daily order log. In dry-run mode every
// staged buy reports an immediate full fill with stage 1, preserving the
// invariant "Stage-1 success when price is accommodating".
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"krx-momentum/internal/broker"
	"krx-momentum/internal/config"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/metrics"
	"krx-momentum/internal/notify"
	"krx-momentum/pkg/types"
)

// EntryRequest is one symbol's buy intent for EnterAll.
type EntryRequest struct {
	Code string
	Qty  int64
	Ask1 float64
}

// BuyResult is the outcome of a staged buy. Success means the full quantity
// filled; a partial chain reports Success=false with the running total so
// the caller can decide whether to register a reduced position.
type BuyResult struct {
	Code      string
	Requested int64
	Filled    int64
	AvgPrice  float64 // weighted across stages; never zero when Filled > 0
	StageUsed int     // highest stage that contributed a fill
	Success   bool
	Err       error
}

// SellResult is the outcome of a sell.
type SellResult struct {
	Code     string
	Qty      int64
	Filled   int64
	AvgPrice float64
	OrderID  string
}

// TWAPResult aggregates a sliced entry.
type TWAPResult struct {
	Code           string
	Success        bool // any quantity filled
	TotalFilled    int64
	AvgPrice       float64
	SplitsPlanned  int
	SplitsExecuted int
	Slices         []BuyResult
}

// Executor places orders through the broker with logging and notifications.
type Executor struct {
	broker   broker.Broker
	quotes   broker.QuoteSource
	notifier notify.Notifier
	olog     *OrderLog
	cfg      config.ExecutorConfig
	dryRun   bool
	logger   *slog.Logger
	now      func() time.Time

	// sleep is injectable so tests never wait on real stage delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor.
func New(b broker.Broker, quotes broker.QuoteSource, notifier notify.Notifier, olog *OrderLog, cfg config.ExecutorConfig, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		broker:   b,
		quotes:   quotes,
		notifier: notifier,
		olog:     olog,
		cfg:      cfg,
		dryRun:   dryRun,
		logger:   logger.With("component", "executor"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// BuyStaged runs the three-stage fallback chain for one code.
func (x *Executor) BuyStaged(ctx context.Context, code string, qty int64, ask1 float64) BuyResult {
	res := BuyResult{Code: code, Requested: qty}
	if qty <= 0 || ask1 <= 0 {
		res.Err = fmt.Errorf("invalid buy request: qty=%d ask1=%v", qty, ask1)
		return res
	}

	if x.dryRun {
		limit := krx.LimitPrice(ask1, x.cfg.Stage1Ticks)
		x.olog.Record(Attempt{
			ID: uuid.NewString(), Code: code, Kind: AttemptBuyIOC, Stage: 1,
			Qty: qty, LimitPrice: limit, FilledQty: qty, AvgFillPrice: limit,
			Status: types.OrderFilled, RequestedAt: x.now(), CompletedAt: x.now(),
		})
		metrics.OrdersTotal.WithLabelValues("1").Inc()
		res.Filled = qty
		res.AvgPrice = limit
		res.StageUsed = 1
		res.Success = true
		return res
	}

	remaining := qty
	var costSum float64 // Σ avg_price × filled, for the weighted average

	// Stage 1: IOC at ask1 + 3 ticks.
	limit1 := krx.LimitPrice(ask1, x.cfg.Stage1Ticks)
	filled, avg := x.runIOCStage(ctx, code, remaining, limit1, 1)
	if filled > 0 {
		res.Filled += filled
		res.StageUsed = 1
		costSum += avg * float64(filled)
		remaining -= filled
	}
	metrics.OrdersTotal.WithLabelValues("1").Inc()
	if remaining <= 0 {
		return x.finishBuy(res, costSum)
	}

	// Stage 2: re-quote IOC at ask1 + 5 ticks after a short pause.
	if err := x.sleep(ctx, x.cfg.Stage2Sleep); err != nil {
		res.Err = err
		return x.finishBuy(res, costSum)
	}
	limit2 := krx.LimitPrice(ask1, x.cfg.Stage2Ticks)
	filled, avg = x.runIOCStage(ctx, code, remaining, limit2, 2)
	if filled > 0 {
		res.Filled += filled
		res.StageUsed = 2
		costSum += avg * float64(filled)
		remaining -= filled
	}
	metrics.OrdersTotal.WithLabelValues("2").Inc()
	if remaining <= 0 {
		return x.finishBuy(res, costSum)
	}

	// Stage 3: market order for the remainder.
	filled, avg, err := x.runMarketStage(ctx, code, remaining, ask1)
	metrics.OrdersTotal.WithLabelValues("3").Inc()
	if filled > 0 {
		res.Filled += filled
		res.StageUsed = 3
		costSum += avg * float64(filled)
		remaining -= filled
		x.notifier.Send(ctx, fmt.Sprintf("⚠ market fallback used: %s qty %d (stage 3)", code, filled))
	}
	if err != nil && res.Filled == 0 {
		res.Err = err
	}
	out := x.finishBuy(res, costSum)
	if !out.Success && out.Filled == 0 {
		x.notifier.Send(ctx, fmt.Sprintf("🚨 entry failed on all stages: %s qty %d: %v", code, qty, err))
	}
	return out
}

func (x *Executor) finishBuy(res BuyResult, costSum float64) BuyResult {
	if res.Filled > 0 {
		res.AvgPrice = costSum / float64(res.Filled)
	}
	res.Success = res.Filled >= res.Requested
	if !res.Success {
		x.logger.Warn("staged buy incomplete",
			"code", res.Code, "requested", res.Requested, "filled", res.Filled, "error", res.Err)
	} else {
		x.logger.Info("staged buy filled",
			"code", res.Code, "qty", res.Filled, "avg_price", res.AvgPrice, "stage", res.StageUsed)
	}
	return res
}

// runIOCStage places one IOC limit order, waits, and checks the fill.
// Errors are absorbed into a zero fill so the chain moves to the next stage.
func (x *Executor) runIOCStage(ctx context.Context, code string, qty int64, limit float64, stage int) (int64, float64) {
	a := Attempt{
		ID: uuid.NewString(), Code: code, Kind: AttemptBuyIOC, Stage: stage,
		Qty: qty, LimitPrice: limit, RequestedAt: x.now(),
	}
	defer func() {
		a.CompletedAt = x.now()
		x.olog.Record(a)
	}()

	order, err := x.broker.IssueOrder(ctx, types.OrderRequest{
		Code: code, Side: types.BUY, Kind: types.OrderIOCLimit, Qty: qty, Price: limit,
	})
	if err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		x.logger.Warn("stage order rejected", "code", code, "stage", stage, "error", err)
		return 0, 0
	}
	a.BrokerOrderID = order.OrderID

	if err := x.sleep(ctx, x.cfg.Stage1Wait); err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		return 0, 0
	}

	st, err := x.broker.InquireOrderStatus(ctx, order.OrderID)
	if err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		x.logger.Warn("stage fill check failed", "code", code, "stage", stage, "error", err)
		return 0, 0
	}
	a.FilledQty = st.FilledQty
	a.Status = st.State
	avg := st.AvgFillPrice
	if avg <= 0 {
		// The broker does not always report an average on fresh fills;
		// the stage limit is the conservative substitute.
		avg = limit
	}
	a.AvgFillPrice = avg
	return st.FilledQty, avg
}

// runMarketStage places the terminal market order. A market order on KRX is
// assumed to fill fully; the status check only refines the average price.
func (x *Executor) runMarketStage(ctx context.Context, code string, qty int64, ask1 float64) (int64, float64, error) {
	a := Attempt{
		ID: uuid.NewString(), Code: code, Kind: AttemptBuyMarket, Stage: 3,
		Qty: qty, RequestedAt: x.now(),
	}
	defer func() {
		a.CompletedAt = x.now()
		x.olog.Record(a)
	}()

	order, err := x.broker.IssueOrder(ctx, types.OrderRequest{
		Code: code, Side: types.BUY, Kind: types.OrderMarket, Qty: qty,
	})
	if err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		return 0, 0, err
	}
	a.BrokerOrderID = order.OrderID

	avg := ask1
	if err := x.sleep(ctx, x.cfg.Stage1Wait); err == nil {
		if st, err := x.broker.InquireOrderStatus(ctx, order.OrderID); err == nil && st.AvgFillPrice > 0 {
			avg = st.AvgFillPrice
		}
	}
	a.FilledQty = qty
	a.AvgFillPrice = avg
	a.Status = types.OrderFilled
	return qty, avg, nil
}

// EnterAll fans one staged buy out per entry, bounded only by the shared
// rate limiter. Results preserve input order; a panic in one entry is
// recovered into that slot without disturbing the siblings.
func (x *Executor) EnterAll(ctx context.Context, reqs []EntryRequest) []BuyResult {
	results := make([]BuyResult, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					results[i] = BuyResult{
						Code:      req.Code,
						Requested: req.Qty,
						Err:       fmt.Errorf("entry panicked: %v", p),
					}
				}
			}()
			results[i] = x.BuyStaged(ctx, req.Code, req.Qty, req.Ask1)
			return nil
		})
	}
	g.Wait()
	return results
}

// BuyTWAP splits a large entry into time-spaced slices. Used when the
// requested quantity is at least TwapADVRatio of the symbol's average daily
// volume; each slice runs the full staged chain. Before every slice after
// the first, tick velocity is re-checked and the remainder aborted if the
// tape has died.
func (x *Executor) BuyTWAP(ctx context.Context, code string, qty int64, ask1 float64, adv int64) TWAPResult {
	res := TWAPResult{Code: code}

	if adv <= 0 || float64(qty) < float64(adv)*x.cfg.TwapADVRatio {
		one := x.BuyStaged(ctx, code, qty, ask1)
		res.Slices = []BuyResult{one}
		res.SplitsPlanned = 1
		res.SplitsExecuted = 1
		res.TotalFilled = one.Filled
		res.AvgPrice = one.AvgPrice
		res.Success = one.Filled > 0
		return res
	}

	slices := x.cfg.TwapMaxSlices
	if int64(slices) > qty {
		slices = int(qty)
	}
	res.SplitsPlanned = slices
	base := qty / int64(slices)
	extra := qty % int64(slices)

	var costSum float64
	for i := 0; i < slices; i++ {
		if i > 0 {
			if err := x.sleep(ctx, x.cfg.TwapInterval); err != nil {
				break
			}
			if speed := x.quotes.TickSpeed(code); float64(speed) < x.cfg.TwapVelocityFloor {
				x.logger.Info("twap aborted on low tick velocity",
					"code", code, "speed", speed, "floor", x.cfg.TwapVelocityFloor,
					"slices_done", res.SplitsExecuted)
				break
			}
		}
		sliceQty := base
		if int64(i) < extra {
			sliceQty++
		}
		price := ask1
		if q, ok := x.quotes.LatestQuote(code); ok && q.Ask1 > 0 {
			price = q.Ask1
		}
		one := x.BuyStaged(ctx, code, sliceQty, price)
		res.Slices = append(res.Slices, one)
		res.SplitsExecuted++
		res.TotalFilled += one.Filled
		costSum += one.AvgPrice * float64(one.Filled)
	}

	if res.TotalFilled > 0 {
		res.AvgPrice = costSum / float64(res.TotalFilled)
		res.Success = true
	}
	return res
}

// SellMarket sells qty of code at market. Exits always go out at market in
// the current policy.
func (x *Executor) SellMarket(ctx context.Context, code string, qty int64) (SellResult, error) {
	a := Attempt{
		ID: uuid.NewString(), Code: code, Kind: AttemptSellMarket,
		Qty: qty, RequestedAt: x.now(),
	}
	defer func() {
		a.CompletedAt = x.now()
		x.olog.Record(a)
	}()

	if x.dryRun {
		price := 0.0
		if q, ok := x.quotes.LatestQuote(code); ok {
			price = q.LastPrice
		}
		a.FilledQty = qty
		a.AvgFillPrice = price
		a.Status = types.OrderFilled
		x.logger.Info("DRY-RUN: would market-sell", "code", code, "qty", qty)
		return SellResult{Code: code, Qty: qty, Filled: qty, AvgPrice: price}, nil
	}

	order, err := x.broker.IssueOrder(ctx, types.OrderRequest{
		Code: code, Side: types.SELL, Kind: types.OrderMarket, Qty: qty,
	})
	if err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		return SellResult{}, fmt.Errorf("sell market %s: %w", code, err)
	}
	a.BrokerOrderID = order.OrderID

	avg := 0.0
	if err := x.sleep(ctx, x.cfg.Stage1Wait); err == nil {
		if st, err := x.broker.InquireOrderStatus(ctx, order.OrderID); err == nil && st.AvgFillPrice > 0 {
			avg = st.AvgFillPrice
		}
	}
	if avg == 0 {
		if q, ok := x.quotes.LatestQuote(code); ok {
			avg = q.Bid1
		}
	}
	a.FilledQty = qty
	a.AvgFillPrice = avg
	a.Status = types.OrderFilled
	x.logger.Info("market sell placed", "code", code, "qty", qty, "order_id", order.OrderID)
	return SellResult{Code: code, Qty: qty, Filled: qty, AvgPrice: avg, OrderID: order.OrderID}, nil
}

// SellIOC places an IOC limit sell. Unused by the current exit policy but
// kept for partial-exit logic.
func (x *Executor) SellIOC(ctx context.Context, code string, qty int64, limit float64) (SellResult, error) {
	a := Attempt{
		ID: uuid.NewString(), Code: code, Kind: AttemptSellIOC,
		Qty: qty, LimitPrice: limit, RequestedAt: x.now(),
	}
	defer func() {
		a.CompletedAt = x.now()
		x.olog.Record(a)
	}()

	if x.dryRun {
		a.FilledQty = qty
		a.AvgFillPrice = limit
		a.Status = types.OrderFilled
		x.logger.Info("DRY-RUN: would IOC-sell", "code", code, "qty", qty, "limit", limit)
		return SellResult{Code: code, Qty: qty, Filled: qty, AvgPrice: limit}, nil
	}

	order, err := x.broker.IssueOrder(ctx, types.OrderRequest{
		Code: code, Side: types.SELL, Kind: types.OrderIOCLimit, Qty: qty, Price: limit,
	})
	if err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		return SellResult{}, fmt.Errorf("sell ioc %s: %w", code, err)
	}
	a.BrokerOrderID = order.OrderID

	if err := x.sleep(ctx, x.cfg.Stage1Wait); err != nil {
		return SellResult{Code: code, Qty: qty, OrderID: order.OrderID}, err
	}
	st, err := x.broker.InquireOrderStatus(ctx, order.OrderID)
	if err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		return SellResult{Code: code, Qty: qty, OrderID: order.OrderID}, err
	}
	a.FilledQty = st.FilledQty
	a.AvgFillPrice = st.AvgFillPrice
	a.Status = st.State
	return SellResult{Code: code, Qty: qty, Filled: st.FilledQty, AvgPrice: st.AvgFillPrice, OrderID: order.OrderID}, nil
}

// Cancel cancels the unfilled remainder of a broker order.
func (x *Executor) Cancel(ctx context.Context, orderID string) error {
	a := Attempt{ID: uuid.NewString(), Kind: AttemptCancel, BrokerOrderID: orderID, RequestedAt: x.now()}
	defer func() {
		a.CompletedAt = x.now()
		x.olog.Record(a)
	}()

	if _, err := x.broker.CancelOrder(ctx, orderID); err != nil {
		a.Status = types.OrderError
		a.Error = err.Error()
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	a.Status = types.OrderFilled
	return nil
}

// Quote returns the latest level-1 quote for code, if any.
func (x *Executor) Quote(code string) (types.Quote, bool) {
	return x.quotes.LatestQuote(code)
}

// GetBalance passes through to the broker.
func (x *Executor) GetBalance(ctx context.Context) (types.Balance, error) {
	return x.broker.InquireBalance(ctx)
}

// GetOrderStatus passes through to the broker.
func (x *Executor) GetOrderStatus(ctx context.Context, orderID string) (types.OrderStatus, error) {
	return x.broker.InquireOrderStatus(ctx, orderID)
}

// FormatWon renders a KRW amount for notifications.
func FormatWon(v float64) string {
	return strconv.FormatInt(int64(v), 10) + "원"
}
