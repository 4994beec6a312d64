package signals

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"krx-momentum/internal/krx"
	"krx-momentum/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// chartStub serves canned minute bars for the REST fallback path.
type chartStub struct {
	bars  []types.Bar
	calls int
	err   error
}

func (c *chartStub) InquireMinuteBars(context.Context, string, int, string, int) ([]types.Bar, error) {
	c.calls++
	return c.bars, c.err
}

func (c *chartStub) IssueOrder(context.Context, types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}
func (c *chartStub) CancelOrder(context.Context, string) (types.CancelResult, error) {
	return types.CancelResult{}, nil
}
func (c *chartStub) InquireBalance(context.Context) (types.Balance, error) {
	return types.Balance{}, nil
}
func (c *chartStub) InquireOrderStatus(context.Context, string) (types.OrderStatus, error) {
	return types.OrderStatus{}, nil
}
func (c *chartStub) SubscribeTrade(string) (<-chan types.Tick, error)  { return nil, nil }
func (c *chartStub) SubscribeQuote(string) (<-chan types.Quote, error) { return nil, nil }

// sessionMinute returns 09:00 + n minutes on a 2026 trading Tuesday.
func sessionMinute(n int) time.Time {
	return time.Date(2026, 3, 10, 9, 0, 0, 0, krx.KST).Add(time.Duration(n) * time.Minute)
}

// bars15 builds n 15-minute bars whose closes follow f(i).
func bars15(n int, f func(i int) float64) []types.Bar {
	out := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		c := f(i)
		out[i] = types.Bar{
			Time: sessionMinute(i * 15), Open: c, High: c + 50, Low: c - 50, Close: c, Volume: 1000,
		}
	}
	return out
}

func TestOnTickBuildsMinuteBars(t *testing.T) {
	t.Parallel()

	e := New(&chartStub{}, testLogger())
	base := sessionMinute(0)
	e.OnTick(types.Tick{Code: "005930", Price: 72000, Qty: 10, Time: base.Add(5 * time.Second)})
	e.OnTick(types.Tick{Code: "005930", Price: 72200, Qty: 5, Time: base.Add(30 * time.Second)})
	e.OnTick(types.Tick{Code: "005930", Price: 71900, Qty: 7, Time: base.Add(50 * time.Second)})
	e.OnTick(types.Tick{Code: "005930", Price: 72100, Qty: 3, Time: base.Add(70 * time.Second)})

	bars := e.Bars1m("005930")
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	b := bars[0]
	if b.Open != 72000 || b.High != 72200 || b.Low != 71900 || b.Close != 71900 || b.Volume != 22 {
		t.Errorf("first bar = %+v", b)
	}
	if bars[1].Open != 72100 || bars[1].Volume != 3 {
		t.Errorf("second bar = %+v", bars[1])
	}
}

func TestOnTickTrimsBuffer(t *testing.T) {
	t.Parallel()

	e := New(&chartStub{}, testLogger())
	for i := 0; i < maxBars1m+30; i++ {
		e.OnTick(types.Tick{Code: "005930", Price: 72000, Qty: 1, Time: sessionMinute(i)})
	}
	if got := len(e.Bars1m("005930")); got != maxBars1m {
		t.Errorf("buffer length = %d, want %d", got, maxBars1m)
	}
}

func TestAlignmentNeutralWhenHistoryThin(t *testing.T) {
	t.Parallel()

	// Fallback serves only 5 bars: still below the MA20 requirement.
	stub := &chartStub{bars: bars15(5, func(i int) float64 { return 10000 + float64(i)*100 })}
	e := New(stub, testLogger())

	if got := e.Alignment(context.Background(), "005930"); got != AlignNeutral {
		t.Errorf("Alignment = %v, want NEUTRAL", got)
	}
	if stub.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", stub.calls)
	}
}

func TestAlignmentUpFromFallbackBars(t *testing.T) {
	t.Parallel()

	// Steadily rising closes keep MA3 > MA8 > MA20.
	stub := &chartStub{bars: bars15(20, func(i int) float64 { return 10000 + float64(i)*100 })}
	e := New(stub, testLogger())

	if got := e.Alignment(context.Background(), "005930"); got != AlignUp {
		t.Errorf("Alignment = %v, want UP", got)
	}
}

func TestAlignmentDownOnFallingCloses(t *testing.T) {
	t.Parallel()

	stub := &chartStub{bars: bars15(20, func(i int) float64 { return 20000 - float64(i)*100 })}
	e := New(stub, testLogger())

	if got := e.Alignment(context.Background(), "005930"); got != AlignDown {
		t.Errorf("Alignment = %v, want DOWN", got)
	}
}

func TestAlignmentFiveMinuteVeto(t *testing.T) {
	t.Parallel()

	// 15-min history from the chart endpoint is bullish, but the live 1-min
	// buffer shows the last 40 minutes falling: the 5-min frame must veto.
	stub := &chartStub{bars: bars15(20, func(i int) float64 { return 10000 + float64(i)*100 })}
	e := New(stub, testLogger())
	for i := 0; i < 45; i++ {
		p := 13000 - float64(i)*40
		e.OnTick(types.Tick{Code: "005930", Price: p, Qty: 1, Time: sessionMinute(i)})
	}

	if got := e.Alignment(context.Background(), "005930"); got != AlignDown {
		t.Errorf("Alignment = %v, want DOWN (5-min veto)", got)
	}
}

func TestATRFromFallback(t *testing.T) {
	t.Parallel()

	stub := &chartStub{bars: bars15(20, func(i int) float64 { return 10000 + float64(i)*100 })}
	e := New(stub, testLogger())

	atr, ok := e.ATR(context.Background(), "005930")
	if !ok {
		t.Fatal("ATR not available")
	}
	// Each bar spans 100 of range plus a 100 gap between closes; ATR must be
	// in that neighborhood, and definitely positive.
	if atr < 50 || atr > 500 {
		t.Errorf("ATR = %v, out of plausible range", atr)
	}
}

func TestATRUnavailableWhenThin(t *testing.T) {
	t.Parallel()

	stub := &chartStub{bars: bars15(10, func(i int) float64 { return 10000 }), err: nil}
	e := New(stub, testLogger())

	if _, ok := e.ATR(context.Background(), "005930"); ok {
		t.Error("ATR ok on 10 bars, want unavailable")
	}
}

func TestDropAndReset(t *testing.T) {
	t.Parallel()

	e := New(&chartStub{}, testLogger())
	e.OnTick(types.Tick{Code: "005930", Price: 72000, Qty: 1, Time: sessionMinute(0)})
	e.OnTick(types.Tick{Code: "000660", Price: 251000, Qty: 1, Time: sessionMinute(0)})

	e.Drop("005930")
	if len(e.Bars1m("005930")) != 0 {
		t.Error("Drop left bars behind")
	}
	if len(e.Bars1m("000660")) != 1 {
		t.Error("Drop removed the wrong code")
	}

	e.Reset()
	if len(e.Bars1m("000660")) != 0 {
		t.Error("Reset left bars behind")
	}
}
