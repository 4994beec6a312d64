// ws.go implements the KIS realtime websocket feed.
//
// One connection carries both streams the engine needs:
//
//   - H0STCNT0 — trade prints (price, day change, cumulative volume)
//   - H0STASP0 — level-1 quote updates (best ask/bid)
//
// Data frames arrive pipe-delimited ("0|TRID|count|f0^f1^...") and control
// frames as JSON (subscription acks, PINGPONG). Parsed updates land in
// per-code fan-out channels where the latest snapshot wins, and in latest-
// value maps serving the QuoteSource reads. Trade arrival times go into a
// 100-entry ring per code so TickSpeed(code) counts prints within the last
// second.
//
// Reconnect policy: up to WSReconnects attempts, WSReconnectGap apart, with
// all subscriptions re-sent after a successful reconnect. When the attempts
// are exhausted the feed fires its onDown callback — the engine raises risk
// level CRITICAL and blocks entries — and Run returns broker.ErrFeedDown.
package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"krx-momentum/internal/broker"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/metrics"
	"krx-momentum/pkg/types"
)

const (
	trTrade = "H0STCNT0"
	trQuote = "H0STASP0"

	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second

	tickRingSize = 100
)

// H0STCNT0 caret-separated field positions.
const (
	tradeFieldCode      = 0
	tradeFieldTime      = 1 // HHMMSS
	tradeFieldPrice     = 2
	tradeFieldChangePct = 5
	tradeFieldQty       = 12
	tradeFieldCumVolume = 13
)

// H0STASP0 caret-separated field positions.
const (
	quoteFieldCode = 0
	quoteFieldTime = 1
	quoteFieldAsk1 = 3
	quoteFieldBid1 = 13
)

// tickRing stores the most recent trade arrival timestamps for one code.
type tickRing struct {
	times [tickRingSize]time.Time
	next  int
}

func (r *tickRing) add(t time.Time) {
	r.times[r.next] = t
	r.next = (r.next + 1) % tickRingSize
}

// countSince reports how many stored timestamps are at or after cutoff.
func (r *tickRing) countSince(cutoff time.Time) int {
	n := 0
	for _, t := range r.times {
		if !t.IsZero() && !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// Feed manages the realtime websocket connection and fan-out.
type Feed struct {
	url        string
	approval   func(ctx context.Context) (string, error)
	reconnects int
	gap        time.Duration
	onDown     func()
	logger     *slog.Logger
	now        func() time.Time

	connMu sync.Mutex
	conn   *websocket.Conn

	mu         sync.RWMutex
	tradeSubs  map[string]chan types.Tick
	quoteSubs  map[string]chan types.Quote
	latestTick map[string]types.Tick
	latestQ    map[string]types.Quote
	tickRings  map[string]*tickRing
}

var _ broker.QuoteSource = (*Feed)(nil)

// NewFeed creates a feed. approval supplies the websocket approval key on
// (re)connect; onDown fires when reconnects are exhausted.
func NewFeed(url string, approval func(ctx context.Context) (string, error), reconnects int, gap time.Duration, logger *slog.Logger, onDown func()) *Feed {
	return &Feed{
		url:        url,
		approval:   approval,
		reconnects: reconnects,
		gap:        gap,
		onDown:     onDown,
		logger:     logger.With("component", "kis_ws"),
		now:        time.Now,
		tradeSubs:  make(map[string]chan types.Tick),
		quoteSubs:  make(map[string]chan types.Quote),
		latestTick: make(map[string]types.Tick),
		latestQ:    make(map[string]types.Quote),
		tickRings:  make(map[string]*tickRing),
	}
}

// SubscribeTrade registers code on the trade stream. Repeat subscribers for
// the same code share one channel.
func (f *Feed) SubscribeTrade(code string) (<-chan types.Tick, error) {
	f.mu.Lock()
	ch, ok := f.tradeSubs[code]
	if !ok {
		ch = make(chan types.Tick, 1)
		f.tradeSubs[code] = ch
		f.tickRings[code] = &tickRing{}
	}
	f.mu.Unlock()
	if !ok {
		if err := f.sendSubscribe(trTrade, code); err != nil {
			// Connection may not be up yet; the subscription is replayed
			// on connect.
			f.logger.Debug("subscribe deferred", "tr", trTrade, "code", code, "error", err)
		}
	}
	return ch, nil
}

// SubscribeQuote registers code on the level-1 quote stream.
func (f *Feed) SubscribeQuote(code string) (<-chan types.Quote, error) {
	f.mu.Lock()
	ch, ok := f.quoteSubs[code]
	if !ok {
		ch = make(chan types.Quote, 1)
		f.quoteSubs[code] = ch
	}
	f.mu.Unlock()
	if !ok {
		if err := f.sendSubscribe(trQuote, code); err != nil {
			f.logger.Debug("subscribe deferred", "tr", trQuote, "code", code, "error", err)
		}
	}
	return ch, nil
}

// LatestQuote returns the most recent quote snapshot for code.
func (f *Feed) LatestQuote(code string) (types.Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.latestQ[code]
	return q, ok
}

// LatestTick returns the most recent trade print for code.
func (f *Feed) LatestTick(code string) (types.Tick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.latestTick[code]
	return t, ok
}

// TickSpeed returns how many trades printed in the last second.
func (f *Feed) TickSpeed(code string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.tickRings[code]
	if !ok {
		return 0
	}
	return r.countSince(f.now().Add(-time.Second))
}

// Run connects and reads until ctx is cancelled or reconnects are exhausted.
func (f *Feed) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		metrics.WSReconnectsTotal.Inc()
		if attempts >= f.reconnects {
			f.logger.Error("websocket reconnects exhausted", "attempts", attempts, "error", err)
			if f.onDown != nil {
				f.onDown()
			}
			return broker.ErrFeedDown
		}
		f.logger.Warn("websocket disconnected, reconnecting", "attempt", attempts, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.gap):
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	key, err := f.approval(ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(key); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected", "url", f.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

// subscribeMsg is the KIS subscription request frame.
type subscribeMsg struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"` // "1" subscribe, "2" unsubscribe
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func (f *Feed) resubscribe(key string) error {
	f.mu.RLock()
	trades := make([]string, 0, len(f.tradeSubs))
	for code := range f.tradeSubs {
		trades = append(trades, code)
	}
	quotes := make([]string, 0, len(f.quoteSubs))
	for code := range f.quoteSubs {
		quotes = append(quotes, code)
	}
	f.mu.RUnlock()

	for _, code := range trades {
		if err := f.writeSubscribe(key, trTrade, code); err != nil {
			return err
		}
	}
	for _, code := range quotes {
		if err := f.writeSubscribe(key, trQuote, code); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) sendSubscribe(trID, code string) error {
	key, err := f.approval(context.Background())
	if err != nil {
		return err
	}
	return f.writeSubscribe(key, trID, code)
}

func (f *Feed) writeSubscribe(key, trID, code string) error {
	var msg subscribeMsg
	msg.Header.ApprovalKey = key
	msg.Header.CustType = "P"
	msg.Header.TrType = "1"
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TrID = trID
	msg.Body.Input.TrKey = code
	return f.writeJSON(msg)
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// dispatch routes one raw frame. Data frames start with '0' (plain) or '1'
// (encrypted, unused here); everything else is a JSON control frame.
func (f *Feed) dispatch(data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] == '0' || data[0] == '1' {
		parts := strings.SplitN(string(data), "|", 4)
		if len(parts) < 4 {
			f.logger.Debug("short data frame", "frame", string(data))
			return
		}
		switch parts[1] {
		case trTrade:
			f.handleTrade(parts[3])
		case trQuote:
			f.handleQuote(parts[3])
		}
		return
	}

	var ctrl struct {
		Header struct {
			TrID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			Msg1 string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &ctrl); err != nil {
		f.logger.Debug("ignoring unparseable control frame", "data", string(data))
		return
	}
	if ctrl.Header.TrID == "PINGPONG" {
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			f.conn.WriteMessage(websocket.TextMessage, data)
		}
		f.connMu.Unlock()
		return
	}
	f.logger.Debug("control frame", "tr_id", ctrl.Header.TrID, "msg", ctrl.Body.Msg1)
}

func (f *Feed) handleTrade(payload string) {
	fields := strings.Split(payload, "^")
	if len(fields) <= tradeFieldCumVolume {
		return
	}
	price, err := strconv.ParseFloat(fields[tradeFieldPrice], 64)
	if err != nil || price <= 0 {
		return
	}
	qty, _ := strconv.ParseInt(fields[tradeFieldQty], 10, 64)
	cum, _ := strconv.ParseInt(fields[tradeFieldCumVolume], 10, 64)
	chg, _ := strconv.ParseFloat(fields[tradeFieldChangePct], 64)

	tick := types.Tick{
		Code:      fields[tradeFieldCode],
		Price:     price,
		Qty:       qty,
		DayChange: chg,
		CumVolume: cum,
		Time:      stampToday(fields[tradeFieldTime], f.now()),
	}

	f.mu.Lock()
	f.latestTick[tick.Code] = tick
	if r, ok := f.tickRings[tick.Code]; ok {
		r.add(f.now())
	}
	ch := f.tradeSubs[tick.Code]
	f.mu.Unlock()

	publishLatest(ch, tick)
}

func (f *Feed) handleQuote(payload string) {
	fields := strings.Split(payload, "^")
	if len(fields) <= quoteFieldBid1 {
		return
	}
	ask1, err := strconv.ParseFloat(fields[quoteFieldAsk1], 64)
	if err != nil {
		return
	}
	bid1, _ := strconv.ParseFloat(fields[quoteFieldBid1], 64)

	code := fields[quoteFieldCode]
	f.mu.Lock()
	last := f.latestTick[code].Price
	cum := f.latestTick[code].CumVolume
	q := types.Quote{
		Code:      code,
		LastPrice: last,
		Ask1:      ask1,
		Bid1:      bid1,
		Volume:    cum,
		Time:      stampToday(fields[quoteFieldTime], f.now()),
	}
	f.latestQ[code] = q
	ch := f.quoteSubs[code]
	f.mu.Unlock()

	publishLatest(ch, q)
}

// publishLatest delivers v on a capacity-1 channel, displacing a stale
// unread value so the reader always sees the newest snapshot.
func publishLatest[T any](ch chan T, v T) {
	if ch == nil {
		return
	}
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// stampToday combines an exchange HHMMSS with today's KST date. A bad stamp
// falls back to the arrival time.
func stampToday(hhmmss string, now time.Time) time.Time {
	if len(hhmmss) != 6 {
		return now
	}
	h, err1 := strconv.Atoi(hhmmss[0:2])
	m, err2 := strconv.Atoi(hhmmss[2:4])
	s, err3 := strconv.Atoi(hhmmss[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return now
	}
	return krx.At(now, h, m, s)
}
