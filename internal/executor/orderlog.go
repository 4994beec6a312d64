// orderlog.go persists every order attempt to a daily JSON-lines file
// (outputs/orders_YYYYMMDD.json). Attempts go through a bounded queue
// drained by a background goroutine so the order path never blocks on disk;
// when the queue is full the record is written synchronously instead of
// being dropped. The queue is flushed on shutdown.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"krx-momentum/internal/krx"
	"krx-momentum/pkg/types"
)

// AttemptKind labels the order attempt for the log.
type AttemptKind string

const (
	AttemptBuyIOC     AttemptKind = "BUY_IOC"
	AttemptBuyMarket  AttemptKind = "BUY_MARKET"
	AttemptSellIOC    AttemptKind = "SELL_IOC"
	AttemptSellMarket AttemptKind = "SELL_MARKET"
	AttemptCancel     AttemptKind = "CANCEL"
)

// Attempt is one order attempt record.
type Attempt struct {
	ID            string           `json:"id"` // client-side attempt id
	Code          string           `json:"code"`
	Kind          AttemptKind      `json:"kind"`
	Stage         int              `json:"stage,omitempty"` // 1..3 for staged buys
	Qty           int64            `json:"qty"`
	LimitPrice    float64          `json:"limit_price,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	FilledQty     int64            `json:"filled_qty"`
	AvgFillPrice  float64          `json:"avg_fill_price,omitempty"`
	Status        types.OrderState `json:"status"`
	RequestedAt   time.Time        `json:"requested_at"`
	CompletedAt   time.Time        `json:"completed_at"`
	Error         string           `json:"error,omitempty"`
}

// OrderLog writes attempts to the day's file.
type OrderLog struct {
	dir    string
	ch     chan Attempt
	logger *slog.Logger
	now    func() time.Time

	fileMu sync.Mutex // serializes appends from the drainer and the sync fallback
}

// NewOrderLog creates the log rooted at dir.
func NewOrderLog(dir string, queueSize int, logger *slog.Logger) (*OrderLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create order log dir: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &OrderLog{
		dir:    dir,
		ch:     make(chan Attempt, queueSize),
		logger: logger.With("component", "orderlog"),
		now:    time.Now,
	}, nil
}

// Run drains the queue until ctx is cancelled, then flushes what remains.
func (l *OrderLog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case a := <-l.ch:
			l.append(a)
		}
	}
}

func (l *OrderLog) flush() {
	for {
		select {
		case a := <-l.ch:
			l.append(a)
		default:
			return
		}
	}
}

// Record queues an attempt. A full queue degrades to a synchronous append
// so no attempt is ever lost.
func (l *OrderLog) Record(a Attempt) {
	select {
	case l.ch <- a:
	default:
		l.append(a)
	}
}

// Path returns the log file for the given time's KST date.
func (l *OrderLog) Path(t time.Time) string {
	return filepath.Join(l.dir, "orders_"+t.In(krx.KST).Format("20060102")+".json")
}

// Today returns all attempts recorded for today, oldest first.
func (l *OrderLog) Today() ([]Attempt, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	data, err := os.ReadFile(l.Path(l.now()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read order log: %w", err)
	}
	var out []Attempt
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var a Attempt
		if err := dec.Decode(&a); err != nil {
			return out, fmt.Errorf("decode order log line: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (l *OrderLog) append(a Attempt) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	line, err := json.Marshal(a)
	if err != nil {
		l.logger.Error("marshal order attempt", "error", err)
		return
	}
	f, err := os.OpenFile(l.Path(a.RequestedAt), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		l.logger.Error("open order log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Error("append order log", "error", err)
	}
}
