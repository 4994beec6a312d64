// Package report writes the end-of-day session summary and sends the
// operator digest.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"krx-momentum/internal/executor"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/state"
	"krx-momentum/pkg/types"
)

// Report is the JSON document written per session day.
type Report struct {
	Day            string                   `json:"day"`
	GeneratedAt    time.Time                `json:"generated_at"`
	StartingEquity decimal.Decimal          `json:"starting_equity"`
	RealizedPnL    decimal.Decimal          `json:"realized_pnl"`
	RealizedPct    string                   `json:"realized_pct"`
	ClosedTrades   []types.ClosedTrade      `json:"closed_trades"`
	OpenPositions  []types.Position         `json:"open_positions"` // Track-2 carries
	SkipCounts     map[types.SkipReason]int `json:"skip_counts"`
	StageCounts    map[int]int              `json:"stage_counts"` // staged-buy fills by stage
	RiskEvents     []types.RiskEvent        `json:"risk_events"`
	ReentryCount   int                      `json:"reentry_count"`
}

// Writer assembles and persists the daily report.
type Writer struct {
	store    *state.Store
	olog     *executor.OrderLog
	notifier notify.Notifier
	dir      string
	logger   *slog.Logger
	now      func() time.Time
}

// NewWriter creates a report writer rooted at dir (reports land in
// dir/reports).
func NewWriter(store *state.Store, olog *executor.OrderLog, notifier notify.Notifier, dir string, logger *slog.Logger) *Writer {
	return &Writer{
		store:    store,
		olog:     olog,
		notifier: notifier,
		dir:      filepath.Join(dir, "reports"),
		logger:   logger.With("component", "report"),
		now:      time.Now,
	}
}

// WriteEndOfDay builds the day's report, writes it to
// reports/report_YYYYMMDD.json, and sends the summary.
func (w *Writer) WriteEndOfDay(ctx context.Context) error {
	rep := w.build()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	path := w.Path(w.now())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	w.logger.Info("end-of-day report written",
		"path", path, "trades", len(rep.ClosedTrades), "pnl", rep.RealizedPnL.StringFixed(0))

	w.notifier.Send(ctx, w.summary(rep))
	return nil
}

// Path returns the report file for t's KST date.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.dir, "report_"+t.In(krx.KST).Format("20060102")+".json")
}

func (w *Writer) build() Report {
	snap := w.store.Snapshot()

	rep := Report{
		Day:            snap.Day,
		GeneratedAt:    w.now(),
		StartingEquity: snap.StartingEquity,
		RealizedPnL:    snap.DailyRealizedPnL,
		ClosedTrades:   w.store.ClosedTrades(),
		SkipCounts:     snap.SkipCounts,
		StageCounts:    make(map[int]int),
		RiskEvents:     snap.RiskEvents,
		ReentryCount:   snap.ReentryCount,
	}
	for _, p := range snap.Positions {
		rep.OpenPositions = append(rep.OpenPositions, p)
	}

	if !snap.StartingEquity.IsZero() {
		pct := snap.DailyRealizedPnL.Div(snap.StartingEquity).Mul(decimal.NewFromInt(100))
		rep.RealizedPct = pct.StringFixed(2) + "%"
	}

	attempts, err := w.olog.Today()
	if err != nil {
		w.logger.Warn("order log unreadable for report", "error", err)
	}
	for _, a := range attempts {
		if a.Stage > 0 && a.FilledQty > 0 {
			rep.StageCounts[a.Stage]++
		}
	}
	return rep
}

// summary renders the Telegram digest.
func (w *Writer) summary(rep Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s session report\n", rep.Day)
	fmt.Fprintf(&b, "realized P&L: %s원", rep.RealizedPnL.StringFixed(0))
	if rep.RealizedPct != "" {
		fmt.Fprintf(&b, " (%s)", rep.RealizedPct)
	}
	fmt.Fprintf(&b, "\ntrades closed: %d", len(rep.ClosedTrades))

	wins := 0
	for _, t := range rep.ClosedTrades {
		if t.PnL.IsPositive() {
			wins++
		}
	}
	if n := len(rep.ClosedTrades); n > 0 {
		fmt.Fprintf(&b, " (%d wins)", wins)
	}
	if n := len(rep.OpenPositions); n > 0 {
		fmt.Fprintf(&b, "\novernight positions: %d", n)
	}
	if n := len(rep.RiskEvents); n > 0 {
		fmt.Fprintf(&b, "\nrisk events: %d", n)
	}
	return b.String()
}
