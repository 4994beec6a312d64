// inputs.go loads the artifacts the external pre-open agents publish into
// the data directory: the macro regime assessment and the scanner
// watchlist. The engine only consumes these files; producing them is the
// macro/scanner side's job.
package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"krx-momentum/internal/krx"
	"krx-momentum/pkg/types"
)

const (
	regimeFile    = "regime.json"
	watchlistFile = "watchlist.json"
)

// watchlistDoc is the scanner's output file: ranked entries plus the
// per-code trade-intensity scores.
type watchlistDoc struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Entries     []types.WatchlistEntry `json:"entries"`
	Intensity   map[string]float64     `json:"intensity,omitempty"`
}

// loadRegime reads the macro agent's regime.json. A missing, unreadable,
// or stale (pre-midnight) file clears the stored regime, so the strategist
// falls back to the neutral default instead of trading on yesterday's view.
func (e *Engine) loadRegime() {
	path := filepath.Join(e.cfg.Store.DataDir, regimeFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("no macro regime published")
		} else {
			e.logger.Error("read regime file", "error", err)
		}
		e.store.ClearRegime()
		return
	}

	var r types.RegimeSnapshot
	if err := json.Unmarshal(data, &r); err != nil {
		e.logger.Error("unmarshal regime file", "error", err)
		e.store.ClearRegime()
		return
	}
	if r.UpdatedAt.Before(krx.At(e.now(), 0, 0, 0)) {
		e.logger.Warn("macro regime is stale, ignoring", "updated_at", r.UpdatedAt)
		e.store.ClearRegime()
		return
	}

	e.store.SetRegime(r)
	e.logger.Info("macro regime loaded",
		"label", r.RegimeLabel, "risk", r.Risk, "position_mult", r.PositionMult)
}

// loadWatchlist reads the scanner's watchlist.json, replaces the stored
// watchlist and intensity scores, and subscribes the feed to every entry.
func (e *Engine) loadWatchlist() {
	path := filepath.Join(e.cfg.Store.DataDir, watchlistFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Warn("no watchlist published")
		} else {
			e.logger.Error("read watchlist file", "error", err)
		}
		return
	}

	var doc watchlistDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		e.logger.Error("unmarshal watchlist file", "error", err)
		return
	}

	e.store.SetWatchlist(doc.Entries)
	for code, score := range doc.Intensity {
		e.store.SetIntensity(code, score)
	}
	for _, w := range doc.Entries {
		e.subscribeCode(w.Code)
	}
	e.logger.Info("watchlist loaded",
		"entries", len(doc.Entries), "generated_at", doc.GeneratedAt)
}
