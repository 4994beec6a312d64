package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"krx-momentum/internal/broker"
	"krx-momentum/pkg/types"
)

const snapshotFile = "market_snapshot.json"

// FileSampler reads the macro snapshot the external macro tooling writes to
// <dir>/market_snapshot.json on its own cadence. The watcher only consumes
// it; sourcing VIX, KOSPI, FX, and large-cap prints is the macro side's job.
type FileSampler struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
}

// NewFileSampler creates a sampler over dir. Snapshots older than maxAge
// are rejected as stale.
func NewFileSampler(dir string, maxAge time.Duration) *FileSampler {
	return &FileSampler{
		path:   filepath.Join(dir, snapshotFile),
		maxAge: maxAge,
		now:    time.Now,
	}
}

type snapshotDoc struct {
	VIXChangePct    float64   `json:"vix_change_pct"`
	KospiChangePct  float64   `json:"kospi_change_pct"`
	USDKRWMoveWon   float64   `json:"usd_krw_move_won"`
	LargeCapDownTen float64   `json:"large_cap_down_ten"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Sample reads and validates the snapshot file.
func (s *FileSampler) Sample(_ context.Context) (types.ShockSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return types.ShockSnapshot{}, fmt.Errorf("read market snapshot: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.ShockSnapshot{}, fmt.Errorf("unmarshal market snapshot: %w", err)
	}
	if age := s.now().Sub(doc.UpdatedAt); age > s.maxAge {
		return types.ShockSnapshot{}, fmt.Errorf("market snapshot %s old: %w", age.Round(time.Second), broker.ErrStaleData)
	}
	return types.ShockSnapshot{
		VIXChangePct:    doc.VIXChangePct,
		KospiChangePct:  doc.KospiChangePct,
		USDKRWMoveWon:   doc.USDKRWMoveWon,
		LargeCapDownTen: doc.LargeCapDownTen,
	}, nil
}
