// Package schedule drives the engine's daily rhythm: cron-fired session
// events in KST and the high-frequency tick loop. Daily events are
// suppressed on weekends and KRX holidays; the tick loop skips a beat
// rather than queueing when a cycle overruns the interval.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"krx-momentum/internal/krx"
)

// Scheduler wraps cron with trading-day suppression.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler running on the KST clock.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(krx.KST)),
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddDaily registers fn at hh:mm:ss KST every trading day. Weekends and
// holidays are skipped at fire time, so a holiday calendar update needs no
// re-registration.
func (s *Scheduler) AddDaily(name string, hour, min, sec int, fn func()) error {
	spec := cronSpec(hour, min, sec)
	_, err := s.cron.AddFunc(spec, s.guarded(name, fn))
	if err != nil {
		return err
	}
	s.logger.Info("daily event registered", "event", name, "at", timeLabel(hour, min, sec))
	return nil
}

// guarded wraps fn with the trading-day check applied at fire time.
func (s *Scheduler) guarded(name string, fn func()) func() {
	return func() {
		if !krx.IsTradingDay(s.now()) {
			s.logger.Debug("daily event suppressed on a non-trading day", "event", name)
			return
		}
		s.logger.Info("daily event", "event", name)
		fn()
	}
}

func cronSpec(hour, min, sec int) string {
	return fmt.Sprintf("%d %d %d * * *", sec, min, hour)
}

func timeLabel(hour, min, sec int) string {
	return fmt.Sprintf("%02d:%02d:%02d", hour, min, sec)
}

// TickLoop calls fn every interval until ctx is cancelled. A cycle that
// overruns the interval causes the next beat to be skipped, never queued.
func TickLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
			// Drop a beat that queued up while fn overran the interval.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}
