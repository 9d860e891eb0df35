// Package estimator computes per-submission chunk deadlines from historical
// completion times, so timeouts tighten as the system accumulates history
// while a floor keeps cold starts sane.
package estimator

import (
	"context"
	"fmt"
	"time"

	"github.com/occusoft/occuplan/pkg/types"
)

// History is the completion-time lookup the estimator averages over. The
// boolean is false when no completed chunks match.
type History interface {
	AvgCompletionSeconds(ctx context.Context, spaceType types.SpaceType, intervalSeconds int64, since time.Time) (float64, bool, error)
}

type Config struct {
	// Multiplier scales the historical mean into a deadline.
	Multiplier float64 `yaml:"multiplier"`
	// MinSeconds is the deadline floor, returned whenever history is
	// missing or the scaled mean falls below it.
	MinSeconds int64 `yaml:"min_seconds"`
	// LookbackDays bounds how far back completions are averaged.
	LookbackDays int `yaml:"lookback_days"`
}

func DefaultConfig() Config {
	return Config{
		Multiplier:   2.0,
		MinSeconds:   900,
		LookbackDays: 30,
	}
}

type Estimator struct {
	hist History
	cfg  Config
	now  func() time.Time
}

func New(hist History, cfg Config) *Estimator {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.MinSeconds <= 0 {
		cfg.MinSeconds = DefaultConfig().MinSeconds
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultConfig().LookbackDays
	}
	return &Estimator{hist: hist, cfg: cfg, now: time.Now}
}

// Estimate returns the timeout in seconds for a chunk of the given type and
// interval: mean completion time over the lookback window times the
// multiplier, never below the configured floor.
func (e *Estimator) Estimate(ctx context.Context, spaceType types.SpaceType, intervalSeconds int64) (int64, error) {
	since := e.now().Add(-time.Duration(e.cfg.LookbackDays) * 24 * time.Hour)

	avg, ok, err := e.hist.AvgCompletionSeconds(ctx, spaceType, intervalSeconds, since)
	if err != nil {
		return 0, fmt.Errorf("completion history: %w", err)
	}
	if !ok || avg <= 0 {
		return e.cfg.MinSeconds, nil
	}

	timeout := int64(avg * e.cfg.Multiplier)
	if timeout < e.cfg.MinSeconds {
		return e.cfg.MinSeconds, nil
	}
	return timeout, nil
}
