package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/store"
)

// Sweeper expires completed analyses whose retention window has lapsed.
// Expiry is a status flip; findings and vectors stay until a purge removes
// the owner's data.
type Sweeper struct {
	store  *store.Store
	cfg    config.AnalysisConfig
	logger *slog.Logger
	clock  func() time.Time
}

// SweeperOption adjusts sweeper construction.
type SweeperOption func(*Sweeper)

// WithSweeperClock substitutes the time source.
func WithSweeperClock(fn func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.clock = fn }
}

// NewSweeper builds the retention sweeper.
func NewSweeper(st *store.Store, cfg config.AnalysisConfig, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "analysis"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately, then on the configured interval until ctx is
// canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires every overdue analysis and reports how many moved.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := s.store.ExpireAnalyses(ctx, s.clock().UTC())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "retention sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "analyses expired", "count", n)
	}
	return n
}
