package privacy

import (
	"context"
	"log/slog"
	"time"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/store"
)

// RetentionSweeper deletes audit records older than the retention window.
// Anonymized rows age out like any other; retention is about the row's age,
// not its contents.
type RetentionSweeper struct {
	store  *store.Store
	cfg    config.AuditConfig
	logger *slog.Logger
	clock  func() time.Time
}

// SweeperOption adjusts sweeper construction.
type SweeperOption func(*RetentionSweeper)

// WithSweeperClock substitutes the time source.
func WithSweeperClock(fn func() time.Time) SweeperOption {
	return func(s *RetentionSweeper) { s.clock = fn }
}

// NewRetentionSweeper builds the audit retention sweeper.
func NewRetentionSweeper(st *store.Store, cfg config.AuditConfig, opts ...SweeperOption) *RetentionSweeper {
	s := &RetentionSweeper{
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "privacy"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately, then on the configured interval until ctx is
// canceled.
func (s *RetentionSweeper) Run(ctx context.Context) error {
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

// SweepOnce purges every audit record past retention and reports how many
// rows went.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) int64 {
	cutoff := s.clock().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.store.PurgeExpiredAudit(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "audit retention sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired audit records purged", "count", n, "cutoff", cutoff)
	}
	return n
}
