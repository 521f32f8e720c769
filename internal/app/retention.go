package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const pruneTimeout = 30 * time.Second

type EventPruner interface {
	DeleteSessionEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionPruner deletes audit events older than the retention window.
type RetentionPruner struct {
	store     EventPruner
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewRetentionPruner(store EventPruner, retention time.Duration, logger *zap.Logger) *RetentionPruner {
	return &RetentionPruner{store: store, retention: retention, logger: logger, now: time.Now}
}

// Start prunes once immediately and then at every UTC midnight until ctx is done.
func (p *RetentionPruner) Start(ctx context.Context) {
	p.runOnce(ctx)

	timer := time.NewTimer(untilNextMidnight(p.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.runOnce(ctx)
			timer.Reset(untilNextMidnight(p.now()))
		}
	}
}

func (p *RetentionPruner) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	cutoff := p.now().UTC().Add(-p.retention)
	n, err := p.store.DeleteSessionEventsBefore(ctx, cutoff)
	if err != nil {
		p.logger.Warn("failed to prune session events", zap.Time("before", cutoff), zap.Error(err))
		return
	}
	p.logger.Info("pruned session events", zap.Time("before", cutoff), zap.Int64("deleted", n))
}

func untilNextMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}
