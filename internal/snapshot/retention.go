package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/store"
)

// Cleaner deletes expired ephemeral snapshots. keep-forever snapshots and
// the newest snapshot of every unit are never touched, so a hibernated
// unit always keeps a recovery point.
type Cleaner struct {
	engine *Engine
	store  store.Store
	maxAge time.Duration
	logger *zap.Logger
}

func NewCleaner(engine *Engine, st store.Store, maxAge time.Duration, logger *zap.Logger) *Cleaner {
	return &Cleaner{engine: engine, store: st, maxAge: maxAge, logger: logger}
}

// Run sweeps on each tick until the context is canceled
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				c.logger.Warn("retention sweep failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("retention sweep", zap.Int("deleted", n))
			}
		}
	}
}

// Sweep deletes eligible snapshots once and reports how many went away
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	units, err := c.store.ListUnits(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-c.maxAge)
	deleted := 0

	for _, unit := range units {
		snaps, err := c.store.ListSnapshots(ctx, unit.ID)
		if err != nil {
			return deleted, err
		}
		var newest *fleet.Snapshot
		for _, snap := range snaps {
			if newest == nil || snap.CreatedAt.After(newest.CreatedAt) {
				newest = snap
			}
		}
		for _, snap := range snaps {
			if snap.Retention == fleet.RetentionKeep {
				continue
			}
			if newest != nil && snap.ID == newest.ID {
				continue
			}
			if snap.CreatedAt.After(cutoff) {
				continue
			}
			if err := c.engine.Delete(ctx, snap.ID); err != nil {
				c.logger.Warn("snapshot delete failed",
					zap.String("snapshot", snap.ID),
					zap.Error(err))
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}
