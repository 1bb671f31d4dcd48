// Package replication keeps a standby's copy of a primary unit's state
// continuously current. Rounds for one association are strictly
// sequential: a round that overruns its interval delays the next round,
// it never overlaps it.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/store"
)

// Item is one changed file carried in a sync round
type Item struct {
	Path    string
	Data    []byte
	ModTime time.Time
}

// Source yields the files changed since the last successful round
type Source interface {
	Changed(ctx context.Context, since time.Time) ([]Item, error)
	Close() error
}

// Target applies a batch of changed files to the standby copy
type Target interface {
	Apply(ctx context.Context, items []Item) error
}

// Channel replicates one association. Run drives rounds from a single
// goroutine, which is what serializes them.
type Channel struct {
	assocID string
	store   store.Store
	source  Source
	target  Target
	bus     events.Bus
	cfg     config.ReplicationConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	lastSync time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewChannel(assocID string, st store.Store, source Source, target Target, bus events.Bus, cfg config.ReplicationConfig, logger *zap.Logger) *Channel {
	var limiter *rate.Limiter
	if cfg.BandwidthBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBytes), cfg.BandwidthBytes)
	}
	return &Channel{
		assocID: assocID,
		store:   st,
		source:  source,
		target:  target,
		bus:     bus,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run ticks until stopped. Blocking I/O inside a round only delays this
// association's next round, never another unit's.
func (c *Channel) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.RunRound(ctx); err != nil {
				c.logger.Warn("replication round failed",
					zap.String("association", c.assocID),
					zap.Error(err))
			}
		}
	}
}

// Stop halts the loop and waits for an in-flight round to finish
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// RunRound executes one sync round. Safe to call directly in tests; the
// mutex keeps concurrent callers sequential.
func (c *Channel) RunRound(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	roundCtx := ctx
	if c.cfg.RoundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, c.cfg.RoundTimeout)
		defer cancel()
	}

	started := time.Now()
	items, err := c.source.Changed(roundCtx, c.lastSync)
	if err != nil {
		return fmt.Errorf("collect changes: %w", err)
	}

	if c.limiter != nil {
		for _, item := range items {
			n := len(item.Data)
			if n > c.limiter.Burst() {
				n = c.limiter.Burst()
			}
			if err := c.limiter.WaitN(roundCtx, n); err != nil {
				return fmt.Errorf("bandwidth wait: %w", err)
			}
		}
	}

	if len(items) > 0 {
		if err := c.target.Apply(roundCtx, items); err != nil {
			return fmt.Errorf("apply changes: %w", err)
		}
	}

	c.lastSync = time.Now()
	if err := c.recordSync(roundCtx, started); err != nil {
		return err
	}

	if c.bus != nil && len(items) > 0 {
		_ = c.bus.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Type:      events.ReplicationSynced,
			UnitID:    c.assocID,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("%d files", len(items)),
		})
	}
	return nil
}

func (c *Channel) recordSync(ctx context.Context, started time.Time) error {
	assoc, err := c.store.GetAssociation(ctx, c.assocID)
	if err != nil {
		return err
	}
	assoc.LastSync = c.lastSync
	assoc.SyncLag = time.Since(started)
	return c.store.PutAssociation(ctx, assoc)
}

// LastSync reports when the standby copy last matched the primary
func (c *Channel) LastSync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}
