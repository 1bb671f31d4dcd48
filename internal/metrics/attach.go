package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/store"
)

// Attach subscribes the collectors to the event bus so recovery,
// replication, and hibernation activity shows up without the engine
// components knowing about Prometheus.
func (m *Metrics) Attach(bus events.Bus, st store.Store) error {
	err := bus.Subscribe("failover.*", func(ctx context.Context, ev events.Event) error {
		if ev.Type != events.FailoverComplete && ev.Type != events.FailoverFailed {
			return nil
		}
		outcome := "complete"
		if ev.Type == events.FailoverFailed {
			outcome = "failed"
		}
		strategy := string(fleet.StrategyNone)
		var meta struct {
			EventID  string `json:"event_id"`
			Strategy string `json:"strategy"`
		}
		if len(ev.Metadata) > 0 && json.Unmarshal(ev.Metadata, &meta) == nil && meta.Strategy != "" {
			strategy = meta.Strategy
		}
		elapsed := time.Duration(0)
		if meta.EventID != "" {
			if rec, err := st.GetEvent(ctx, meta.EventID); err == nil && !rec.FinishedAt.IsZero() {
				elapsed = rec.FinishedAt.Sub(rec.StartedAt)
			}
		}
		m.ObserveFailover(strategy, outcome, elapsed)
		return nil
	})
	if err != nil {
		return err
	}

	err = bus.Subscribe(string(events.ReplicationSynced), func(ctx context.Context, ev events.Event) error {
		if assoc, err := st.GetAssociation(ctx, ev.UnitID); err == nil {
			m.SetReplicationLag(assoc.ID, assoc.SyncLag)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = bus.Subscribe(string(events.HibernationStarted), func(ctx context.Context, ev events.Event) error {
		m.HibernationsTotal.Inc()
		return nil
	})
	if err != nil {
		return err
	}

	return bus.Subscribe(string(events.SnapshotCreated), func(ctx context.Context, ev events.Event) error {
		if ev.UnitID == "" {
			return nil
		}
		if snap, err := st.LatestSnapshot(ctx, ev.UnitID); err == nil {
			m.ObserveSnapshot("create", snap.TotalSize, 0)
		}
		return nil
	})
}
