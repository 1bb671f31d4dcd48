// Package failover drives recovery of lost compute units. It selects a
// strategy (warm pool sibling, cross-location standby, snapshot rebuild),
// runs it with automatic fallback to the next path, and keeps an
// append-only audit trail of every attempt.
package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/store"
)

// flight is one in-progress recovery for a unit
type flight struct {
	mu        sync.Mutex
	event     *fleet.FailoverEvent
	cancelled bool
	restoring bool
	done      chan struct{}
}

func (f *flight) snapshot() *fleet.FailoverEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.event
	cp.Attempts = append([]fleet.StrategyAttempt(nil), f.event.Attempts...)
	cp.Phases = append([]fleet.PhaseRecord(nil), f.event.Phases...)
	return &cp
}

// Progress lets a strategy report phase transitions and honor the
// cancellation window. Once BeginRestore succeeds, cancellation is
// deferred until the restore finishes.
type Progress struct {
	o  *Orchestrator
	fl *flight
}

func (p *Progress) Phase(ctx context.Context, phase fleet.FailoverPhase) {
	p.o.recordPhase(ctx, p.fl, phase)
}

// BeginRestore marks the point of no return for cancellation
func (p *Progress) BeginRestore(ctx context.Context) error {
	p.fl.mu.Lock()
	if p.fl.cancelled {
		p.fl.mu.Unlock()
		return context.Canceled
	}
	p.fl.restoring = true
	p.fl.mu.Unlock()
	p.o.recordPhase(ctx, p.fl, fleet.PhaseRestore)
	return nil
}

// Recorder receives terminal events for durable audit history
type Recorder interface {
	Record(ctx context.Context, ev *fleet.FailoverEvent) error
}

// Orchestrator is the top-level recovery state machine
type Orchestrator struct {
	store      store.Store
	bus        events.Bus
	cfg        config.FailoverConfig
	strategies []Strategy
	hibernator *Hibernator
	recorder   Recorder
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// SetRecorder attaches a durable audit sink for terminal events
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

func NewOrchestrator(st store.Store, bus events.Bus, cfg config.FailoverConfig,
	strategies []Strategy, hib *Hibernator, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		bus:        bus,
		cfg:        cfg,
		strategies: orderStrategies(strategies, cfg.StrategyOrder),
		hibernator: hib,
		logger:     logger,
		inflight:   make(map[string]*flight),
	}
}

// orderStrategies sorts by the configured preference order, keeping the
// default order for any names the config omits
func orderStrategies(strategies []Strategy, order []string) []Strategy {
	if len(order) == 0 {
		return strategies
	}
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	sorted := make([]Strategy, 0, len(strategies))
	for _, name := range order {
		for _, s := range strategies {
			if string(s.Name()) == name {
				sorted = append(sorted, s)
			}
		}
	}
	for _, s := range strategies {
		if _, ok := rank[string(s.Name())]; !ok {
			sorted = append(sorted, s)
		}
	}
	return sorted
}

// Listen subscribes the orchestrator to monitor events. Unreachable
// units trigger recovery, idle units trigger hibernation.
func (o *Orchestrator) Listen() error {
	if o.bus == nil {
		return nil
	}
	err := o.bus.Subscribe(string(events.UnreachableDetected), func(ctx context.Context, ev events.Event) error {
		_, err := o.Execute(ctx, ev.UnitID, "unreachable")
		return err
	})
	if err != nil {
		return err
	}
	if o.hibernator == nil {
		return nil
	}
	return o.bus.Subscribe(string(events.IdleDetected), func(ctx context.Context, ev events.Event) error {
		return o.hibernator.Hibernate(ctx, ev.UnitID)
	})
}

// Execute runs a recovery for the unit and blocks until it finishes.
// A second call for the same unit while one is in flight returns the
// in-flight event instead of starting a duplicate.
func (o *Orchestrator) Execute(ctx context.Context, unitID, reason string) (*fleet.FailoverEvent, error) {
	o.mu.Lock()
	if fl, ok := o.inflight[unitID]; ok {
		o.mu.Unlock()
		return fl.snapshot(), nil
	}
	fl := &flight{
		event: &fleet.FailoverEvent{
			ID:        uuid.NewString(),
			UnitID:    unitID,
			Reason:    reason,
			Strategy:  fleet.StrategyNone,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	o.inflight[unitID] = fl
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inflight, unitID)
		o.mu.Unlock()
		close(fl.done)
	}()

	o.recordPhase(ctx, fl, fleet.PhaseDetect)
	if unit, err := o.store.GetUnit(ctx, unitID); err == nil {
		unit.Status = fleet.UnitFailingOver
		unit.UpdatedAt = time.Now()
		_ = o.store.PutUnit(ctx, unit)
	}

	return o.runChain(ctx, unitID, fl)
}

func (o *Orchestrator) runChain(ctx context.Context, unitID string, fl *flight) (*fleet.FailoverEvent, error) {
	progress := &Progress{o: o, fl: fl}
	activated := false
	attempted := 0

	for _, strat := range o.strategies {
		if fl.isCancelled() {
			return o.finish(ctx, fl, fleet.StrategyNone, nil, fmt.Errorf("cancelled"))
		}
		ok, err := strat.Applicable(ctx, unitID)
		if err != nil {
			o.logger.Warn("strategy probe failed",
				zap.String("unit", unitID),
				zap.String("strategy", string(strat.Name())),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if !activated {
			o.recordPhase(ctx, fl, fleet.PhaseActivate)
			activated = true
		}

		attempted++
		fl.mu.Lock()
		fl.event.Attempts = append(fl.event.Attempts, fleet.StrategyAttempt{
			Strategy:  strat.Name(),
			StartedAt: time.Now(),
		})
		idx := len(fl.event.Attempts) - 1
		fl.mu.Unlock()

		o.logger.Info("attempting recovery",
			zap.String("unit", unitID),
			zap.String("strategy", string(strat.Name())))
		result, err := strat.Attempt(ctx, unitID, progress)
		if err != nil {
			fl.mu.Lock()
			fl.event.Attempts[idx].Error = err.Error()
			fl.mu.Unlock()
			o.logger.Warn("strategy failed, falling through",
				zap.String("unit", unitID),
				zap.String("strategy", string(strat.Name())),
				zap.Error(err))
			continue
		}
		return o.finish(ctx, fl, strat.Name(), result, nil)
	}

	if attempted == 0 {
		return o.finish(ctx, fl, fleet.StrategyNone, nil, fleet.ErrNoRecoveryPath)
	}
	return o.finish(ctx, fl, fleet.StrategyNone, nil, fleet.ErrStrategiesExhausted)
}

func (o *Orchestrator) finish(ctx context.Context, fl *flight, strat fleet.Strategy, result *Result, cause error) (*fleet.FailoverEvent, error) {
	fl.mu.Lock()
	ev := fl.event
	ev.FinishedAt = time.Now()
	if cause != nil {
		ev.Outcome = fleet.PhaseFailed
		ev.Error = cause.Error()
	} else {
		ev.Outcome = fleet.PhaseComplete
		ev.Strategy = strat
		ev.NewUnitID = result.NewUnit.ID
		ev.DataLossWindow = result.DataLoss
	}
	ev.Phases = append(ev.Phases, fleet.PhaseRecord{Phase: ev.Outcome, Timestamp: ev.FinishedAt})
	final := fl.snapshotLocked()
	fl.mu.Unlock()

	if err := o.store.PutEvent(ctx, final); err != nil {
		o.logger.Error("audit write failed", zap.String("event", final.ID), zap.Error(err))
	}
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, final); err != nil {
			o.logger.Error("durable audit write failed", zap.String("event", final.ID), zap.Error(err))
		}
	}

	if cause != nil {
		o.publish(ctx, events.FailoverFailed, final)
		o.logger.Error("recovery failed",
			zap.String("unit", final.UnitID),
			zap.Int("strategies_tried", len(final.Attempts)),
			zap.Error(cause))
		return final, cause
	}
	o.publish(ctx, events.FailoverComplete, final)
	o.logger.Info("recovery complete",
		zap.String("unit", final.UnitID),
		zap.String("strategy", string(strat)),
		zap.String("new_unit", final.NewUnitID),
		zap.Duration("data_loss", final.DataLossWindow))
	return final, nil
}

func (fl *flight) snapshotLocked() *fleet.FailoverEvent {
	cp := *fl.event
	cp.Attempts = append([]fleet.StrategyAttempt(nil), fl.event.Attempts...)
	cp.Phases = append([]fleet.PhaseRecord(nil), fl.event.Phases...)
	return &cp
}

func (fl *flight) isCancelled() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.cancelled
}

// Cancel interrupts an in-flight failover by event id. Once the restore
// phase has begun the request is refused so the target is never left
// half-written.
func (o *Orchestrator) Cancel(eventID string) error {
	o.mu.Lock()
	var target *flight
	for _, fl := range o.inflight {
		fl.mu.Lock()
		if fl.event.ID == eventID {
			target = fl
		}
		fl.mu.Unlock()
		if target != nil {
			break
		}
	}
	o.mu.Unlock()

	if target == nil {
		return fleet.ErrFailoverNotFound
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.restoring {
		return fleet.ErrCancelTooLate
	}
	target.cancelled = true
	return nil
}

// Status returns the in-flight event for a unit, or the most recent
// completed one.
func (o *Orchestrator) Status(ctx context.Context, unitID string) (*fleet.FailoverEvent, error) {
	o.mu.Lock()
	fl, ok := o.inflight[unitID]
	o.mu.Unlock()
	if ok {
		return fl.snapshot(), nil
	}
	history, err := o.store.ListEvents(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fleet.ErrFailoverNotFound
	}
	return history[len(history)-1], nil
}

func (o *Orchestrator) recordPhase(ctx context.Context, fl *flight, phase fleet.FailoverPhase) {
	fl.mu.Lock()
	fl.event.Phases = append(fl.event.Phases, fleet.PhaseRecord{
		Phase:     phase,
		Timestamp: time.Now(),
	})
	snap := fl.snapshotLocked()
	fl.mu.Unlock()

	if err := o.store.PutEvent(ctx, snap); err != nil {
		o.logger.Error("audit write failed", zap.String("event", snap.ID), zap.Error(err))
	}
	o.publish(ctx, events.FailoverPhase, snap)
}

func (o *Orchestrator) publish(ctx context.Context, kind events.EventType, ev *fleet.FailoverEvent) {
	if o.bus == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"event_id": ev.ID,
		"strategy": ev.Strategy,
		"phase":    ev.Phases[len(ev.Phases)-1].Phase,
	})
	_ = o.bus.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      kind,
		UnitID:    ev.UnitID,
		Timestamp: time.Now(),
		Metadata:  meta,
	})
}
