package store

import (
	"context"
	"sort"
	"sync"

	"github.com/FleetForge/bastion/internal/fleet"
)

// MemoryStore keeps everything in process. Used by tests and single-node
// deployments that accept losing records on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	units        map[string]*fleet.ComputeUnit
	associations map[string]*fleet.StandbyAssociation
	snapshots    map[string]*fleet.Snapshot
	events       map[string]*fleet.FailoverEvent
	hibernation  map[string]*fleet.HibernationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:        make(map[string]*fleet.ComputeUnit),
		associations: make(map[string]*fleet.StandbyAssociation),
		snapshots:    make(map[string]*fleet.Snapshot),
		events:       make(map[string]*fleet.FailoverEvent),
		hibernation:  make(map[string]*fleet.HibernationState),
	}
}

func (s *MemoryStore) PutUnit(ctx context.Context, u *fleet.ComputeUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.units[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUnit(ctx context.Context, id string) (*fleet.ComputeUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return nil, fleet.ErrUnitNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUnits(ctx context.Context) ([]*fleet.ComputeUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	units := make([]*fleet.ComputeUnit, 0, len(s.units))
	for _, u := range s.units {
		cp := *u
		units = append(units, &cp)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (s *MemoryStore) PutAssociation(ctx context.Context, a *fleet.StandbyAssociation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Active {
		for _, existing := range s.associations {
			if existing.Active && existing.PrimaryID == a.PrimaryID && existing.ID != a.ID {
				return fleet.ErrAssociationExists
			}
		}
	}
	cp := *a
	s.associations[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAssociation(ctx context.Context, id string) (*fleet.StandbyAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.associations[id]
	if !ok {
		return nil, fleet.ErrAssociationNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ActiveAssociation(ctx context.Context, primaryID string) (*fleet.StandbyAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.associations {
		if a.Active && a.PrimaryID == primaryID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fleet.ErrAssociationNotFound
}

func (s *MemoryStore) ListAssociations(ctx context.Context) ([]*fleet.StandbyAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fleet.StandbyAssociation, 0, len(s.associations))
	for _, a := range s.associations {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutSnapshot(ctx context.Context, snap *fleet.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	cp.Chunks = append([]fleet.ChunkInfo(nil), snap.Chunks...)
	s.snapshots[snap.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, id string) (*fleet.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fleet.ErrSnapshotNotFound
	}
	cp := *snap
	cp.Chunks = append([]fleet.ChunkInfo(nil), snap.Chunks...)
	return &cp, nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, unitID string) (*fleet.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *fleet.Snapshot
	for _, snap := range s.snapshots {
		if snap.SourceUnitID != unitID {
			continue
		}
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, fleet.ErrSnapshotNotFound
	}
	cp := *latest
	cp.Chunks = append([]fleet.ChunkInfo(nil), latest.Chunks...)
	return &cp, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, unitID string) ([]*fleet.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*fleet.Snapshot
	for _, snap := range s.snapshots {
		if snap.SourceUnitID != unitID {
			continue
		}
		cp := *snap
		cp.Chunks = append([]fleet.ChunkInfo(nil), snap.Chunks...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[id]; !ok {
		return fleet.ErrSnapshotNotFound
	}
	delete(s.snapshots, id)
	return nil
}

func (s *MemoryStore) PutEvent(ctx context.Context, e *fleet.FailoverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[e.ID]; ok && existing.Terminal() {
		// Audit records are append-only once terminal
		return nil
	}
	cp := *e
	cp.Attempts = append([]fleet.StrategyAttempt(nil), e.Attempts...)
	cp.Phases = append([]fleet.PhaseRecord(nil), e.Phases...)
	s.events[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*fleet.FailoverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fleet.ErrFailoverNotFound
	}
	cp := *e
	cp.Attempts = append([]fleet.StrategyAttempt(nil), e.Attempts...)
	cp.Phases = append([]fleet.PhaseRecord(nil), e.Phases...)
	return &cp, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, unitID string) ([]*fleet.FailoverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*fleet.FailoverEvent
	for _, e := range s.events {
		if e.UnitID != unitID {
			continue
		}
		cp := *e
		cp.Attempts = append([]fleet.StrategyAttempt(nil), e.Attempts...)
		cp.Phases = append([]fleet.PhaseRecord(nil), e.Phases...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) PutHibernation(ctx context.Context, h *fleet.HibernationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.hibernation[h.UnitID] = &cp
	return nil
}

func (s *MemoryStore) GetHibernation(ctx context.Context, unitID string) (*fleet.HibernationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hibernation[unitID]
	if !ok {
		return nil, fleet.ErrUnitNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) Close() error { return nil }
