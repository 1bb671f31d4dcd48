package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/FleetForge/bastion/internal/fleet"
)

// BadgerStore persists records in an embedded Badger database so the
// control plane survives its own restarts without external infrastructure.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func unitKey(id string) []byte        { return []byte("unit:" + id) }
func assocKey(id string) []byte       { return []byte("assoc:" + id) }
func snapshotKey(id string) []byte    { return []byte("snap:" + id) }
func eventKey(id string) []byte       { return []byte("event:" + id) }
func hibernationKey(id string) []byte { return []byte("hib:" + id) }

func (s *BadgerStore) put(key []byte, v interface{}) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, v interface{}, notFound error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return notFound
			}
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
	return err
}

func (s *BadgerStore) scan(prefix string, fn func(data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) PutUnit(ctx context.Context, u *fleet.ComputeUnit) error {
	return s.put(unitKey(u.ID), u)
}

func (s *BadgerStore) GetUnit(ctx context.Context, id string) (*fleet.ComputeUnit, error) {
	var u fleet.ComputeUnit
	if err := s.get(unitKey(id), &u, fleet.ErrUnitNotFound); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BadgerStore) ListUnits(ctx context.Context) ([]*fleet.ComputeUnit, error) {
	var out []*fleet.ComputeUnit
	err := s.scan("unit:", func(data []byte) error {
		var u fleet.ComputeUnit
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	})
	return out, err
}

func (s *BadgerStore) PutAssociation(ctx context.Context, a *fleet.StandbyAssociation) error {
	if a.Active {
		existing, err := s.ActiveAssociation(ctx, a.PrimaryID)
		if err == nil && existing.ID != a.ID {
			return fleet.ErrAssociationExists
		}
	}
	return s.put(assocKey(a.ID), a)
}

func (s *BadgerStore) GetAssociation(ctx context.Context, id string) (*fleet.StandbyAssociation, error) {
	var a fleet.StandbyAssociation
	if err := s.get(assocKey(id), &a, fleet.ErrAssociationNotFound); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BadgerStore) ActiveAssociation(ctx context.Context, primaryID string) (*fleet.StandbyAssociation, error) {
	var found *fleet.StandbyAssociation
	err := s.scan("assoc:", func(data []byte) error {
		var a fleet.StandbyAssociation
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.Active && a.PrimaryID == primaryID {
			found = &a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fleet.ErrAssociationNotFound
	}
	return found, nil
}

func (s *BadgerStore) ListAssociations(ctx context.Context) ([]*fleet.StandbyAssociation, error) {
	var out []*fleet.StandbyAssociation
	err := s.scan("assoc:", func(data []byte) error {
		var a fleet.StandbyAssociation
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

func (s *BadgerStore) PutSnapshot(ctx context.Context, snap *fleet.Snapshot) error {
	return s.put(snapshotKey(snap.ID), snap)
}

func (s *BadgerStore) GetSnapshot(ctx context.Context, id string) (*fleet.Snapshot, error) {
	var snap fleet.Snapshot
	if err := s.get(snapshotKey(id), &snap, fleet.ErrSnapshotNotFound); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BadgerStore) LatestSnapshot(ctx context.Context, unitID string) (*fleet.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, unitID)
	if err != nil {
		return nil, err
	}
	var latest *fleet.Snapshot
	for _, snap := range snaps {
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, fleet.ErrSnapshotNotFound
	}
	return latest, nil
}

func (s *BadgerStore) ListSnapshots(ctx context.Context, unitID string) ([]*fleet.Snapshot, error) {
	var out []*fleet.Snapshot
	err := s.scan("snap:", func(data []byte) error {
		var snap fleet.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		if snap.SourceUnitID == unitID {
			out = append(out, &snap)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) DeleteSnapshot(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(snapshotKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fleet.ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(snapshotKey(id))
	})
}

func (s *BadgerStore) PutEvent(ctx context.Context, e *fleet.FailoverEvent) error {
	existing, err := s.GetEvent(ctx, e.ID)
	if err == nil && existing.Terminal() {
		return nil
	}
	return s.put(eventKey(e.ID), e)
}

func (s *BadgerStore) GetEvent(ctx context.Context, id string) (*fleet.FailoverEvent, error) {
	var e fleet.FailoverEvent
	if err := s.get(eventKey(id), &e, fleet.ErrFailoverNotFound); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) ListEvents(ctx context.Context, unitID string) ([]*fleet.FailoverEvent, error) {
	var out []*fleet.FailoverEvent
	err := s.scan("event:", func(data []byte) error {
		var e fleet.FailoverEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.UnitID == unitID {
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys are random ids, so restore chronological order here
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *BadgerStore) PutHibernation(ctx context.Context, h *fleet.HibernationState) error {
	return s.put(hibernationKey(h.UnitID), h)
}

func (s *BadgerStore) GetHibernation(ctx context.Context, unitID string) (*fleet.HibernationState, error) {
	var h fleet.HibernationState
	if err := s.get(hibernationKey(unitID), &h, fleet.ErrUnitNotFound); err != nil {
		return nil, err
	}
	return &h, nil
}
