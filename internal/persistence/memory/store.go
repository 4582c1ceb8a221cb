// Package memory is a map-backed Store for backtests and local runs. It
// honors the same forward-only version protocol as the postgres backend
// so engine persistence paths behave identically.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/persistence"
)

// Store keeps all durable state in process memory.
type Store struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	pyramids  map[domain.Instrument]domain.PyramidState
	aggregate *domain.PortfolioAggregate
	signals   map[string]domain.SignalLogEntry
	instances map[string]domain.InstanceMetadata
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		pyramids:  make(map[domain.Instrument]domain.PyramidState),
		signals:   make(map[string]domain.SignalLogEntry),
		instances: make(map[string]domain.InstanceMetadata),
	}
}

func (s *Store) SavePosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return persistence.ErrDuplicate
	}
	s.positions[p.ID] = *p
	return nil
}

func (s *Store) UpdatePosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.positions[p.ID]
	if !ok || stored.Version >= p.Version {
		return persistence.ErrVersionConflict
	}
	s.positions[p.ID] = *p
	return nil
}

func (s *Store) GetOpenPositions(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionOpen && p.IsBasePosition {
			out = append(out, p)
		}
	}
	for _, p := range s.positions {
		if p.Status == domain.PositionOpen && !p.IsBasePosition {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) SavePyramidState(_ context.Context, ps *domain.PyramidState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pyramids[ps.Instrument] = *ps
	return nil
}

func (s *Store) DeletePyramidState(_ context.Context, instrument domain.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pyramids, instrument)
	return nil
}

func (s *Store) GetPyramidStates(context.Context) ([]domain.PyramidState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PyramidState, 0, len(s.pyramids))
	for _, ps := range s.pyramids {
		out = append(out, ps)
	}
	return out, nil
}

func (s *Store) SavePortfolioAggregate(_ context.Context, agg *domain.PortfolioAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggregate != nil && s.aggregate.Version >= agg.Version {
		return persistence.ErrVersionConflict
	}
	cp := *agg
	s.aggregate = &cp
	return nil
}

func (s *Store) GetPortfolioAggregate(context.Context) (*domain.PortfolioAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggregate == nil {
		return nil, persistence.ErrNotFound
	}
	cp := *s.aggregate
	return &cp, nil
}

func (s *Store) LogSignal(_ context.Context, entry *domain.SignalLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[entry.Fingerprint]; ok {
		return persistence.ErrDuplicate
	}
	s.signals[entry.Fingerprint] = *entry
	return nil
}

func (s *Store) UpdateSignalStatus(_ context.Context, fingerprint string, status domain.SignalStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.signals[fingerprint]
	if !ok {
		return persistence.ErrNotFound
	}
	entry.Status = status
	entry.Result = result
	s.signals[fingerprint] = entry
	return nil
}

func (s *Store) IsDuplicateFingerprint(_ context.Context, fingerprint string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.signals[fingerprint]
	return ok, nil
}

func (s *Store) PruneSignalLog(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var deleted int64
	for fp, entry := range s.signals {
		if entry.ReceivedAt.Before(cutoff) {
			delete(s.signals, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) UpsertHeartbeat(_ context.Context, meta *domain.InstanceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[meta.InstanceID] = *meta
	return nil
}

func (s *Store) SetLeaderFlag(_ context.Context, instanceID string, isLeader bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.instances[instanceID]
	meta.InstanceID = instanceID
	meta.IsLeader = isLeader
	if isLeader {
		meta.LeaderAcquiredAt = &at
	} else {
		meta.LeaderAcquiredAt = nil
	}
	s.instances[instanceID] = meta
	return nil
}

func (s *Store) FreshLeaders(_ context.Context, freshWithin time.Duration) ([]domain.InstanceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-freshWithin)
	var out []domain.InstanceMetadata
	for _, meta := range s.instances {
		if meta.IsLeader && meta.LastHeartbeat.After(cutoff) {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (s *Store) RecordLeadershipAcquired(context.Context, string, string, time.Time) error {
	return nil
}

func (s *Store) RecordLeadershipReleased(context.Context, string, time.Time) error {
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

var _ persistence.Store = (*Store)(nil)
