package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 内存实现，供测试与单机部署使用
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string][]Event
	snapshots   map[string]*Instance
	correlation map[string]string // correlationId -> sagaId
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]Event),
		snapshots:   make(map[string]*Instance),
		correlation: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, ev Event) (*Instance, error) {
	inst, err := Fold(nil, ev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.correlation[inst.CorrelationID]; exists {
		return nil, ErrDuplicateCorrelation
	}
	if _, exists := s.snapshots[inst.SagaID]; exists {
		return nil, ErrVersionConflict
	}

	s.events[inst.SagaID] = []Event{ev}
	s.snapshots[inst.SagaID] = inst
	s.correlation[inst.CorrelationID] = inst.SagaID
	return inst.Clone(), nil
}

func (s *MemoryStore) Append(_ context.Context, expectedVersion int64, ev Event) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.snapshots[ev.SagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	if inst.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next, err := Fold(inst, ev)
	if err != nil {
		return nil, err
	}

	s.events[ev.SagaID] = append(s.events[ev.SagaID], ev)
	s.snapshots[ev.SagaID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.snapshots[sagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sagaID, ok := s.correlation[correlationID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return s.snapshots[sagaID].Clone(), nil
}

func (s *MemoryStore) Events(_ context.Context, sagaID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.events[sagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.snapshots {
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateTimeMs > out[j].UpdateTimeMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStuck(_ context.Context, updatedBeforeMs int64, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, inst := range s.snapshots {
		if inst.Status.Active() && inst.UpdateTimeMs < updatedBeforeMs {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdateTimeMs < out[j].UpdateTimeMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int64)
	for _, inst := range s.snapshots {
		counts[inst.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, beforeMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for sagaID, inst := range s.snapshots {
		if inst.Status.Terminal() && inst.UpdateTimeMs < beforeMs {
			delete(s.snapshots, sagaID)
			delete(s.events, sagaID)
			delete(s.correlation, inst.CorrelationID)
			deleted++
		}
	}
	return deleted, nil
}
