package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"maxent/internal/model"
)

// MemoryStore keeps encoded records so callers never share slices with it.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string][]byte
	costs       map[string][]byte
	dos         map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[string][]byte)
	s.costs = make(map[string][]byte)
	s.dos = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, record model.CheckpointRecord) error {
	payload, err := EncodeCheckpoint(record)
	if err != nil {
		return err
	}
	return s.put(func() { s.checkpoints[record.RunID] = payload })
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string) (model.CheckpointRecord, bool, error) {
	payload, ok, err := s.get(func() ([]byte, bool) {
		p, ok := s.checkpoints[runID]
		return p, ok
	})
	if err != nil || !ok {
		return model.CheckpointRecord{}, false, err
	}
	record, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}
	return record, true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized
	}
	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveCostHistory(_ context.Context, history model.CostHistory) error {
	payload, err := EncodeCostHistory(history)
	if err != nil {
		return err
	}
	return s.put(func() { s.costs[history.RunID] = payload })
}

func (s *MemoryStore) GetCostHistory(_ context.Context, runID string) (model.CostHistory, bool, error) {
	payload, ok, err := s.get(func() ([]byte, bool) {
		p, ok := s.costs[runID]
		return p, ok
	})
	if err != nil || !ok {
		return model.CostHistory{}, false, err
	}
	history, err := DecodeCostHistory(payload)
	if err != nil {
		return model.CostHistory{}, false, err
	}
	return history, true, nil
}

func (s *MemoryStore) SaveDensityOfStates(_ context.Context, record model.DensityOfStatesRecord) error {
	payload, err := EncodeDensityOfStates(record)
	if err != nil {
		return err
	}
	return s.put(func() { s.dos[record.RunID] = payload })
}

func (s *MemoryStore) GetDensityOfStates(_ context.Context, runID string) (model.DensityOfStatesRecord, bool, error) {
	payload, ok, err := s.get(func() ([]byte, bool) {
		p, ok := s.dos[runID]
		return p, ok
	})
	if err != nil || !ok {
		return model.DensityOfStatesRecord{}, false, err
	}
	record, err := DecodeDensityOfStates(payload)
	if err != nil {
		return model.DensityOfStatesRecord{}, false, err
	}
	return record, true, nil
}

var errNotInitialized = errors.New("store is not initialized")

func (s *MemoryStore) put(write func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	write()
	return nil
}

func (s *MemoryStore) get(read func() ([]byte, bool)) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, false, errNotInitialized
	}
	payload, ok := read()
	return payload, ok, nil
}
