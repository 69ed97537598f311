package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"maxent/internal/model"
)

const (
	checkpointPrefix = "checkpoint/"
	costPrefix       = "cost/"
	dosPrefix        = "dos/"
)

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs; nil silences them.
	Logger *slog.Logger
}

// BadgerStore keeps one key per record kind and run id.
type BadgerStore struct {
	cfg BadgerConfig

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(cfg BadgerConfig) *BadgerStore {
	return &BadgerStore{cfg: cfg}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if s.cfg.Path == "" {
			return errors.New("badger path is required")
		}
		if err := os.MkdirAll(s.cfg.Path, 0o750); err != nil {
			return fmt.Errorf("create badger directory %s: %w", s.cfg.Path, err)
		}
		opts = badger.DefaultOptions(s.cfg.Path)
	}
	opts = opts.WithSyncWrites(s.cfg.SyncWrites).WithNumVersionsToKeep(1)
	if s.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) SaveCheckpoint(ctx context.Context, record model.CheckpointRecord) error {
	payload, err := EncodeCheckpoint(record)
	if err != nil {
		return err
	}
	return s.set(ctx, checkpointPrefix+record.RunID, payload)
}

func (s *BadgerStore) GetCheckpoint(ctx context.Context, runID string) (model.CheckpointRecord, bool, error) {
	payload, ok, err := s.lookup(ctx, checkpointPrefix+runID)
	if err != nil || !ok {
		return model.CheckpointRecord{}, false, err
	}
	record, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return record, true, nil
}

func (s *BadgerStore) ListCheckpoints(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			ids = append(ids, key[len(checkpointPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BadgerStore) SaveCostHistory(ctx context.Context, history model.CostHistory) error {
	payload, err := EncodeCostHistory(history)
	if err != nil {
		return err
	}
	return s.set(ctx, costPrefix+history.RunID, payload)
}

func (s *BadgerStore) GetCostHistory(ctx context.Context, runID string) (model.CostHistory, bool, error) {
	payload, ok, err := s.lookup(ctx, costPrefix+runID)
	if err != nil || !ok {
		return model.CostHistory{}, false, err
	}
	history, err := DecodeCostHistory(payload)
	if err != nil {
		return model.CostHistory{}, false, fmt.Errorf("decode cost history %s: %w", runID, err)
	}
	return history, true, nil
}

func (s *BadgerStore) SaveDensityOfStates(ctx context.Context, record model.DensityOfStatesRecord) error {
	payload, err := EncodeDensityOfStates(record)
	if err != nil {
		return err
	}
	return s.set(ctx, dosPrefix+record.RunID, payload)
}

func (s *BadgerStore) GetDensityOfStates(ctx context.Context, runID string) (model.DensityOfStatesRecord, bool, error) {
	payload, ok, err := s.lookup(ctx, dosPrefix+runID)
	if err != nil || !ok {
		return model.DensityOfStatesRecord{}, false, err
	}
	record, err := DecodeDensityOfStates(payload)
	if err != nil {
		return model.DensityOfStatesRecord{}, false, fmt.Errorf("decode density of states %s: %w", runID, err)
	}
	return record, true, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) set(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
}

func (s *BadgerStore) lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}
