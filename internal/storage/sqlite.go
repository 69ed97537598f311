//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"maxent/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, record model.CheckpointRecord) error {
	payload, err := EncodeCheckpoint(record)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "checkpoints", record.RunID, payload)
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string) (model.CheckpointRecord, bool, error) {
	payload, ok, err := s.payload(ctx, "checkpoints", runID)
	if err != nil || !ok {
		return model.CheckpointRecord{}, false, err
	}
	record, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return record, true, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT run_id FROM checkpoints ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SaveCostHistory(ctx context.Context, history model.CostHistory) error {
	payload, err := EncodeCostHistory(history)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "cost_histories", history.RunID, payload)
}

func (s *SQLiteStore) GetCostHistory(ctx context.Context, runID string) (model.CostHistory, bool, error) {
	payload, ok, err := s.payload(ctx, "cost_histories", runID)
	if err != nil || !ok {
		return model.CostHistory{}, false, err
	}
	history, err := DecodeCostHistory(payload)
	if err != nil {
		return model.CostHistory{}, false, fmt.Errorf("decode cost history %s: %w", runID, err)
	}
	return history, true, nil
}

func (s *SQLiteStore) SaveDensityOfStates(ctx context.Context, record model.DensityOfStatesRecord) error {
	payload, err := EncodeDensityOfStates(record)
	if err != nil {
		return err
	}
	return s.upsert(ctx, "density_of_states", record.RunID, payload)
}

func (s *SQLiteStore) GetDensityOfStates(ctx context.Context, runID string) (model.DensityOfStatesRecord, bool, error) {
	payload, ok, err := s.payload(ctx, "density_of_states", runID)
	if err != nil || !ok {
		return model.DensityOfStatesRecord{}, false, err
	}
	record, err := DecodeDensityOfStates(payload)
	if err != nil {
		return model.DensityOfStatesRecord{}, false, fmt.Errorf("decode density of states %s: %w", runID, err)
	}
	return record, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// upsert writes payload under runID; table is one of the constant names
// created in createTables.
func (s *SQLiteStore) upsert(ctx context.Context, table, runID string, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+table+` (run_id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, runID, CurrentSchemaVersion, CurrentCodecVersion, payload)
	return err
}

func (s *SQLiteStore) payload(ctx context.Context, table, runID string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM `+table+` WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS cost_histories (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS density_of_states (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
