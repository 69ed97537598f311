package storage

import (
	"context"

	"maxent/internal/model"
)

// Store persists run state keyed by run id. Getters report absence with
// ok=false and a nil error.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, record model.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, runID string) (model.CheckpointRecord, bool, error)
	ListCheckpoints(ctx context.Context) ([]string, error)
	SaveCostHistory(ctx context.Context, history model.CostHistory) error
	GetCostHistory(ctx context.Context, runID string) (model.CostHistory, bool, error)
	SaveDensityOfStates(ctx context.Context, record model.DensityOfStatesRecord) error
	GetDensityOfStates(ctx context.Context, runID string) (model.DensityOfStatesRecord, bool, error)
}
