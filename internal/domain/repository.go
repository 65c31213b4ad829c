package domain

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the port for run-history persistence.
// Implementations live in infrastructure/postgres.
type Repository interface {
	// CreateRun stores a new run in its initial state.
	CreateRun(ctx context.Context, run *SyncRun) error

	// UpdateState advances the persisted state of a run.
	UpdateState(ctx context.Context, id uuid.UUID, state RunState) error

	// FinishRun records the terminal state, report counters and
	// optional fatal error of a run.
	FinishRun(ctx context.Context, run *SyncRun) error

	// RecordItems appends per-assignment outcomes for a run.
	RecordItems(ctx context.Context, runID uuid.UUID, items []ItemResult) error

	// GetRun fetches a single run with its item outcomes.
	GetRun(ctx context.Context, id uuid.UUID) (*SyncRun, error)

	// ListRuns fetches runs matching the given filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*SyncRun, error)

	// PurgeOlderThan deletes runs older than the given number of days
	// (retention cleanup).
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}
