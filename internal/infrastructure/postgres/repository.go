package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vn.io.arda/dirsync/internal/domain"
)

// Repository is the PostgreSQL implementation of domain.Repository.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new postgres Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the run-history tables if they do not exist.
// Called once at startup.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_runs (
			id           UUID PRIMARY KEY,
			app_id       TEXT NOT NULL,
			mode         TEXT NOT NULL,
			state        TEXT NOT NULL,
			triggered_by TEXT NOT NULL DEFAULT '',
			granted      INT NOT NULL DEFAULT 0,
			revoked      INT NOT NULL DEFAULT 0,
			skipped      INT NOT NULL DEFAULT 0,
			failed       INT NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_app ON sync_runs (app_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS sync_run_items (
			run_id         UUID NOT NULL REFERENCES sync_runs (id) ON DELETE CASCADE,
			action         TEXT NOT NULL,
			principal_id   TEXT NOT NULL,
			principal_kind TEXT NOT NULL,
			app_role_id    TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			error_kind     TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			attempts       INT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sync_run_items_run ON sync_run_items (run_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateRun inserts a run in its initial state.
func (r *Repository) CreateRun(ctx context.Context, run *domain.SyncRun) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, app_id, mode, state, triggered_by, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.AppID, string(run.Mode), string(run.State), run.TriggeredBy, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// UpdateState advances the persisted state of a run.
func (r *Repository) UpdateState(ctx context.Context, id uuid.UUID, state domain.RunState) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sync_runs SET state = $1 WHERE id = $2`, string(state), id)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// FinishRun records the terminal state and report counters.
func (r *Repository) FinishRun(ctx context.Context, run *domain.SyncRun) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_runs
		SET state = $1, granted = $2, revoked = $3, skipped = $4, failed = $5,
		    error = $6, finished_at = $7
		WHERE id = $8
	`, string(run.State), run.Report.Granted, run.Report.Revoked, run.Report.Skipped,
		run.Report.FailedCount, run.Error, finished, run.ID)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

// RecordItems appends per-assignment outcomes for a run in one insert.
func (r *Repository) RecordItems(ctx context.Context, runID uuid.UUID, items []domain.ItemResult) error {
	if len(items) == 0 {
		return nil
	}

	const paramsPerRow = 9
	args := make([]any, 0, len(items)*paramsPerRow)
	values := make([]string, 0, len(items))
	for i, item := range items {
		base := i * paramsPerRow
		values = append(values, fmt.Sprintf(
			"($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			runID, string(item.Action),
			item.Assignment.Principal.ID, string(item.Assignment.Principal.Kind),
			item.Assignment.AppRoleID,
			string(item.Outcome), string(item.ErrorKind), item.Error, item.Attempts,
		)
	}

	query := "INSERT INTO sync_run_items (run_id, action, principal_id, principal_kind, app_role_id, outcome, error_kind, error, attempts) VALUES " +
		joinStrings(values, ",")

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run items: %w", err)
	}
	return nil
}

// GetRun fetches a single run with its item outcomes.
func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, app_id, mode, state, triggered_by, granted, revoked, skipped, failed,
		       error, started_at, finished_at
		FROM sync_runs WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewOpError(domain.KindNotFound, "postgres.GetRun",
				fmt.Errorf("run %s not found", id))
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT action, principal_id, principal_kind, app_role_id, outcome, error_kind, error, attempts
		FROM sync_run_items WHERE run_id = $1
		ORDER BY principal_id, app_role_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.ItemResult
		var action, kind, outcome, errKind string
		if err := rows.Scan(&action, &item.Assignment.Principal.ID, &kind,
			&item.Assignment.AppRoleID, &outcome, &errKind, &item.Error, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scan run item: %w", err)
		}
		item.Action = domain.ItemAction(action)
		item.Assignment.Principal.Kind = domain.PrincipalKind(kind)
		item.Outcome = domain.ItemOutcome(outcome)
		item.ErrorKind = domain.ErrorKind(errKind)
		run.Report.Items = append(run.Report.Items, item)
		if item.Outcome == domain.OutcomeFailed {
			run.Report.Failed = append(run.Report.Failed, item)
		}
	}
	return run, rows.Err()
}

// ListRuns fetches runs matching the filter, newest first.
func (r *Repository) ListRuns(ctx context.Context, f domain.RunFilter) ([]*domain.SyncRun, error) {
	query := `
		SELECT id, app_id, mode, state, triggered_by, granted, revoked, skipped, failed,
		       error, started_at, finished_at
		FROM sync_runs WHERE 1=1
	`
	var args []any
	paramIdx := 1

	if f.AppID != "" {
		query += fmt.Sprintf(" AND app_id = $%d", paramIdx)
		args = append(args, f.AppID)
		paramIdx++
	}
	if f.State != "" {
		query += fmt.Sprintf(" AND state = $%d", paramIdx)
		args = append(args, string(f.State))
		paramIdx++
	}

	if f.Limit <= 0 {
		f.Limit = 20
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", paramIdx, paramIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PurgeOlderThan deletes runs older than the given number of days.
func (r *Repository) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sync_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sync runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func joinStrings(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	result := parts[0]
	for _, p := range parts[1:] {
		result += sep + p
	}
	return result
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*domain.SyncRun, error) {
	var run domain.SyncRun
	var mode, state string
	err := row.Scan(&run.ID, &run.AppID, &mode, &state, &run.TriggeredBy,
		&run.Report.Granted, &run.Report.Revoked, &run.Report.Skipped, &run.Report.FailedCount,
		&run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.Mode = domain.SyncMode(mode)
	run.State = domain.RunState(state)
	return &run, nil
}
