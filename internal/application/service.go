package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vn.io.arda/dirsync/internal/diff"
	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/executor"
)

// RunEvent is broadcast to subscribers as a run moves through its
// states.
type RunEvent struct {
	RunID uuid.UUID       `json:"run_id"`
	AppID string          `json:"app_id"`
	State domain.RunState `json:"state"`
	// Run is populated on terminal events.
	Run *domain.SyncRun `json:"run,omitempty"`
}

// EventSink receives run events. The HTTP SSE hub implements it; a
// no-op sink can be used for testing and one-shot CLI runs.
type EventSink interface {
	Broadcast(appID string, event RunEvent)
}

// Service coordinates fetch, diff and apply for one application. It is
// the only component that mutates the directory.
type Service struct {
	directory domain.Directory
	desired   domain.DesiredSource
	repo      domain.Repository
	exec      *executor.Executor
	sink      EventSink

	// One run at a time per application id.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the orchestrator. repo and sink may be nil for
// one-shot CLI runs without persistence or subscribers.
func NewService(directory domain.Directory, desired domain.DesiredSource, repo domain.Repository, exec *executor.Executor, sink EventSink) *Service {
	return &Service{
		directory: directory,
		desired:   desired,
		repo:      repo,
		exec:      exec,
		sink:      sink,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Sync executes one reconciliation run:
//
//	Idle -> Fetching -> Diffing -> Applying -> Done | Failed
//
// Fetch failures abort before any mutation. In manual mode the delta
// is computed and surfaced but only applied with explicit
// confirmation; the unconfirmed run finishes as Done with an untouched
// directory. Partial apply failures still finish as Done, surfaced
// through the run report. The returned error is non-nil only for fatal
// run outcomes.
func (s *Service) Sync(ctx context.Context, req domain.SyncRequest) (*domain.SyncRun, error) {
	if req.AppID == "" {
		return nil, domain.NewOpError(domain.KindConfig, "sync", fmt.Errorf("application id is required"))
	}
	if s.desired == nil {
		return nil, domain.NewOpError(domain.KindConfig, "sync", fmt.Errorf("no desired-state source configured"))
	}
	if req.Mode == "" {
		req.Mode = domain.ModeAuto
	}

	lock := s.runLock(req.AppID)
	if !lock.TryLock() {
		return nil, domain.ErrRunInProgress
	}
	defer lock.Unlock()

	run := &domain.SyncRun{
		ID:          uuid.New(),
		AppID:       req.AppID,
		Mode:        req.Mode,
		State:       domain.StateFetching,
		TriggeredBy: req.TriggeredBy,
		StartedAt:   time.Now(),
	}
	s.persistCreate(ctx, run)
	s.broadcast(run)

	log.Info().
		Str("run_id", run.ID.String()).
		Str("app_id", run.AppID).
		Str("mode", string(run.Mode)).
		Str("triggered_by", run.TriggeredBy).
		Msg("sync run started")

	// Fetching. Both states are immutable snapshots for this run; any
	// failure here fails the run before a single mutation.
	currentList, err := s.directory.ListAssignments(ctx, req.AppID)
	if err != nil {
		return s.fail(ctx, run, fmt.Errorf("fetch current state: %w", err))
	}
	current := domain.NewAssignmentSet(currentList...)

	desired, err := s.desired.Desired(ctx)
	if err != nil {
		return s.fail(ctx, run, fmt.Errorf("fetch desired state: %w", err))
	}

	// Diffing is pure and cannot fail.
	s.transition(ctx, run, domain.StateDiffing)
	run.Delta = diff.Diff(current, desired)

	if desired.Len() == 0 && len(run.Delta.ToRevoke) > 0 && !req.ConfirmFullRevoke {
		return s.fail(ctx, run, domain.ErrFullRevokeNotConfirmed)
	}

	if run.Delta.Empty() {
		log.Info().Str("run_id", run.ID.String()).Msg("directory already converged, nothing to apply")
		return s.finish(ctx, run), nil
	}

	if req.Mode == domain.ModeManual && !s.confirmed(req, run.Delta) {
		log.Info().
			Str("run_id", run.ID.String()).
			Int("to_grant", len(run.Delta.ToGrant)).
			Int("to_revoke", len(run.Delta.ToRevoke)).
			Msg("manual run not confirmed, leaving directory untouched")
		return s.finish(ctx, run), nil
	}

	// Cooperative cancellation point before the first mutation.
	if err := ctx.Err(); err != nil {
		return s.fail(ctx, run, fmt.Errorf("run cancelled before apply: %w", err))
	}

	s.transition(ctx, run, domain.StateApplying)
	run.Report = s.exec.Apply(ctx, req.AppID, run.Delta)
	s.persistItems(ctx, run)

	// Partial failure is not a fatal run outcome.
	finished := s.finish(ctx, run)
	log.Info().
		Str("run_id", run.ID.String()).
		Int("granted", run.Report.Granted).
		Int("revoked", run.Report.Revoked).
		Int("skipped", run.Report.Skipped).
		Int("failed", run.Report.FailedCount).
		Msg("sync run finished")
	return finished, nil
}

// confirmed decides whether a manual-mode delta may be applied.
func (s *Service) confirmed(req domain.SyncRequest, delta domain.Delta) bool {
	if req.ConfirmApply {
		return true
	}
	if req.Confirm != nil {
		return req.Confirm(delta)
	}
	return false
}

// ListAssignments returns the current assignment state of the
// application's service principal, sorted for stable output.
func (s *Service) ListAssignments(ctx context.Context, appID string) ([]domain.Assignment, error) {
	assignments, err := s.directory.ListAssignments(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return domain.NewAssignmentSet(assignments...).Sorted(), nil
}

// ListAssignedUsers resolves the effective user population of the
// application: directly assigned users plus the members of every
// assigned group, with userPrincipalName enrichment. Enrichment
// failures degrade to the unenriched principal rather than failing the
// listing.
func (s *Service) ListAssignedUsers(ctx context.Context, appID string) ([]domain.Principal, error) {
	assignments, err := s.directory.ListAssignments(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	seen := make(map[string]struct{})
	var users []domain.Principal

	add := func(p domain.Principal) {
		if _, dup := seen[p.ID]; dup {
			return
		}
		seen[p.ID] = struct{}{}
		users = append(users, p)
	}

	for _, a := range assignments {
		switch a.Principal.Kind {
		case domain.KindUser:
			add(a.Principal)
		case domain.KindGroup:
			members, err := s.directory.ListGroupMembers(ctx, a.Principal.ID)
			if err != nil {
				return nil, fmt.Errorf("expand group %s: %w", a.Principal.ID, err)
			}
			for _, m := range members {
				if m.Kind == domain.KindUser {
					add(m)
				}
			}
		}
	}

	for i, u := range users {
		if u.Email != "" {
			continue
		}
		enriched, err := s.directory.GetUser(ctx, u.ID)
		if err != nil {
			log.Debug().Str("user", u.ID).Err(err).Msg("user enrichment failed")
			continue
		}
		users[i] = enriched
	}
	return users, nil
}

// Run fetches a past run with its per-item outcomes.
func (s *Service) Run(ctx context.Context, idStr string) (*domain.SyncRun, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, domain.NewOpError(domain.KindConfig, "run", fmt.Errorf("invalid run id: %w", err))
	}
	if s.repo == nil {
		return nil, domain.NewOpError(domain.KindConfig, "run", fmt.Errorf("run history is not configured"))
	}
	return s.repo.GetRun(ctx, id)
}

// Runs lists past runs, newest first.
func (s *Service) Runs(ctx context.Context, filter domain.RunFilter) ([]*domain.SyncRun, error) {
	if s.repo == nil {
		return nil, domain.NewOpError(domain.KindConfig, "runs", fmt.Errorf("run history is not configured"))
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return s.repo.ListRuns(ctx, filter)
}

// PurgeTTL deletes old runs. Called by a background scheduler.
func (s *Service) PurgeTTL(ctx context.Context, days int) {
	if s.repo == nil {
		return
	}
	count, err := s.repo.PurgeOlderThan(ctx, days)
	if err != nil {
		log.Error().Err(err).Msg("run history purge failed")
		return
	}
	log.Info().Int64("deleted", count).Int("older_than_days", days).Msg("run history purge completed")
}

// --- state machine helpers ---

func (s *Service) runLock(appID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[appID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[appID] = lock
	}
	return lock
}

func (s *Service) transition(ctx context.Context, run *domain.SyncRun, state domain.RunState) {
	run.State = state
	if s.repo != nil {
		if err := s.repo.UpdateState(ctx, run.ID, state); err != nil {
			log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("persist state transition failed")
		}
	}
	s.broadcast(run)
}

func (s *Service) finish(ctx context.Context, run *domain.SyncRun) *domain.SyncRun {
	now := time.Now()
	run.State = domain.StateDone
	run.FinishedAt = &now
	s.persistFinish(ctx, run)
	s.broadcastTerminal(run)
	return run
}

func (s *Service) fail(ctx context.Context, run *domain.SyncRun, err error) (*domain.SyncRun, error) {
	now := time.Now()
	run.State = domain.StateFailed
	run.Error = err.Error()
	run.FinishedAt = &now
	s.persistFinish(ctx, run)
	s.broadcastTerminal(run)

	log.Error().
		Str("run_id", run.ID.String()).
		Str("app_id", run.AppID).
		Str("kind", string(domain.KindOf(err))).
		Err(err).
		Msg("sync run failed")
	return run, err
}

// --- persistence and broadcast, all best-effort ---

func (s *Service) persistCreate(ctx context.Context, run *domain.SyncRun) {
	if s.repo == nil {
		return
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("persist run failed")
	}
}

func (s *Service) persistItems(ctx context.Context, run *domain.SyncRun) {
	if s.repo == nil {
		return
	}
	if err := s.repo.RecordItems(ctx, run.ID, run.Report.Items); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("persist run items failed")
	}
}

func (s *Service) persistFinish(ctx context.Context, run *domain.SyncRun) {
	if s.repo == nil {
		return
	}
	if err := s.repo.FinishRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("persist run finish failed")
	}
}

func (s *Service) broadcast(run *domain.SyncRun) {
	if s.sink == nil {
		return
	}
	s.sink.Broadcast(run.AppID, RunEvent{RunID: run.ID, AppID: run.AppID, State: run.State})
}

func (s *Service) broadcastTerminal(run *domain.SyncRun) {
	if s.sink == nil {
		return
	}
	s.sink.Broadcast(run.AppID, RunEvent{RunID: run.ID, AppID: run.AppID, State: run.State, Run: run})
}
