// Package executor applies a computed delta to the directory with
// bounded concurrency, per-item retry and partial-failure semantics.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vn.io.arda/dirsync/internal/domain"
)

// Config tunes the apply pass.
type Config struct {
	// Workers is the maximum number of in-flight grant/revoke calls.
	Workers int
	// Attempts is the per-item attempt budget for transient failures.
	Attempts int
	// BaseBackoff is the initial retry delay, doubled per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
}

// DefaultConfig matches the documented policy: 3 attempts, 500ms base,
// capped exponential backoff, 4 workers.
func DefaultConfig() Config {
	return Config{Workers: 4, Attempts: 3, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Executor applies deltas through the Directory port.
type Executor struct {
	directory domain.Directory
	cfg       Config
}

// New creates an Executor. Zero config fields fall back to defaults.
func New(directory domain.Directory, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Executor{directory: directory, cfg: cfg}
}

// Apply attempts every grant and revoke in the delta independently:
// one failure never aborts the batch. Items within the delta are
// disjoint by construction, so they may run concurrently. The returned
// report is complete even when ctx is cancelled mid-batch; items that
// never started are recorded as failed.
func (e *Executor) Apply(ctx context.Context, appID string, delta domain.Delta) domain.Report {
	type workItem struct {
		action     domain.ItemAction
		assignment domain.Assignment
	}

	items := make([]workItem, 0, len(delta.ToGrant)+len(delta.ToRevoke))
	for _, a := range delta.ToGrant {
		items = append(items, workItem{domain.ActionGrant, a})
	}
	for _, a := range delta.ToRevoke {
		items = append(items, workItem{domain.ActionRevoke, a})
	}

	results := make([]domain.ItemResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, item := range items {
		g.Go(func() error {
			results[i] = e.applyOne(gctx, appID, item.action, item.assignment)
			// Never propagate an error: errgroup cancellation would
			// abort independent items.
			return nil
		})
	}
	_ = g.Wait()

	var report domain.Report
	for _, r := range results {
		report.Items = append(report.Items, r)
		switch {
		case r.Outcome == domain.OutcomeFailed:
			report.Failed = append(report.Failed, r)
		case r.Outcome == domain.OutcomeSkipped:
			report.Skipped++
		case r.Action == domain.ActionGrant:
			report.Granted++
		default:
			report.Revoked++
		}
	}
	report.FailedCount = len(report.Failed)
	return report
}

// applyOne runs a single mutation with bounded retry on transient
// errors. Conflict on grant and not-found on revoke are idempotent
// successes: the directory is already in the requested state.
func (e *Executor) applyOne(ctx context.Context, appID string, action domain.ItemAction, a domain.Assignment) domain.ItemResult {
	result := domain.ItemResult{Action: action, Assignment: a}

	var err error
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			err = domain.NewOpError(domain.KindTransient, "executor.apply", ctx.Err())
			break
		}

		if action == domain.ActionGrant {
			err = e.directory.Grant(ctx, appID, a)
		} else {
			err = e.directory.Revoke(ctx, appID, a)
		}

		if err == nil {
			result.Outcome = domain.OutcomeApplied
			return result
		}

		if action == domain.ActionGrant && domain.IsConflict(err) {
			result.Outcome = domain.OutcomeSkipped
			return result
		}
		if action == domain.ActionRevoke && domain.IsNotFound(err) {
			result.Outcome = domain.OutcomeSkipped
			return result
		}

		if !domain.IsTransient(err) || attempt == e.cfg.Attempts {
			break
		}

		backoff := e.backoff(attempt)
		log.Debug().
			Str("action", string(action)).
			Str("principal", a.Principal.ID).
			Str("role", a.AppRoleID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
	}

	result.Outcome = domain.OutcomeFailed
	result.ErrorKind = domain.KindOf(err)
	result.Error = err.Error()
	log.Warn().
		Str("action", string(action)).
		Str("principal", a.Principal.ID).
		Str("role", a.AppRoleID).
		Str("kind", string(result.ErrorKind)).
		Err(err).
		Msg("delta item failed")
	return result
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	if d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}
