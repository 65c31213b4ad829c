package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncMode selects how a run moves from Diffing to Applying.
type SyncMode string

const (
	// ModeManual computes and surfaces the delta but does not apply it
	// unless the request carries explicit confirmation.
	ModeManual SyncMode = "MANUAL"
	// ModeAuto proceeds directly from diff to apply.
	ModeAuto SyncMode = "AUTO"
)

// RunState is the orchestrator state machine position of a run.
type RunState string

const (
	StateIdle     RunState = "IDLE"
	StateFetching RunState = "FETCHING"
	StateDiffing  RunState = "DIFFING"
	StateApplying RunState = "APPLYING"
	StateDone     RunState = "DONE"
	StateFailed   RunState = "FAILED"
)

// ItemAction is the mutation attempted for a single delta item.
type ItemAction string

const (
	ActionGrant  ItemAction = "GRANT"
	ActionRevoke ItemAction = "REVOKE"
)

// ItemOutcome is the terminal result of one grant or revoke.
type ItemOutcome string

const (
	// OutcomeApplied means the mutation was performed.
	OutcomeApplied ItemOutcome = "APPLIED"
	// OutcomeSkipped means the directory was already in the requested
	// state (conflict on grant, not-found on revoke).
	OutcomeSkipped ItemOutcome = "SKIPPED"
	// OutcomeFailed means the mutation did not take effect.
	OutcomeFailed ItemOutcome = "FAILED"
)

// ItemResult records the outcome of one assignment mutation.
type ItemResult struct {
	Action     ItemAction  `json:"action"`
	Assignment Assignment  `json:"assignment"`
	Outcome    ItemOutcome `json:"outcome"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
}

// Report summarises an apply pass. A run with non-empty Failed is a
// partial success, not a fatal outcome.
type Report struct {
	Granted int `json:"granted"`
	Revoked int `json:"revoked"`
	Skipped int `json:"skipped"`
	// FailedCount mirrors len(Failed). It survives persistence in run
	// listings where the per-item detail is not loaded.
	FailedCount int          `json:"failed_count"`
	Failed      []ItemResult `json:"failed,omitempty"`
	Items       []ItemResult `json:"items,omitempty"`
}

// Partial reports whether some delta items did not apply.
func (r Report) Partial() bool { return r.FailedCount > 0 || len(r.Failed) > 0 }

// SyncRun is one reconciliation run against an application.
type SyncRun struct {
	ID          uuid.UUID  `json:"id"`
	AppID       string     `json:"app_id"`
	Mode        SyncMode   `json:"mode"`
	State       RunState   `json:"state"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	Delta       Delta      `json:"delta"`
	Report      Report     `json:"report"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SyncRequest is the input to the orchestrator.
type SyncRequest struct {
	AppID string   `json:"app_id"`
	Mode  SyncMode `json:"mode"`
	// ConfirmApply approves the computed delta in manual mode. Ignored
	// in auto mode.
	ConfirmApply bool `json:"confirm_apply"`
	// Confirm, when set, is asked to approve the computed delta in
	// manual mode. Used by the interactive CLI prompt.
	Confirm func(Delta) bool `json:"-"`
	// ConfirmFullRevoke acknowledges an empty desired state.
	ConfirmFullRevoke bool `json:"confirm_full_revoke"`
	// TriggeredBy records the origin of the run (cli, api, kafka,
	// scheduler) for the audit trail.
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// RunFilter holds query parameters for listing past runs.
type RunFilter struct {
	AppID  string
	State  RunState
	Limit  int
	Offset int
}
