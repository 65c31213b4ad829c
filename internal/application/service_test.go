package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/dirsync/internal/application"
	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/executor"
)

// stubDirectory serves a fixed current state and records mutations.
type stubDirectory struct {
	mu          sync.Mutex
	current     []domain.Assignment
	members     map[string][]domain.Principal
	listErr     error
	grantErr    map[domain.AssignmentKey]error
	granted     []domain.Assignment
	revoked     []domain.Assignment
	listStarted chan struct{}
	listRelease chan struct{}
}

func newStubDirectory(current ...domain.Assignment) *stubDirectory {
	return &stubDirectory{
		current:  current,
		members:  make(map[string][]domain.Principal),
		grantErr: make(map[domain.AssignmentKey]error),
	}
}

func (d *stubDirectory) ResolveServicePrincipal(context.Context, string) (string, error) {
	return "sp-1", nil
}

func (d *stubDirectory) ListAssignments(ctx context.Context, _ string) ([]domain.Assignment, error) {
	if d.listStarted != nil {
		close(d.listStarted)
		d.listStarted = nil
		<-d.listRelease
	}
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.current, nil
}

func (d *stubDirectory) Grant(_ context.Context, _ string, a domain.Assignment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.grantErr[a.Key()]; err != nil {
		return err
	}
	d.granted = append(d.granted, a)
	return nil
}

func (d *stubDirectory) Revoke(_ context.Context, _ string, a domain.Assignment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, a)
	return nil
}

func (d *stubDirectory) ListGroupMembers(_ context.Context, groupID string) ([]domain.Principal, error) {
	return d.members[groupID], nil
}

func (d *stubDirectory) GetUser(_ context.Context, id string) (domain.Principal, error) {
	return domain.Principal{ID: id, Kind: domain.KindUser, Email: id + "@example.com"}, nil
}

// staticDesired is a DesiredSource over a fixed set.
type staticDesired struct {
	set domain.AssignmentSet
	err error
}

func (s staticDesired) Desired(context.Context) (domain.AssignmentSet, error) {
	return s.set, s.err
}

// recordingSink captures broadcast run events.
type recordingSink struct {
	mu     sync.Mutex
	events []application.RunEvent
}

func (r *recordingSink) Broadcast(_ string, e application.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) states() []domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RunState, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.State)
	}
	return out
}

func assignment(id, role string) domain.Assignment {
	return domain.Assignment{
		Principal: domain.Principal{ID: id, Kind: domain.KindUser},
		AppRoleID: role,
	}
}

func fastExecutor(dir domain.Directory) *executor.Executor {
	return executor.New(dir, executor.Config{
		Workers: 2, Attempts: 2,
		BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})
}

func newService(dir *stubDirectory, desired domain.DesiredSource, sink application.EventSink) *application.Service {
	return application.NewService(dir, desired, nil, fastExecutor(dir), sink)
}

func TestSync_AutoConverges(t *testing.T) {
	dir := newStubDirectory(assignment("u1", "r1"), assignment("u2", "r1"))
	desired := staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"), assignment("u3", "r1"))}
	sink := &recordingSink{}
	svc := newService(dir, desired, sink)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1", Mode: domain.ModeAuto})
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, run.State)
	assert.Equal(t, 1, run.Report.Granted)
	assert.Equal(t, 1, run.Report.Revoked)
	require.Len(t, dir.granted, 1)
	assert.Equal(t, "u3", dir.granted[0].Principal.ID)
	require.Len(t, dir.revoked, 1)
	assert.Equal(t, "u2", dir.revoked[0].Principal.ID)

	assert.Equal(t, []domain.RunState{
		domain.StateFetching, domain.StateDiffing, domain.StateApplying, domain.StateDone,
	}, sink.states())
}

func TestSync_FetchFailureAbortsBeforeMutation(t *testing.T) {
	dir := newStubDirectory()
	dir.listErr = domain.NewOpError(domain.KindAuth, "graph.ListAssignments", errors.New("401"))
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"))}, nil)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err))
	assert.Equal(t, domain.StateFailed, run.State)
	assert.Empty(t, dir.granted)
	assert.Empty(t, dir.revoked)
}

func TestSync_DesiredSourceConfigErrorIsFatal(t *testing.T) {
	dir := newStubDirectory(assignment("u1", "r1"))
	svc := newService(dir, staticDesired{err: domain.NewOpError(domain.KindConfig, "desired.file", errors.New("no such file"))}, nil)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
	require.Error(t, err)
	assert.True(t, domain.IsConfig(err))
	assert.Equal(t, domain.StateFailed, run.State)
	assert.Empty(t, dir.revoked)
}

func TestSync_FullRevokeRequiresConfirmation(t *testing.T) {
	dir := newStubDirectory(assignment("u1", "r1"))
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet()}, nil)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
	require.ErrorIs(t, err, domain.ErrFullRevokeNotConfirmed)
	assert.Equal(t, domain.StateFailed, run.State)
	assert.Empty(t, dir.revoked)

	run, err = svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1", ConfirmFullRevoke: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, run.State)
	assert.Len(t, dir.revoked, 1)
}

func TestSync_ManualModeWithoutConfirmationDoesNotApply(t *testing.T) {
	dir := newStubDirectory()
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"))}, nil)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1", Mode: domain.ModeManual})
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, run.State)
	require.Len(t, run.Delta.ToGrant, 1)
	assert.Empty(t, dir.granted)
	assert.Zero(t, run.Report.Granted)
}

func TestSync_ManualModeConfirmCallback(t *testing.T) {
	dir := newStubDirectory()
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"))}, nil)

	var seen domain.Delta
	run, err := svc.Sync(context.Background(), domain.SyncRequest{
		AppID: "app-1",
		Mode:  domain.ModeManual,
		Confirm: func(d domain.Delta) bool {
			seen = d
			return true
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, run.State)
	require.Len(t, seen.ToGrant, 1)
	assert.Len(t, dir.granted, 1)
}

func TestSync_PartialFailureIsDoneNotFailed(t *testing.T) {
	dir := newStubDirectory()
	bad := assignment("u2", "r1")
	dir.grantErr[bad.Key()] = domain.NewOpError(domain.KindAuth, "graph.Grant", errors.New("403"))
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(
		assignment("u1", "r1"), bad, assignment("u3", "r1"),
	)}, nil)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, run.State)
	assert.True(t, run.Report.Partial())
	assert.Equal(t, 2, run.Report.Granted)
	require.Len(t, run.Report.Failed, 1)
	assert.Equal(t, "u2", run.Report.Failed[0].Assignment.Principal.ID)
}

func TestSync_ConcurrentRunsOnSameAppAreRejected(t *testing.T) {
	dir := newStubDirectory(assignment("u1", "r1"))
	dir.listStarted = make(chan struct{})
	dir.listRelease = make(chan struct{})
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"))}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
		done <- err
	}()

	<-dir.listStarted // first run holds the app lock inside Fetching

	_, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	close(dir.listRelease)
	require.NoError(t, <-done)
}

func TestSync_EmptyDeltaSkipsApply(t *testing.T) {
	dir := newStubDirectory(assignment("u1", "r1"))
	sink := &recordingSink{}
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"))}, sink)

	run, err := svc.Sync(context.Background(), domain.SyncRequest{AppID: "app-1"})
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, run.State)
	assert.NotContains(t, sink.states(), domain.StateApplying)
}

func TestSync_CancelledBeforeApply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := newStubDirectory()
	svc := newService(dir, staticDesired{set: domain.NewAssignmentSet(assignment("u1", "r1"))}, nil)

	run, err := svc.Sync(ctx, domain.SyncRequest{AppID: "app-1"})
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, run.State)
	assert.Empty(t, dir.granted)
}

func TestListAssignedUsers_ExpandsGroupsAndEnriches(t *testing.T) {
	group := domain.Assignment{
		Principal: domain.Principal{ID: "g1", Kind: domain.KindGroup, DisplayName: "Ops"},
		AppRoleID: "r1",
	}
	dir := newStubDirectory(assignment("u1", "r1"), group)
	dir.members["g1"] = []domain.Principal{
		{ID: "u2", Kind: domain.KindUser, Email: "u2@example.com"},
		{ID: "u1", Kind: domain.KindUser}, // also directly assigned, deduped
		{ID: "g2", Kind: domain.KindGroup},
	}
	svc := newService(dir, staticDesired{}, nil)

	users, err := svc.ListAssignedUsers(context.Background(), "app-1")
	require.NoError(t, err)

	require.Len(t, users, 2)
	// u1 came without an email and was enriched via GetUser.
	assert.Equal(t, "u1@example.com", users[0].Email)
	assert.Equal(t, "u2@example.com", users[1].Email)
}
