package domain

import "context"

// Directory is the port for the identity provider that owns the
// application's service principal. The default implementation calls
// Microsoft Graph; tests substitute an in-memory fake.
//
// All errors returned by implementations must be classified as
// *OpError so the executor and orchestrator can decide on retry,
// idempotent skip or abort.
type Directory interface {
	// ResolveServicePrincipal maps an application (client) id to the
	// object id of its service principal.
	ResolveServicePrincipal(ctx context.Context, appID string) (string, error)

	// ListAssignments returns every app role assignment currently held
	// on the application's service principal.
	ListAssignments(ctx context.Context, appID string) ([]Assignment, error)

	// Grant creates the assignment. A grant that already exists is a
	// KindConflict error, which callers treat as idempotent success.
	Grant(ctx context.Context, appID string, a Assignment) error

	// Revoke deletes the assignment. A revoke of an absent assignment
	// is a KindNotFound error, which callers treat as idempotent
	// success.
	Revoke(ctx context.Context, appID string, a Assignment) error

	// ListGroupMembers returns the user principals that are members of
	// the given directory group.
	ListGroupMembers(ctx context.Context, groupID string) ([]Principal, error)

	// GetUser fetches a user principal, including its
	// userPrincipalName, for display enrichment.
	GetUser(ctx context.Context, userID string) (Principal, error)
}

// DesiredSource supplies the target assignment set a run converges
// toward. Implementations live in internal/desired (YAML file, or
// another directory group).
type DesiredSource interface {
	// Desired returns the full desired assignment set for the
	// application. Missing or invalid input is a KindConfig error.
	Desired(ctx context.Context) (AssignmentSet, error)
}
