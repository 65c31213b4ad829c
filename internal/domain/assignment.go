package domain

import "sort"

// PrincipalKind distinguishes the directory object types that can hold
// an app role assignment.
type PrincipalKind string

const (
	KindUser  PrincipalKind = "User"
	KindGroup PrincipalKind = "Group"
)

// Principal is an immutable reference to a directory identity.
type Principal struct {
	ID          string        `json:"id"`
	Kind        PrincipalKind `json:"kind"`
	DisplayName string        `json:"display_name,omitempty"`
	// Email is the userPrincipalName, populated by user lookup enrichment.
	// Empty for groups and for principals that were never enriched.
	Email string `json:"email,omitempty"`
}

// Assignment binds a Principal to an app role on the application's
// service principal.
type Assignment struct {
	// ObjectID is the directory-assigned id of the appRoleAssignment
	// object. It is required to revoke an existing assignment but is
	// not part of assignment identity: an assignment read from a
	// desired-state file has none.
	ObjectID  string    `json:"object_id,omitempty"`
	Principal Principal `json:"principal"`
	AppRoleID string    `json:"app_role_id"`
}

// AssignmentKey is the structural identity of an Assignment:
// (principal id, role id). Display names, emails and directory object
// ids do not participate in equality.
type AssignmentKey struct {
	PrincipalID string
	AppRoleID   string
}

// Key returns the structural identity of the assignment.
func (a Assignment) Key() AssignmentKey {
	return AssignmentKey{PrincipalID: a.Principal.ID, AppRoleID: a.AppRoleID}
}

// AssignmentSet is a set of assignments keyed by structural identity.
// Adding an assignment with a key already present keeps the existing
// entry, so directory object ids from a live fetch survive a merge.
type AssignmentSet struct {
	items map[AssignmentKey]Assignment
}

// NewAssignmentSet builds a set from the given assignments.
func NewAssignmentSet(assignments ...Assignment) AssignmentSet {
	s := AssignmentSet{items: make(map[AssignmentKey]Assignment, len(assignments))}
	for _, a := range assignments {
		s.Add(a)
	}
	return s
}

// Add inserts the assignment unless its key is already present.
func (s AssignmentSet) Add(a Assignment) {
	if _, exists := s.items[a.Key()]; !exists {
		s.items[a.Key()] = a
	}
}

// Contains reports whether an assignment with the same structural
// identity is in the set.
func (s AssignmentSet) Contains(a Assignment) bool {
	_, ok := s.items[a.Key()]
	return ok
}

// Get returns the stored assignment for the given key.
func (s AssignmentSet) Get(key AssignmentKey) (Assignment, bool) {
	a, ok := s.items[key]
	return a, ok
}

// Len returns the number of assignments in the set.
func (s AssignmentSet) Len() int {
	return len(s.items)
}

// Sorted returns the assignments ordered by principal id then role id,
// so downstream logs and reports are reproducible run to run.
func (s AssignmentSet) Sorted() []Assignment {
	out := make([]Assignment, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal.ID != out[j].Principal.ID {
			return out[i].Principal.ID < out[j].Principal.ID
		}
		return out[i].AppRoleID < out[j].AppRoleID
	})
	return out
}

// Delta is the change set that moves current state to desired state.
// Both slices are sorted by principal id then role id.
type Delta struct {
	ToGrant  []Assignment `json:"to_grant"`
	ToRevoke []Assignment `json:"to_revoke"`
}

// Empty reports whether the delta carries no work.
func (d Delta) Empty() bool {
	return len(d.ToGrant) == 0 && len(d.ToRevoke) == 0
}
