package diff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/dirsync/internal/diff"
	"vn.io.arda/dirsync/internal/domain"
)

func user(id, role string) domain.Assignment {
	return domain.Assignment{
		Principal: domain.Principal{ID: id, Kind: domain.KindUser},
		AppRoleID: role,
	}
}

func TestDiff_GrantOnly(t *testing.T) {
	current := domain.NewAssignmentSet(user("u1", "r1"))
	desired := domain.NewAssignmentSet(user("u1", "r1"), user("u2", "r1"))

	delta := diff.Diff(current, desired)

	require.Len(t, delta.ToGrant, 1)
	assert.Equal(t, "u2", delta.ToGrant[0].Principal.ID)
	assert.Empty(t, delta.ToRevoke)
}

func TestDiff_RevokeOnly(t *testing.T) {
	current := domain.NewAssignmentSet(user("u1", "r1"), user("u2", "r1"))
	desired := domain.NewAssignmentSet(user("u1", "r1"))

	delta := diff.Diff(current, desired)

	assert.Empty(t, delta.ToGrant)
	require.Len(t, delta.ToRevoke, 1)
	assert.Equal(t, "u2", delta.ToRevoke[0].Principal.ID)
}

func TestDiff_RoleChangeIsGrantPlusRevoke(t *testing.T) {
	// Same principal, different role: two independent operations, not
	// an update.
	current := domain.NewAssignmentSet(user("u1", "r1"))
	desired := domain.NewAssignmentSet(user("u1", "r2"))

	delta := diff.Diff(current, desired)

	require.Len(t, delta.ToGrant, 1)
	require.Len(t, delta.ToRevoke, 1)
	assert.Equal(t, "r2", delta.ToGrant[0].AppRoleID)
	assert.Equal(t, "r1", delta.ToRevoke[0].AppRoleID)
}

func TestDiff_EmptyDesiredRevokesEverything(t *testing.T) {
	current := domain.NewAssignmentSet(user("u1", "r1"), user("u2", "r2"))

	delta := diff.Diff(current, domain.NewAssignmentSet())

	assert.Empty(t, delta.ToGrant)
	assert.Len(t, delta.ToRevoke, 2)
}

func TestDiff_IdenticalStatesYieldEmptyDelta(t *testing.T) {
	current := domain.NewAssignmentSet(user("u1", "r1"), user("u2", "r1"))
	desired := domain.NewAssignmentSet(user("u2", "r1"), user("u1", "r1"))

	assert.True(t, diff.Diff(current, desired).Empty())
}

func TestDiff_StructuralEqualityIgnoresObjectID(t *testing.T) {
	live := user("u1", "r1")
	live.ObjectID = "graph-object-abc"
	live.Principal.DisplayName = "User One"

	delta := diff.Diff(domain.NewAssignmentSet(live), domain.NewAssignmentSet(user("u1", "r1")))

	assert.True(t, delta.Empty())
}

func TestDiff_RevokeCarriesDirectoryObjectID(t *testing.T) {
	live := user("u1", "r1")
	live.ObjectID = "graph-object-abc"

	delta := diff.Diff(domain.NewAssignmentSet(live), domain.NewAssignmentSet())

	require.Len(t, delta.ToRevoke, 1)
	assert.Equal(t, "graph-object-abc", delta.ToRevoke[0].ObjectID)
}

func TestDiff_DeterministicOrdering(t *testing.T) {
	desired := domain.NewAssignmentSet(
		user("u3", "r1"), user("u1", "r2"), user("u1", "r1"), user("u2", "r1"),
	)

	delta := diff.Diff(domain.NewAssignmentSet(), desired)

	require.Len(t, delta.ToGrant, 4)
	got := make([]domain.AssignmentKey, 0, 4)
	for _, a := range delta.ToGrant {
		got = append(got, a.Key())
	}
	assert.Equal(t, []domain.AssignmentKey{
		{PrincipalID: "u1", AppRoleID: "r1"},
		{PrincipalID: "u1", AppRoleID: "r2"},
		{PrincipalID: "u2", AppRoleID: "r1"},
		{PrincipalID: "u3", AppRoleID: "r1"},
	}, got)
}

func TestDiff_SatisfiesDeltaInvariant(t *testing.T) {
	cases := []struct {
		name    string
		current domain.AssignmentSet
		desired domain.AssignmentSet
	}{
		{"disjoint", domain.NewAssignmentSet(user("a", "1")), domain.NewAssignmentSet(user("b", "2"))},
		{"overlap", domain.NewAssignmentSet(user("a", "1"), user("b", "1")), domain.NewAssignmentSet(user("b", "1"), user("c", "1"))},
		{"empty current", domain.NewAssignmentSet(), domain.NewAssignmentSet(user("a", "1"))},
		{"empty desired", domain.NewAssignmentSet(user("a", "1")), domain.NewAssignmentSet()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delta := diff.Diff(tc.current, tc.desired)

			// toGrant and toRevoke are disjoint.
			grants := domain.NewAssignmentSet(delta.ToGrant...)
			for _, a := range delta.ToRevoke {
				assert.False(t, grants.Contains(a), "grant and revoke overlap on %v", a.Key())
			}

			// (current − toRevoke) ∪ toGrant == desired.
			projected := diff.Apply(tc.current, delta)
			require.Equal(t, tc.desired.Len(), projected.Len())
			for _, a := range tc.desired.Sorted() {
				assert.True(t, projected.Contains(a))
			}
		})
	}
}
