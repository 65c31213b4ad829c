// Package diff computes the change set between the live assignment
// state of a service principal and the desired state. The computation
// is pure: it performs no I/O and cannot fail.
package diff

import "vn.io.arda/dirsync/internal/domain"

// Diff returns the delta that moves current to desired:
//
//	toGrant  = desired − current
//	toRevoke = current − desired
//
// using structural assignment identity (principal id, role id). Output
// is sorted by principal id then role id so logs and reports are
// deterministic regardless of fetch order.
func Diff(current, desired domain.AssignmentSet) domain.Delta {
	toGrant := domain.NewAssignmentSet()
	for _, a := range desired.Sorted() {
		if !current.Contains(a) {
			toGrant.Add(a)
		}
	}

	toRevoke := domain.NewAssignmentSet()
	for _, a := range current.Sorted() {
		if !desired.Contains(a) {
			toRevoke.Add(a)
		}
	}

	return domain.Delta{
		ToGrant:  toGrant.Sorted(),
		ToRevoke: toRevoke.Sorted(),
	}
}

// Apply projects a delta onto a state set without touching the
// directory, yielding the state the directory would hold after a
// fully successful apply pass.
func Apply(current domain.AssignmentSet, delta domain.Delta) domain.AssignmentSet {
	revoked := domain.NewAssignmentSet(delta.ToRevoke...)
	result := domain.NewAssignmentSet()
	for _, a := range current.Sorted() {
		if !revoked.Contains(a) {
			result.Add(a)
		}
	}
	for _, a := range delta.ToGrant {
		result.Add(a)
	}
	return result
}
