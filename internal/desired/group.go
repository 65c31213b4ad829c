package desired

import (
	"context"
	"fmt"

	"vn.io.arda/dirsync/internal/domain"
)

// GroupSource derives the desired state from the membership of a
// directory group: every current member should hold the configured app
// role. This mirrors the common Entra setup where access to an
// application is managed through a single security group.
type GroupSource struct {
	directory domain.Directory
	groupID   string
	roleID    string
}

// NewGroupSource creates a GroupSource reading members of groupID and
// desiring roleID for each.
func NewGroupSource(directory domain.Directory, groupID, roleID string) *GroupSource {
	return &GroupSource{directory: directory, groupID: groupID, roleID: roleID}
}

// Desired lists the group members and maps each to an assignment of
// the configured role.
func (s *GroupSource) Desired(ctx context.Context) (domain.AssignmentSet, error) {
	if s.groupID == "" || s.roleID == "" {
		return domain.AssignmentSet{}, domain.NewOpError(domain.KindConfig, "desired.group",
			fmt.Errorf("group source requires both a group id and a role id"))
	}

	members, err := s.directory.ListGroupMembers(ctx, s.groupID)
	if err != nil {
		return domain.AssignmentSet{}, fmt.Errorf("list members of %s: %w", s.groupID, err)
	}

	set := domain.NewAssignmentSet()
	for _, m := range members {
		set.Add(domain.Assignment{Principal: m, AppRoleID: s.roleID})
	}
	return set, nil
}
