// Package desired provides the sources a sync run converges toward:
// a YAML file of (principal, role) pairs, or the membership of another
// directory group.
package desired

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"vn.io.arda/dirsync/internal/domain"
)

// FileSource reads the desired assignment set from a YAML file.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for the given path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type fileEntry struct {
	PrincipalID string `yaml:"principal_id"`
	Kind        string `yaml:"kind"`
	RoleID      string `yaml:"role_id"`
	DisplayName string `yaml:"display_name"`
}

type fileDoc struct {
	Assignments []fileEntry `yaml:"assignments"`
}

// Desired parses the file into an assignment set. Any problem with the
// file is a config error: the run must abort before fetch rather than
// reconcile against a half-read target.
func (s *FileSource) Desired(_ context.Context) (domain.AssignmentSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return domain.AssignmentSet{}, domain.NewOpError(domain.KindConfig, "desired.file",
			fmt.Errorf("read %s: %w", s.path, err))
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.AssignmentSet{}, domain.NewOpError(domain.KindConfig, "desired.file",
			fmt.Errorf("parse %s: %w", s.path, err))
	}

	set := domain.NewAssignmentSet()
	for i, e := range doc.Assignments {
		if e.PrincipalID == "" || e.RoleID == "" {
			return domain.AssignmentSet{}, domain.NewOpError(domain.KindConfig, "desired.file",
				fmt.Errorf("%s: assignment %d is missing principal_id or role_id", s.path, i))
		}
		kind := domain.PrincipalKind(e.Kind)
		switch kind {
		case domain.KindUser, domain.KindGroup:
		case "":
			kind = domain.KindUser
		default:
			return domain.AssignmentSet{}, domain.NewOpError(domain.KindConfig, "desired.file",
				fmt.Errorf("%s: assignment %d has unknown kind %q", s.path, i, e.Kind))
		}
		set.Add(domain.Assignment{
			Principal: domain.Principal{ID: e.PrincipalID, Kind: kind, DisplayName: e.DisplayName},
			AppRoleID: e.RoleID,
		})
	}
	return set, nil
}
