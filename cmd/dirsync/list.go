package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vn.io.arda/dirsync/internal/application"
	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/executor"
)

func newListAssignmentsCmd() *cobra.Command {
	var (
		appID  string
		users  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list-assignments",
		Short: "List the application's current role assignments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if appID == "" {
				appID = cfg.Sync.AppID
			}
			if appID == "" {
				return domain.NewOpError(domain.KindConfig, "cli.list-assignments",
					fmt.Errorf("no application configured: pass --app or set sync.app_id"))
			}

			client, err := newGraphClient(cfg)
			if err != nil {
				return err
			}
			// Listing needs no desired source or persistence.
			svc := application.NewService(client, nil, nil, executor.New(client, executor.Config{}), nil)

			if users {
				principals, err := svc.ListAssignedUsers(cmd.Context(), appID)
				if err != nil {
					return err
				}
				return printUsers(principals, asJSON)
			}

			assignments, err := svc.ListAssignments(cmd.Context(), appID)
			if err != nil {
				return err
			}
			return printAssignments(assignments, asJSON)
		},
	}

	cmd.Flags().StringVar(&appID, "app", "", "Application (client) ID of the target service principal")
	cmd.Flags().BoolVar(&users, "users", false, "Expand groups and list the effective user population")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")

	return cmd
}

func printAssignments(assignments []domain.Assignment, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(assignments)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRINCIPAL\tKIND\tROLE\tNAME")
	for _, a := range assignments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.Principal.ID, strings.ToLower(string(a.Principal.Kind)), a.AppRoleID, a.Principal.DisplayName)
	}
	return w.Flush()
}

func printUsers(principals []domain.Principal, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(principals)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL")
	for _, p := range principals {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.DisplayName, p.Email)
	}
	return w.Flush()
}
