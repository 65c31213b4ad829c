package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vn.io.arda/dirsync/internal/domain"
)

func newSyncCmd() *cobra.Command {
	var (
		appID             string
		mode              string
		desiredFile       string
		assumeYes         bool
		confirmFullRevoke bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the application's role assignments once",
		Long: "Fetches current assignments from the directory, diffs them against the desired state, " +
			"and applies the resulting grants and revokes. Manual mode shows the delta and asks before applying.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if appID == "" {
				appID = cfg.Sync.AppID
			}
			if mode == "" {
				mode = cfg.Sync.Mode
			}

			svc, err := newOneShotService(cfg, desiredFile)
			if err != nil {
				return err
			}

			req := domain.SyncRequest{
				AppID:             appID,
				Mode:              parseMode(mode),
				ConfirmApply:      assumeYes,
				ConfirmFullRevoke: confirmFullRevoke,
				TriggeredBy:       "cli",
			}
			if !assumeYes {
				req.Confirm = promptDelta
			}

			run, err := svc.Sync(cmd.Context(), req)
			if err != nil {
				return err
			}

			printRun(run)

			if run.Report.Partial() {
				os.Exit(exitPartial)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&appID, "app", "", "Application (client) ID of the target service principal")
	cmd.Flags().StringVar(&mode, "mode", "", "Sync mode: manual or auto (default from config)")
	cmd.Flags().StringVar(&desiredFile, "desired", "", "Path to the desired-assignments YAML file")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Apply the delta without prompting (manual mode)")
	cmd.Flags().BoolVar(&confirmFullRevoke, "confirm-full-revoke", false, "Allow an empty desired state to revoke every assignment")

	return cmd
}

func parseMode(s string) domain.SyncMode {
	if strings.EqualFold(s, "auto") {
		return domain.ModeAuto
	}
	return domain.ModeManual
}

// promptDelta prints the computed delta and asks for confirmation on
// stdin.
func promptDelta(delta domain.Delta) bool {
	fmt.Println("Planned changes:")
	for _, a := range delta.ToGrant {
		fmt.Printf("  + grant  %s\n", describeAssignment(a))
	}
	for _, a := range delta.ToRevoke {
		fmt.Printf("  - revoke %s\n", describeAssignment(a))
	}
	fmt.Print("Apply these changes? [y/N]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func describeAssignment(a domain.Assignment) string {
	name := a.Principal.DisplayName
	if name == "" {
		name = a.Principal.ID
	}
	return fmt.Sprintf("%s (%s) role=%s", name, strings.ToLower(string(a.Principal.Kind)), a.AppRoleID)
}

func printRun(run *domain.SyncRun) {
	log.Info().
		Str("run_id", run.ID.String()).
		Str("state", string(run.State)).
		Int("granted", run.Report.Granted).
		Int("revoked", run.Report.Revoked).
		Int("skipped", run.Report.Skipped).
		Int("failed", run.Report.FailedCount).
		Msg("sync finished")

	for _, item := range run.Report.Failed {
		log.Warn().
			Str("action", string(item.Action)).
			Str("principal", item.Assignment.Principal.ID).
			Str("role", item.Assignment.AppRoleID).
			Str("kind", string(item.ErrorKind)).
			Int("attempts", item.Attempts).
			Str("error", item.Error).
			Msg("item failed")
	}
}
