package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vn.io.arda/dirsync/internal/application"
	"vn.io.arda/dirsync/internal/config"
	"vn.io.arda/dirsync/internal/desired"
	"vn.io.arda/dirsync/internal/domain"
	"vn.io.arda/dirsync/internal/executor"
	"vn.io.arda/dirsync/internal/infrastructure/graph"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:           "dirsync",
		Short:         "Reconciles Entra ID app-role assignments against a desired state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	root.AddCommand(newSyncCmd())
	root.AddCommand(newListAssignmentsCmd())
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitFatal)
	}
}

// loadConfig loads and validates configuration shared by all commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newGraphClient builds the directory client from configuration.
func newGraphClient(cfg *config.Config) (*graph.Client, error) {
	return graph.New(graph.Config{
		TenantID:          cfg.Graph.TenantID,
		ClientID:          cfg.Graph.ClientID,
		ClientSecret:      cfg.Graph.ClientSecret,
		RequestsPerSecond: cfg.Graph.RequestsPerSecond,
	})
}

// newDesiredSource picks the desired-state source: an explicit file
// path wins, then the configured file, then group membership.
func newDesiredSource(cfg *config.Config, dir domain.Directory, filePath string) (domain.DesiredSource, error) {
	if filePath == "" {
		filePath = cfg.Sync.DesiredFile
	}
	if filePath != "" {
		return desired.NewFileSource(filePath), nil
	}
	if cfg.Sync.DesiredGroupID != "" && cfg.Sync.DesiredRoleID != "" {
		return desired.NewGroupSource(dir, cfg.Sync.DesiredGroupID, cfg.Sync.DesiredRoleID), nil
	}
	return nil, domain.NewOpError(domain.KindConfig, "config.desired",
		fmt.Errorf("no desired state configured: set sync.desired_file or sync.desired_group_id + sync.desired_role_id"))
}

// newOneShotService wires a service without postgres or SSE, for the
// one-shot CLI commands.
func newOneShotService(cfg *config.Config, desiredFile string) (*application.Service, error) {
	client, err := newGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	src, err := newDesiredSource(cfg, client, desiredFile)
	if err != nil {
		return nil, err
	}
	exec := executor.New(client, executor.Config{
		Workers:  cfg.Sync.Workers,
		Attempts: cfg.Sync.Retries,
	})
	return application.NewService(client, src, nil, exec, nil), nil
}
