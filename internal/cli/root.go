// Package cli implements the courier operator commands.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LerianStudio/lib-courier/courier/config"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	outboxpg "github.com/LerianStudio/lib-courier/courier/outbox/postgres"
	"github.com/LerianStudio/lib-courier/courier/postgres"
	"github.com/LerianStudio/lib-courier/courier/zap"
)

const libraryName = "github.com/LerianStudio/lib-courier"

// app is the state shared by every command. Tests replace openRepo and
// detectors to stay off the network.
type app struct {
	configPath string
	cfg        *config.Config
	logger     log.Logger

	openRepo  func(ctx context.Context) (outbox.Repository, func(), error)
	detectors func(ctx context.Context) ([]detection.Detector, func())
}

func newApp() *app {
	a := &app{}
	a.openRepo = a.openPostgresRepo
	a.detectors = a.defaultDetectors

	return a
}

// NewRootCommand builds the courier command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(newApp())
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "courier",
		Short: "Transactional outbox dispatcher and operator tools",
		Long: `courier drains a Postgres-backed transactional outbox into queues,
streams and email providers it discovers at runtime, and exposes the
operator commands used to inspect and remediate the outbox.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync(cmd.Context())
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./courier.yaml when present)")

	root.AddCommand(
		newDispatchCommand(a),
		newDetectCommand(a),
		newMigrateCommand(a),
		newStatsCommand(a),
		newRecentCommand(a),
		newDeadLettersCommand(a),
		newRetryCommand(a),
		newCleanupCommand(a),
	)

	return root
}

func (a *app) init() error {
	if a.cfg == nil {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}

		a.cfg = cfg
	}

	if a.logger == nil {
		logger, err := zap.New(a.cfg.Log.Zap(libraryName))
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		a.logger = logger
	}

	return nil
}

func (a *app) connectPostgres(ctx context.Context) (*postgres.Client, error) {
	client, err := postgres.New(a.cfg.Postgres.Client(a.logger))
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

func (a *app) openPostgresRepo(ctx context.Context) (outbox.Repository, func(), error) {
	client, err := a.connectPostgres(ctx)
	if err != nil {
		return nil, nil, err
	}

	if a.cfg.Postgres.Migrate {
		if err := client.Migrate(ctx); err != nil {
			client.Close()

			return nil, nil, err
		}
	}

	pool, err := client.Pool()
	if err != nil {
		client.Close()

		return nil, nil, err
	}

	repo, err := outboxpg.NewRepository(pool, outboxpg.WithLogger(a.logger))
	if err != nil {
		client.Close()

		return nil, nil, err
	}

	return repo, client.Close, nil
}

func (a *app) defaultDetectors(ctx context.Context) ([]detection.Detector, func()) {
	var (
		containers detection.ContainerInspector
		release    = func() {}
	)

	if a.cfg.Providers.DockerEnabled {
		inspector, err := detection.NewDockerInspector()
		if err != nil {
			a.logger.Log(ctx, log.LevelDebug, "docker introspection unavailable", log.Err(err))
		} else {
			containers = inspector
			release = func() { _ = inspector.Close() }
		}
	}

	settings := detection.Settings{
		Probe:         a.cfg.Providers.Probe(containers),
		EmailFilePath: a.cfg.Providers.EmailFilePath,
	}

	return detection.Defaults(settings), release
}

func (a *app) withRepo(ctx context.Context, fn func(outbox.Repository) error) error {
	repo, release, err := a.openRepo(ctx)
	if err != nil {
		return err
	}

	if release != nil {
		defer release()
	}

	return fn(repo)
}
