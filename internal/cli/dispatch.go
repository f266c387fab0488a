package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/dispatcher"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

const shutdownTimeout = 30 * time.Second

func newDispatchCommand(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending outbox messages",
		Long: `Run the dispatcher for every declared channel until interrupted.
With --once a single cycle runs and its counters are printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withRepo(ctx, func(repo outbox.Repository) error {
				detectors, release := a.detectors(ctx)
				defer release()

				d, err := a.newDispatcher(repo, detectors)
				if err != nil {
					return err
				}

				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
					defer cancel()

					if err := d.Shutdown(shutdownCtx); err != nil {
						a.logger.Log(shutdownCtx, log.LevelWarn, "dispatcher shutdown incomplete", log.Err(err))
					}
				}()

				if once {
					result := d.DispatchOnce(ctx)

					fmt.Fprintf(cmd.OutOrStdout(),
						"processed=%d sent=%d failed=%d dead_lettered=%d skipped=%d state_errors=%d reclaimed=%d\n",
						result.Processed, result.Sent, result.Failed, result.DeadLettered,
						result.Skipped, result.StateUpdateFailed, result.Reclaimed)

					return nil
				}

				return d.Run(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single dispatch cycle and exit")

	return cmd
}

func (a *app) newResolver(detectors []detection.Detector) *channel.Resolver {
	registry := channel.DefaultRegistry(channel.Dependencies{Env: a.cfg.Providers.Env()})

	return channel.NewResolver(detectors, registry,
		channel.WithFallbacks(a.cfg.Providers.FallbackEnabled),
		channel.WithHealthCheck(a.cfg.Providers.HealthCheck),
		channel.WithLogger(a.logger),
	)
}

func (a *app) newDispatcher(repo outbox.Repository, detectors []detection.Detector) (*dispatcher.Dispatcher, error) {
	opts := []dispatcher.Option{
		dispatcher.WithConfig(a.cfg.Dispatcher.Dispatcher()),
		dispatcher.WithLogger(a.logger),
		dispatcher.WithTracer(otel.Tracer(libraryName)),
	}

	if a.cfg.Dispatcher.CircuitBreaker {
		opts = append(opts, dispatcher.WithCircuitBreaker(circuitbreaker.NewManager(a.logger)))
	}

	return dispatcher.New(repo, a.newResolver(detectors), a.cfg.DispatchSpecs(), opts...)
}
