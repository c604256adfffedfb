package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/drblury/omegawire/internal/runtime"
	"github.com/drblury/omegawire/internal/runtime/config"
	"github.com/drblury/omegawire/internal/runtime/logging"
	"github.com/drblury/omegawire/internal/runtime/transport"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume envelopes from the configured transport and publish results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger(conf, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, conf, logger, transport.DefaultFactory())
		},
	}
}

// prebuilt hands an already built transport to the service so the chronicle
// can publish on the same connection.
type prebuilt struct {
	transport transport.Transport
}

func (p prebuilt) Build(context.Context, *config.Config, watermill.LoggerAdapter) (transport.Transport, error) {
	return p.transport, nil
}

func serve(ctx context.Context, conf *config.Config, logger logging.ServiceLogger, factory transport.Factory) error {
	tr, err := factory.Build(ctx, conf, logging.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	a, err := buildApp(ctx, conf, logger, appOptions{Publisher: tr.Publisher, Registerer: reg})
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer a.close()

	logger.Info("Registered handlers", logging.LogFields{"handlers": a.registry.Keys()})

	svc, err := runtime.NewService(conf, logger, ctx, runtime.ServiceDependencies{
		Orchestrator:     a.orchestrator,
		TransportFactory: prebuilt{transport: tr},
		Registerer:       reg,
		Gatherer:         reg,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", err, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
