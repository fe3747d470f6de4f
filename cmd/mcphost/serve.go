package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/mcpmacos/mcphost/pkg/config"
	"github.com/mcpmacos/mcphost/pkg/hub"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/observability"
	"github.com/mcpmacos/mcphost/pkg/server"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

const (
	startTimeout = 60 * time.Second
	stopTimeout  = 10 * time.Second
)

func newServeCmd(use, short string, dev bool, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *cfgFile, dev)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("transport", "", "transport to serve: stdio, http or sse")
	cmd.Flags().String("address", "", "listen address for http and sse (default 127.0.0.1:8080)")
	return cmd
}

// serve runs the fx application until a signal arrives or the transport
// ends, as it does when a stdio client disconnects.
func serve(cfg *config.Config) error {
	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newObserver,
			newHub,
		),
		fx.Invoke(startServer),
		fx.StartTimeout(startTimeout),
		fx.StopTimeout(stopTimeout),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	sig := <-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("server exited with code %d", sig.ExitCode)
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Mode, cfg.Logging.Level)
}

func newObserver(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (server.Observer, error) {
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		var err error
		metrics, err = observability.NewMetrics(observability.MetricsConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: cfg.Server.Version,
			Address:        cfg.Metrics.Address,
			Path:           cfg.Metrics.Path,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStart: metrics.Start, OnStop: metrics.Shutdown})
	}

	var tracing *observability.TracingProvider
	if cfg.Tracing.Enabled {
		var err error
		tracing, err = observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: cfg.Server.Version,
			ExporterType:   observability.ExporterType(cfg.Tracing.Exporter),
			Endpoint:       cfg.Tracing.Endpoint,
			Headers:        cfg.Tracing.Headers,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: tracing.Shutdown})
	}

	if metrics == nil && tracing == nil {
		return nil, nil
	}
	return observability.NewObserver(metrics, tracing, logger), nil
}

func newHub(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*hub.Hub, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	h, err := hub.New(ctx, cfg, hub.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return h.Close() }})
	return h, nil
}

func serverOptions(cfg *config.Config, logger *zap.Logger, observer server.Observer) []server.ServerOption {
	opts := []server.ServerOption{
		server.WithName(cfg.Server.Name),
		server.WithVersion(cfg.Server.Version),
		server.WithInstructions(cfg.Server.Instructions),
		server.WithLogger(logger),
	}
	if observer != nil {
		opts = append(opts, server.WithObserver(observer))
	}
	return opts
}

func startServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, h *hub.Hub, observer server.Observer, logger *zap.Logger) {
	opts := serverOptions(cfg, logger, observer)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var run func() error
	var stop func(context.Context) error

	switch cfg.Server.Transport {
	case config.TransportStdio:
		srv := server.New(transport.NewStdioTransport(os.Stdin, os.Stdout, logger), h.Registry(), opts...)
		run = func() error { return srv.Serve(ctx) }
		stop = srv.Stop
	default:
		httpSrv := transport.NewHTTPServer(transport.HTTPServerConfig{
			Address:        cfg.Server.Address,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimit:      cfg.Server.RateLimit,
			RateBurst:      cfg.Server.RateBurst,
			SessionTimeout: cfg.Server.SessionTimeout,
			LegacySSE:      cfg.Server.Transport == config.TransportSSE,
			Logger:         logger,
		}, func(sess *transport.HTTPSession) error {
			server.New(sess, h.Registry(), opts...)
			return nil
		})
		run = func() error { return httpSrv.ListenAndServe(ctx) }
		stop = func(context.Context) error {
			httpSrv.Close()
			return nil
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				code := 0
				if err := run(); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("server stopped", logging.ErrorFields(err)...)
					code = 1
				}
				_ = shutdowner.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			err := stop(stopCtx)
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return err
		},
	})
}
