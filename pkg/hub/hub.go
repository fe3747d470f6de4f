// Package hub assembles the registry mcphost serves: the built-in mail
// server plus every remote server listed under imports, each mounted under
// its prefix.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpmacos/mcphost/pkg/client"
	"github.com/mcpmacos/mcphost/pkg/compose"
	"github.com/mcpmacos/mcphost/pkg/config"
	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
	"github.com/mcpmacos/mcphost/pkg/mail"
	"github.com/mcpmacos/mcphost/pkg/protocol"
	"github.com/mcpmacos/mcphost/pkg/registry"
	"github.com/mcpmacos/mcphost/pkg/transport"
)

// TransportFactory opens the client side of an import
type TransportFactory func(imp config.ImportConfig, logger *zap.Logger) (transport.Transport, error)

// Hub owns the composed registry and the clients of proxied servers
type Hub struct {
	registry *registry.Registry
	logger   *zap.Logger

	mu      sync.Mutex
	clients []*client.Client
}

type options struct {
	runner     mail.ScriptRunner
	transports TransportFactory
	logger     *zap.Logger
}

// Option configures New
type Option func(*options)

// WithScriptRunner replaces the osascript runner of the mail server
func WithScriptRunner(r mail.ScriptRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithTransportFactory replaces how imports are connected
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) { o.transports = f }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the hub registry. Imports are connected concurrently and
// mounted in configuration order; if any import fails, every client
// opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Hub, error) {
	o := &options{transports: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}
	logger := logging.OrNop(o.logger).With(zap.String("component", "hub"))

	h := &Hub{
		registry: registry.New(registry.WithPageSize(cfg.Server.PageSize)),
		logger:   logger,
	}

	if cfg.Mail.Enabled {
		runner := o.runner
		if runner == nil {
			runner = mail.NewOsascriptRunner(cfg.Mail.Osascript, cfg.Mail.ScriptsDir, cfg.Mail.Timeout, logger)
		}
		mailReg, err := mail.NewRegistry(runner, logger)
		if err != nil {
			return nil, fmt.Errorf("mail: %w", err)
		}
		if err := compose.Import(h.registry, mailReg, cfg.Mail.Prefix); err != nil {
			return nil, fmt.Errorf("mail: %w", err)
		}
	}

	proxies, err := h.connect(ctx, cfg.Imports, o.transports)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	for i, imp := range cfg.Imports {
		if err := compose.Import(h.registry, proxies[i], imp.Prefix); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("import %q: %w", imp.Prefix, err)
		}
	}

	tools, resources, templates, prompts := h.registry.Counts()
	logger.Info("hub ready",
		zap.Int("imports", len(cfg.Imports)),
		zap.Int("tools", tools),
		zap.Int("resources", resources),
		zap.Int("templates", templates),
		zap.Int("prompts", prompts))
	return h, nil
}

func (h *Hub) connect(ctx context.Context, imports []config.ImportConfig, open TransportFactory) ([]*registry.Registry, error) {
	proxies := make([]*registry.Registry, len(imports))
	g, gctx := errgroup.WithContext(ctx)
	for i, imp := range imports {
		g.Go(func() error {
			reg, err := h.proxy(gctx, imp, open)
			if err != nil {
				return fmt.Errorf("import %q: %w", imp.Prefix, err)
			}
			proxies[i] = reg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return proxies, nil
}

func (h *Hub) proxy(ctx context.Context, imp config.ImportConfig, open TransportFactory) (*registry.Registry, error) {
	logger := h.logger.With(zap.String("import", imp.Prefix))
	t, err := open(imp, logger)
	if err != nil {
		return nil, err
	}

	c := client.New(t,
		client.WithName("mcphost"),
		client.WithLogger(logger),
		client.WithLogHandler(func(msg protocol.LoggingMessageParams) {
			logger.Info("remote log",
				zap.String("level", string(msg.Level)),
				zap.String("logger", msg.Logger),
				zap.Any("data", msg.Data))
		}),
	)
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()

	if err := c.Initialize(ctx); err != nil {
		target := imp.URL
		if target == "" {
			target = imp.Command
		}
		return nil, fmt.Errorf("%w: %w", mcperrors.ProviderUnavailable(target, "initialize failed"), err)
	}
	logger.Info("connected to remote server",
		zap.String("server", c.ServerInfo().Name),
		zap.String("version", c.ServerInfo().Version))

	return compose.Proxy(ctx, c)
}

// DefaultTransport spawns command imports and dials URL imports
func DefaultTransport(imp config.ImportConfig, logger *zap.Logger) (transport.Transport, error) {
	tc := transport.TransportConfig{
		RequestTimeout: 60 * time.Second,
		Logger:         logger,
	}
	if imp.Command != "" {
		tc.Type = transport.TransportTypeCommand
		tc.Command = imp.Command
		tc.Args = imp.Args
		tc.Env = imp.Env
	} else {
		tc.Type = transport.TransportTypeStreamableHTTP
		tc.Endpoint = imp.URL
		tc.Headers = imp.Headers
	}
	return transport.NewTransport(tc)
}

// Registry returns the composed registry
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Close disconnects every proxied server
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := h.clients
	h.clients = nil
	h.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
