// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/detector"
	"github.com/dakbox/dakbox-cli/internal/engine"
	"github.com/dakbox/dakbox-cli/internal/generator"
	"github.com/dakbox/dakbox-cli/internal/inbox"
	"github.com/dakbox/dakbox-cli/internal/inject"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/relay"
	"github.com/dakbox/dakbox-cli/internal/resolver"
	"github.com/dakbox/dakbox-cli/internal/session"
	"github.com/dakbox/dakbox-cli/internal/store"
)

// Option customizes NewComponents.
type Option func(*factoryOptions)

type factoryOptions struct {
	kv         store.KV
	metrics    *observability.Metrics
	newBrowser func() BrowserManager
	mailOpts   []mailclient.Option
}

// WithKV uses kv instead of opening the configured backend.
func WithKV(kv store.KV) Option {
	return func(o *factoryOptions) { o.kv = kv }
}

// WithMetrics shares m instead of creating a private registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *factoryOptions) { o.metrics = m }
}

// WithBrowserFactory replaces the Chromium manager constructor.
func WithBrowserFactory(fn func() BrowserManager) Option {
	return func(o *factoryOptions) { o.newBrowser = fn }
}

// WithMailOptions passes extra options to the mail client.
func WithMailOptions(opts ...mailclient.Option) Option {
	return func(o *factoryOptions) { o.mailOpts = append(o.mailOpts, opts...) }
}

// NewComponents opens the settings store and builds the services every command shares.
// Anything created before a failure is released again.
func NewComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger, opts ...Option) (c *Components, err error) {
	if logger == nil {
		logger = observability.GetLogger()
	}
	o := factoryOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	c = &Components{Config: cfg, logger: logger.Named("service")}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			c.Shutdown()
			c = nil
		}
	}()

	// 1. Settings store
	c.KV = o.kv
	if c.KV == nil {
		if c.KV, err = store.Open(ctx, cfg.Store(), logger); err != nil {
			return c, fmt.Errorf("failed to open settings store: %w", err)
		}
	}
	c.Settings = store.NewSettings(c.KV)
	c.Sessions = session.New(c.KV, cfg.Engine().SessionStaleness, logger)
	logger.Debug("Settings store initialized.", zap.String("backend", cfg.Store().Backend))

	// 2. Metrics
	c.Metrics = o.metrics
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics(nil)
	}

	// 3. Code sources
	mailOpts := append([]mailclient.Option{mailclient.WithMetrics(c.Metrics)}, o.mailOpts...)
	if c.Mail, err = mailclient.New(cfg.MailAPI(), TokenSource(cfg.MailAPI(), c.Settings), logger, mailOpts...); err != nil {
		return c, fmt.Errorf("failed to create mail client: %w", err)
	}
	if cfg.Relay().ClientAddr != "" {
		if c.Relay, err = relay.NewClient(cfg.Relay()); err != nil {
			return c, fmt.Errorf("failed to create relay client: %w", err)
		}
		logger.Info("Codes will be fetched through the relay.", zap.String("relay", cfg.Relay().ClientAddr))
	}

	// 4. Browser, launched lazily
	c.newBrowser = o.newBrowser
	if c.newBrowser == nil {
		c.newBrowser = func() BrowserManager { return browser.NewManager(cfg.Browser(), logger) }
	}

	logger.Debug("All components initialized.")
	return c, nil
}

// TokenSource prefers a token from the configuration over the one held in the settings store.
func TokenSource(cfg config.MailAPIConfig, settings *store.Settings) mailclient.TokenSource {
	if cfg.Token != "" {
		return mailclient.StaticToken(cfg.Token)
	}
	return settings
}

// -- Engine assembly --

// EngineBundle is one engine wired to a page, with the generator running as its page hook.
type EngineBundle struct {
	Engine    *engine.Engine
	Generator *generator.Generator
	Resolver  *resolver.Resolver
}

// NewEngine wires an engine and an email generator to page.
func (c *Components) NewEngine(page engine.Page, opts ...engine.Option) (*EngineBundle, error) {
	cfg := c.Config
	det, err := detector.New(cfg.Engine(), cfg.MailAPI().Domains, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	res := resolver.New(c.logger, c.Metrics)
	inj := inject.New(c.logger, cfg.Browser().Humanoid)

	var genOpts []generator.Option
	if domains := cfg.MailAPI().Domains; len(domains) > 0 {
		genOpts = append(genOpts, generator.WithDomain(domains[0]))
	}
	gen := generator.New(page, c.Settings, res, inj, c.logger, genOpts...)

	opts = append([]engine.Option{engine.WithMetrics(c.Metrics), engine.WithHooks(gen)}, opts...)
	e, err := engine.New(cfg.Engine(), c.logger, engine.Deps{
		Page:     page,
		Fetcher:  c.Fetcher(),
		Resolver: res,
		Injector: inj,
		Detector: det,
		Settings: c.Settings,
		Sessions: c.Sessions,
		Inbox:    inbox.NewLinks(cfg.MailAPI()),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	c.mu.Lock()
	c.engines = append(c.engines, e)
	c.mu.Unlock()
	return &EngineBundle{Engine: e, Generator: gen, Resolver: res}, nil
}

// NewDispatcher builds a relay dispatcher over the mail API. It never routes through another
// relay, so a relay server cannot call itself.
func (c *Components) NewDispatcher(opts ...relay.Option) (*relay.Dispatcher, error) {
	return relay.NewDispatcher(c.Mail, c.Settings, c.Config.MailAPI(), c.logger, opts...)
}

// NewRelayServer builds the relay HTTP server for d.
func (c *Components) NewRelayServer(d *relay.Dispatcher) *relay.Server {
	return relay.NewServer(c.Config.Relay(), c.Config.Metrics(), d, c.Metrics, c.logger)
}
