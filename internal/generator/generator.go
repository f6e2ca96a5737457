// File: internal/generator/generator.go
package generator

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/inject"
	"github.com/dakbox/dakbox-cli/internal/resolver"
	"github.com/dakbox/dakbox-cli/internal/store"
)

const (
	// DefaultDomain receives generated addresses when none is configured.
	DefaultDomain = "dakbox.net"
	// UsernameLength is the length of a generated mailbox username.
	UsernameLength = 10

	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Username returns a random username drawn from [a-z0-9].
func Username(random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(UsernameLength)
	for i := 0; i < UsernameLength; i++ {
		n, err := rand.Int(random, max)
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Generator creates disposable addresses and fills them into empty email fields.
type Generator struct {
	target   inject.Target
	settings *store.Settings
	resolver *resolver.Resolver
	injector *inject.Injector
	logger   *zap.Logger
	domain   string
	random   io.Reader
}

// Option configures a Generator.
type Option func(*Generator)

// WithDomain sets the domain generated addresses use.
func WithDomain(domain string) Option {
	return func(g *Generator) {
		if d := strings.TrimSpace(strings.ToLower(domain)); d != "" {
			g.domain = d
		}
	}
}

// WithRandom replaces the randomness source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// New creates a generator. target may be nil when only Generate is used.
func New(target inject.Target, settings *store.Settings, res *resolver.Resolver, inj *inject.Injector, logger *zap.Logger, opts ...Option) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{
		target:   target,
		settings: settings,
		resolver: res,
		injector: inj,
		logger:   logger.Named("generator"),
		domain:   DefaultDomain,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate creates a new address and records it as the last generated one.
func (g *Generator) Generate(ctx context.Context) (email, username string, err error) {
	username, err = Username(g.random)
	if err != nil {
		return "", "", err
	}
	email = username + "@" + g.domain
	if err := g.settings.RecordGeneratedEmail(ctx, email, username); err != nil {
		return "", "", fmt.Errorf("failed to record generated address: %w", err)
	}
	return email, username, nil
}

// PageLoaded fills every empty email field of the page with one fresh address when automatic
// generation is switched on. Fields already holding a value are left alone.
func (g *Generator) PageLoaded(ctx context.Context, s *dom.Snapshot) {
	if g.target == nil {
		return
	}
	flags, err := g.settings.Flags(ctx)
	if err != nil {
		g.logger.Warn("Failed to read flags.", zap.Error(err))
		return
	}
	if !flags.AutoGenerate {
		return
	}

	fields := g.emptyFields(ctx, s)
	if len(fields) == 0 {
		return
	}
	email, username, err := g.Generate(ctx)
	if err != nil {
		g.logger.Warn("Could not generate an address.", zap.Error(err))
		return
	}
	for _, el := range fields {
		if err := g.injector.SetFieldValue(ctx, g.target, el.Ref, email); err != nil {
			g.logger.Warn("Failed to fill email field.", zap.String("field", el.String()), zap.Error(err))
			return
		}
	}
	g.logger.Info("Filled generated address.",
		zap.String("username", username),
		zap.String("host", s.Host()),
		zap.Int("fields", len(fields)))
}

// emptyFields returns the site's configured email fields, or the heuristic ones, that hold
// no value yet.
func (g *Generator) emptyFields(ctx context.Context, s *dom.Snapshot) []*dom.Element {
	var selector string
	if cfg, ok, err := g.settings.SiteConfig(ctx, s.Host()); err == nil && ok && cfg.Enabled {
		selector = cfg.EmailSelector
	}
	res := g.resolver.Resolve(s, resolver.KindEmail, resolver.Query{Selector: selector})
	out := make([]*dom.Element, 0, len(res.Elements))
	for _, el := range res.Elements {
		if el.Disabled() || el.HasAttr("readonly") || strings.TrimSpace(el.Value()) != "" {
			continue
		}
		out = append(out, el)
	}
	return out
}
