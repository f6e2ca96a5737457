// File: internal/picker/picker.go
package picker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotArmed is returned when a result arrives while no pick is waiting for one.
	ErrNotArmed = errors.New("no element picker is armed")
	// ErrBusy is returned when a pick is requested while another one is in progress.
	ErrBusy = errors.New("an element pick is already in progress")
)

const (
	resolveTimeout = 10 * time.Second
	disarmTimeout  = 2 * time.Second
)

// Host is the tab a pick runs in.
type Host interface {
	Expose(ctx context.Context, name string, fn func(payload string)) error
	Evaluate(ctx context.Context, expr string, res interface{}) error
	Snapshot(ctx context.Context) (*dom.Snapshot, error)
}

// Result is the outcome of one pick.
type Result struct {
	Selector string `json:"selector,omitempty"`
	// Host is the page the element was picked on, when known.
	Host      string `json:"host,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// choice is what the page script reports.
type choice struct {
	Ref       string `json:"ref"`
	Cancelled bool   `json:"cancelled"`
}

// Picker lets the user point at an element and turns it into a selector.
type Picker struct {
	host   Host
	logger *zap.Logger

	mu      sync.Mutex
	exposed bool
	pending chan Result
}

// New creates a picker bound to host.
func New(host Host, logger *zap.Logger) *Picker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Picker{host: host, logger: logger.Named("picker")}
}

// Pick arms the picker in the page and blocks until an element is chosen, the user cancels, or
// ctx ends. Only one pick runs at a time.
func (p *Picker) Pick(ctx context.Context) (Result, error) {
	if err := p.expose(ctx); err != nil {
		return Result{}, err
	}

	ch := make(chan Result, 1)
	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return Result{}, ErrBusy
	}
	p.pending = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
	}()

	if err := p.host.Evaluate(ctx, armScript, nil); err != nil {
		return Result{}, fmt.Errorf("failed to arm picker: %w", err)
	}
	p.logger.Info("Element picker armed.")

	select {
	case res := <-ch:
		p.logger.Info("Element picked.", zap.String("selector", res.Selector), zap.Bool("cancelled", res.Cancelled))
		return res, nil
	case <-ctx.Done():
		dctx, cancel := context.WithTimeout(context.Background(), disarmTimeout)
		defer cancel()
		if err := p.host.Evaluate(dctx, disarmScript, nil); err != nil {
			p.logger.Debug("Failed to disarm picker.", zap.Error(err))
		}
		return Result{}, ctx.Err()
	}
}

// Deliver completes the pending pick with res. It returns ErrNotArmed when nothing is waiting.
func (p *Picker) Deliver(res Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return ErrNotArmed
	}
	select {
	case p.pending <- res:
		return nil
	default:
		return ErrBusy
	}
}

// Armed reports whether a pick is waiting for a result.
func (p *Picker) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

func (p *Picker) expose(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exposed {
		return nil
	}
	if err := p.host.Expose(ctx, binding, p.onChoice); err != nil {
		return fmt.Errorf("failed to expose picker binding: %w", err)
	}
	p.exposed = true
	return nil
}

// onChoice turns the element the page reported into a selector.
func (p *Picker) onChoice(payload string) {
	var c choice
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		p.logger.Warn("Malformed picker payload.", zap.Error(err))
		return
	}
	res, err := p.resolve(c)
	if err != nil {
		p.logger.Warn("Could not resolve picked element.", zap.String("ref", c.Ref), zap.Error(err))
		res = Result{Cancelled: true}
	}
	if err := p.Deliver(res); err != nil {
		p.logger.Debug("Dropped picker result.", zap.Error(err))
	}
}

func (p *Picker) resolve(c choice) (Result, error) {
	if c.Cancelled || c.Ref == "" {
		return Result{Cancelled: true}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	s, err := p.host.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	el := s.ByRef(c.Ref)
	if el == nil {
		return Result{}, fmt.Errorf("element %s is gone", c.Ref)
	}
	return Result{Selector: Selector(s, el), Host: s.Host()}, nil
}

// -- Persisting picks --

// Save writes a picked selector into the field of domain's site configuration named by target.
// A domain without a configuration gets a new one, which must still be valid to be stored.
func Save(ctx context.Context, settings *store.Settings, domain string, target schemas.PickerTarget, res Result) (schemas.SiteOtpConfig, error) {
	if res.Cancelled || res.Selector == "" {
		return schemas.SiteOtpConfig{}, errors.New("pick was cancelled")
	}
	cfg, ok, err := settings.SiteConfig(ctx, domain)
	if err != nil {
		return cfg, err
	}
	if !ok {
		cfg = schemas.SiteOtpConfig{Domain: schemas.NormalizeDomain(domain), Enabled: true}
	}
	if !target.Apply(&cfg, res.Selector) {
		return cfg, fmt.Errorf("unknown picker target %q", target)
	}
	if err := settings.SaveSiteConfig(ctx, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
