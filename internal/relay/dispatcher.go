// File: internal/relay/dispatcher.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/inbox"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/picker"
	"github.com/dakbox/dakbox-cli/internal/store"
)

// DefaultPickTimeout bounds how long an armed picker waits for the user.
const DefaultPickTimeout = 5 * time.Minute

// -- Collaborators --

// Fetcher retrieves the latest code for a mailbox.
type Fetcher interface {
	FetchCode(ctx context.Context, username string, purpose schemas.Purpose, opts mailclient.FetchOptions) (schemas.OtpFetchResult, error)
}

// TabOpener opens a URL in a new browser tab.
type TabOpener interface {
	OpenTab(ctx context.Context, rawURL string) error
}

// Picker runs interactive element picks.
type Picker interface {
	Pick(ctx context.Context) (picker.Result, error)
	Deliver(res picker.Result) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTabs lets openInboxTab open the inbox instead of only returning its URL.
func WithTabs(t TabOpener) Option {
	return func(d *Dispatcher) { d.tabs = t }
}

// WithPicker enables armPicker and pickerResult. A non-positive timeout uses DefaultPickTimeout.
func WithPicker(p Picker, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.picker = p
		if timeout > 0 {
			d.pickTimeout = timeout
		}
	}
}

// Dispatcher resolves relay requests. Every request yields exactly one response; failures are
// reported in the response, never as a Go error.
type Dispatcher struct {
	fetcher     Fetcher
	settings    *store.Settings
	inboxBase   string
	tabs        TabOpener
	picker      Picker
	pickTimeout time.Duration
	validate    *validator.Validate
	logger      *zap.Logger

	mu    sync.Mutex
	armed bool

	picks      sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(fetcher Fetcher, settings *store.Settings, cfg config.MailAPIConfig, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if settings == nil {
		return nil, errors.New("settings cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.InboxBaseURL
	if base == "" {
		base = "https://dakbox.net/go/"
	}
	d := &Dispatcher{
		fetcher:     fetcher,
		settings:    settings,
		inboxBase:   base,
		pickTimeout: DefaultPickTimeout,
		validate:    validator.New(),
		logger:      logger.Named("relay"),
	}
	d.baseCtx, d.baseCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close abandons any armed pick and waits for it to end.
func (d *Dispatcher) Close() {
	d.baseCancel()
	d.picks.Wait()
}

// Dispatch handles one request.
func (d *Dispatcher) Dispatch(ctx context.Context, req schemas.RelayRequest) schemas.RelayResponse {
	resp := d.dispatch(ctx, req)
	resp.ID = req.ID
	if !resp.Success {
		d.logger.Debug("Relay request failed.", zap.String("action", string(req.Action)), zap.String("error", resp.Error))
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req schemas.RelayRequest) schemas.RelayResponse {
	if err := d.validate.Struct(req); err != nil {
		return fail(fmt.Errorf("invalid request: %w", err))
	}
	switch req.Action {
	case schemas.ActionFetchOtp:
		return d.fetch(ctx, req, schemas.PurposeLogin)
	case schemas.ActionFetchRegistrationOtp:
		return d.fetch(ctx, req, schemas.PurposeRegistration)
	case schemas.ActionOpenInboxTab:
		return d.openInbox(ctx, req)
	case schemas.ActionArmPicker:
		return d.armPicker(req)
	case schemas.ActionPickerResult:
		return d.pickerResult(req)
	case schemas.ActionGetSettings:
		view, err := d.settings.View(ctx)
		if err != nil {
			return fail(err)
		}
		return schemas.RelayResponse{Success: true, Settings: &view}
	case schemas.ActionSaveSettings:
		return d.saveSettings(ctx, req)
	default:
		return fail(fmt.Errorf("unknown action %q", req.Action))
	}
}

// -- Actions --

func (d *Dispatcher) fetch(ctx context.Context, req schemas.RelayRequest, purpose schemas.Purpose) schemas.RelayResponse {
	if err := d.checkUsername(req.Username); err != nil {
		return fail(err)
	}
	opts := mailclient.FetchOptions{}
	if req.MaxRetries != nil {
		opts.MaxRetries = *req.MaxRetries
	}
	if purpose == schemas.PurposeLogin {
		opts.ExpirySeconds = req.Expiry
	}
	res, err := d.fetcher.FetchCode(ctx, req.Username, purpose, opts)
	if err != nil {
		return fail(err)
	}
	resp := schemas.RelayResponse{Success: res.HasCode(), Result: &res}
	if !resp.Success {
		resp.Error = res.Message
		if resp.Error == "" {
			resp.Error = string(res.Outcome)
		}
	}
	return resp
}

func (d *Dispatcher) openInbox(ctx context.Context, req schemas.RelayRequest) schemas.RelayResponse {
	if err := d.checkUsername(req.Username); err != nil {
		return fail(err)
	}
	link := inbox.DakboxURL(d.inboxBase, req.Username)
	if d.tabs != nil {
		if err := d.tabs.OpenTab(ctx, link); err != nil {
			return fail(err)
		}
	}
	return schemas.RelayResponse{Success: true, URL: link}
}

func (d *Dispatcher) armPicker(req schemas.RelayRequest) schemas.RelayResponse {
	if d.picker == nil {
		return fail(errors.New("no browser page is attached to pick from"))
	}
	target := schemas.PickerTarget(req.Target)
	if !target.Apply(&schemas.SiteOtpConfig{}, "") {
		return fail(fmt.Errorf("unknown picker target %q", req.Target))
	}

	d.mu.Lock()
	if d.armed {
		d.mu.Unlock()
		return fail(picker.ErrBusy)
	}
	d.armed = true
	d.mu.Unlock()

	d.picks.Add(1)
	go d.runPick(target, req.Domain)
	return schemas.RelayResponse{Success: true, Message: "Picker activated. Switch to the browser window and click the element."}
}

// runPick waits for the user's choice and stores it in the site configuration.
func (d *Dispatcher) runPick(target schemas.PickerTarget, domain string) {
	defer d.picks.Done()
	defer func() {
		d.mu.Lock()
		d.armed = false
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(d.baseCtx, d.pickTimeout)
	defer cancel()
	res, err := d.picker.Pick(ctx)
	if err != nil {
		d.logger.Warn("Element pick ended without a result.", zap.Error(err))
		return
	}
	if res.Cancelled {
		d.logger.Info("Element pick cancelled.", zap.String("target", string(target)))
		return
	}
	if domain == "" {
		domain = res.Host
	}
	if domain == "" {
		d.logger.Warn("Picked element has no domain to store it under.", zap.String("selector", res.Selector))
		return
	}
	if _, err := picker.Save(ctx, d.settings, domain, target, res); err != nil {
		d.logger.Warn("Failed to store picked selector.", zap.String("domain", domain), zap.Error(err))
		return
	}
	d.logger.Info("Stored picked selector.",
		zap.String("domain", domain),
		zap.String("target", string(target)),
		zap.String("selector", res.Selector))
}

func (d *Dispatcher) pickerResult(req schemas.RelayRequest) schemas.RelayResponse {
	if d.picker == nil {
		return fail(picker.ErrNotArmed)
	}
	if err := d.picker.Deliver(picker.Result{Selector: req.Selector, Cancelled: req.Cancelled}); err != nil {
		return fail(err)
	}
	return schemas.RelayResponse{Success: true, Selector: req.Selector}
}

func (d *Dispatcher) saveSettings(ctx context.Context, req schemas.RelayRequest) schemas.RelayResponse {
	values := make(map[string][]byte, len(req.Settings))
	for k, raw := range req.Settings {
		values[k] = []byte(raw)
	}
	if err := d.settings.Apply(ctx, values); err != nil {
		return fail(err)
	}
	return schemas.RelayResponse{Success: true}
}

// Armed reports whether a pick started through armPicker is still waiting.
func (d *Dispatcher) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *Dispatcher) checkUsername(username string) error {
	if err := d.validate.Var(username, "required,max=64,excludesall=@/?#&"); err != nil {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}

func fail(err error) schemas.RelayResponse {
	return schemas.RelayResponse{Success: false, Error: err.Error()}
}
