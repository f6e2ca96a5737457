// File: internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/detector"
	"github.com/dakbox/dakbox-cli/internal/inject"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/resolver"
	"github.com/dakbox/dakbox-cli/internal/session"
	"github.com/dakbox/dakbox-cli/internal/store"
)

// -- Interfaces for Dependency Inversion --

// Page is the live tab the engine reads and writes.
type Page interface {
	inject.Target
	Snapshot(ctx context.Context) (*dom.Snapshot, error)
	Click(ctx context.Context, ref string) error
	OpenTab(ctx context.Context, rawURL string) error
}

// Fetcher retrieves the latest code for a mailbox.
type Fetcher interface {
	FetchCode(ctx context.Context, username string, purpose schemas.Purpose, opts mailclient.FetchOptions) (schemas.OtpFetchResult, error)
}

// InboxLinks maps a mailbox to its inbox page.
type InboxLinks interface {
	URL(mb detector.Mailbox) (string, bool)
}

// PageHook is told about every page load before the engine looks for a session to resume.
type PageHook interface {
	PageLoaded(ctx context.Context, s *dom.Snapshot)
}

// Deps are the collaborators the engine drives. All are required.
type Deps struct {
	Page     Page
	Fetcher  Fetcher
	Resolver *resolver.Resolver
	Injector *inject.Injector
	Detector *detector.Detector
	Settings *store.Settings
	Sessions *session.Store
	Inbox    InboxLinks
}

func (d Deps) validate() error {
	switch {
	case d.Page == nil:
		return errors.New("page cannot be nil")
	case d.Fetcher == nil:
		return errors.New("fetcher cannot be nil")
	case d.Resolver == nil:
		return errors.New("resolver cannot be nil")
	case d.Injector == nil:
		return errors.New("injector cannot be nil")
	case d.Detector == nil:
		return errors.New("detector cannot be nil")
	case d.Settings == nil:
		return errors.New("settings cannot be nil")
	case d.Sessions == nil:
		return errors.New("session store cannot be nil")
	case d.Inbox == nil:
		return errors.New("inbox links cannot be nil")
	}
	return nil
}

// Option configures optional engine behaviour.
type Option func(*Engine)

// WithMetrics records run outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStatus registers the status sink.
func WithStatus(fn StatusFunc) Option {
	return func(e *Engine) { e.status = fn }
}

// WithHooks adds page load hooks.
func WithHooks(hooks ...PageHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

// Engine owns one state machine per (origin, purpose) and runs the polling loop for each.
type Engine struct {
	cfg        config.EngineConfig
	logger     *zap.Logger
	deps       Deps
	metrics    *observability.Metrics
	status     StatusFunc
	hooks      []PageHook
	precedence []schemas.Purpose
	now        func() time.Time

	// stateLock guards machines, opened and isRunning.
	stateLock sync.Mutex
	machines  map[machineKey]*machine
	opened    map[string]bool
	isRunning bool

	runs sync.WaitGroup
}

// New creates an engine.
func New(cfg config.EngineConfig, logger *zap.Logger, deps Deps, opts ...Option) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "engine")),
		deps:       deps,
		precedence: precedence(cfg.PurposePrecedence),
		now:        time.Now,
		machines:   make(map[machineKey]*machine),
		opened:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// precedence parses the configured order and appends any purpose it leaves out.
func precedence(names []string) []schemas.Purpose {
	var out []schemas.Purpose
	seen := map[schemas.Purpose]bool{}
	for _, n := range names {
		p := schemas.Purpose(strings.ToLower(strings.TrimSpace(n)))
		if (p == schemas.PurposeLogin || p == schemas.PurposeRegistration) && !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	for _, p := range schemas.Purposes {
		if !seen[p] {
			out = append(out, p)
		}
	}
	return out
}

// Precedence returns the purpose order used when both detectors fire.
func (e *Engine) Precedence() []schemas.Purpose { return e.precedence }

// -- Entry points --

// TriggerEvent is a click or form submission observed on the page.
type TriggerEvent struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// HandleTrigger starts a login cycle when ev activated the configured trigger and the email
// field holds a supported disposable address. It reports whether a cycle started.
func (e *Engine) HandleTrigger(ctx context.Context, ev TriggerEvent) bool {
	s, err := e.deps.Page.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("Failed to read page for trigger.", zap.Error(err))
		return false
	}
	host := s.Host()
	site, ok := e.site(ctx, host)
	if !ok {
		e.logger.Debug("No site configuration, ignoring trigger.", zap.String("origin", host),
			zap.String("failure", string(FailureConfigurationMissing)))
		return false
	}
	if !site.Enabled || site.TriggerSelector == "" {
		return false
	}

	el := s.ByRef(ev.Ref)
	if el == nil {
		return false
	}
	var hit bool
	switch ev.Type {
	case "submit":
		hit, _ = el.Matches(site.TriggerSelector)
	default:
		closest, _ := el.Closest(site.TriggerSelector)
		hit = closest != nil
	}
	if !hit {
		return false
	}

	field := e.deps.Resolver.FindEmail(s, site.EmailSelector)
	if field == nil || field.Value() == "" {
		e.logger.Warn("Trigger detected, but the email field is missing or empty.", zap.String("origin", host))
		return false
	}
	mb, ok := e.deps.Detector.ParseMailbox(field.Value())
	if !ok || !mb.Polled() {
		// Addresses we cannot poll are not ours to handle.
		return false
	}

	flags, _ := e.deps.Settings.Flags(ctx)
	if flags.AutoOpenInbox {
		e.openInbox(ctx, mb)
	}
	return e.start(ctx, startSpec{
		origin:  host,
		purpose: schemas.PurposeLogin,
		mailbox: mb,
		source:  SourceTrigger,
		site:    site,
	})
}

// HandleDetection runs the page-state detector for the purposes that are still idle on this
// page load and starts the highest precedence one that fired. It returns the started purpose.
func (e *Engine) HandleDetection(ctx context.Context) (schemas.Purpose, bool) {
	s, err := e.deps.Page.Snapshot(ctx)
	if err != nil {
		e.logger.Debug("Failed to read page for detection.", zap.Error(err))
		return "", false
	}
	host := s.Host()
	site, hasSite := e.site(ctx, host)
	if hasSite && !site.Enabled {
		return "", false
	}

	var idle []schemas.Purpose
	for _, p := range e.deps.Detector.Purposes(s.URL, hasSite) {
		if e.State(host, p) == StateIdle {
			idle = append(idle, p)
		}
	}
	if len(idle) == 0 {
		return "", false
	}

	res := e.deps.Detector.Detect(s, idle...)
	candidates := res.Purposes(e.precedence)
	if len(candidates) == 0 || res.Mailbox == nil {
		return "", false
	}
	mb := *res.Mailbox

	flags, err := e.deps.Settings.Flags(ctx)
	if err != nil {
		e.logger.Warn("Failed to read flags, using defaults.", zap.Error(err))
	}
	if !mb.Polled() {
		if flags.AutoOpenYopmail {
			e.openInbox(ctx, mb)
		}
		return "", false
	}
	if flags.AutoOpenInbox {
		e.openInbox(ctx, mb)
	}
	if !flags.AutoOtpEnabled && !hasSite {
		e.logger.Debug("Automatic OTP is disabled.", zap.String("origin", host))
		return "", false
	}

	p := candidates[0]
	if len(candidates) > 1 {
		e.logger.Info("Both verification kinds detected, applying precedence.",
			zap.String("origin", host), zap.String("chosen", string(p)))
	}
	started := e.start(ctx, startSpec{
		origin:  host,
		purpose: p,
		mailbox: mb,
		source:  SourceDetection,
		site:    site,
	})
	return p, started
}

// Resume restarts polling for a session persisted by an earlier page on the same origin.
func (e *Engine) Resume(ctx context.Context, s *dom.Snapshot) bool {
	host := s.Host()
	sess, ok, err := e.deps.Sessions.Load(ctx, host)
	if err != nil {
		e.logger.Warn("Failed to load session.", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	site, hasSite := e.site(ctx, host)
	mb, valid := e.deps.Detector.ParseMailbox(sess.MailboxAddress)
	if (hasSite && !site.Enabled) || !valid || !mb.Polled() {
		if err := e.deps.Sessions.Clear(ctx, host); err != nil {
			e.logger.Warn("Failed to clear session.", zap.Error(err))
		}
		return false
	}
	purpose := sess.Purpose
	if purpose == "" {
		purpose = schemas.PurposeLogin
	}
	e.logger.Info("Resuming session.", zap.String("origin", host), zap.String("mailbox", mb.Address))
	return e.start(ctx, startSpec{
		origin:  host,
		purpose: purpose,
		mailbox: mb,
		source:  SourceResume,
		site:    site,
		started: sess.StartedAt,
	})
}

// PageLoaded marks a new page load: finished machines return to Idle, inbox tabs may be
// opened again, hooks run and any persisted session is resumed.
func (e *Engine) PageLoaded(ctx context.Context) {
	e.stateLock.Lock()
	for _, m := range e.machines {
		if m.state.Terminal() {
			m.state = StateIdle
		}
	}
	e.opened = make(map[string]bool)
	e.stateLock.Unlock()

	s, err := e.deps.Page.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("Failed to read loaded page.", zap.Error(err))
		return
	}
	for _, h := range e.hooks {
		h.PageLoaded(ctx, s)
	}
	e.Resume(ctx, s)
}

// Stop cancels the running cycles for origin, or every cycle when origin is empty.
// It returns how many were cancelled.
func (e *Engine) Stop(origin string) int {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	n := 0
	for k, m := range e.machines {
		if (origin == "" || k.origin == origin) && m.state.Running() && m.cancel != nil {
			m.cancel()
			n++
		}
	}
	return n
}

// Wait blocks until every started run has finished.
func (e *Engine) Wait() { e.runs.Wait() }

// State returns the current state of the (origin, purpose) machine.
func (e *Engine) State(origin string, purpose schemas.Purpose) State {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if m, ok := e.machines[machineKey{origin, purpose}]; ok {
		return m.state
	}
	return StateIdle
}

// Attempts returns the polling state of the (origin, purpose) machine.
func (e *Engine) Attempts(origin string, purpose schemas.Purpose) schemas.PollingAttemptState {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if m, ok := e.machines[machineKey{origin, purpose}]; ok {
		return m.attempt
	}
	return schemas.PollingAttemptState{}
}

// -- Starting a run --

// startSpec is the immutable description of one run.
type startSpec struct {
	origin  string
	purpose schemas.Purpose
	mailbox detector.Mailbox
	source  StartSource
	site    schemas.SiteOtpConfig
	started time.Time
	runID   string
}

func (sp startSpec) key() machineKey { return machineKey{sp.origin, sp.purpose} }

func (e *Engine) start(ctx context.Context, sp startSpec) bool {
	log := e.logger.With(
		zap.String("origin", sp.origin),
		zap.String("purpose", string(sp.purpose)),
		zap.String("source", string(sp.source)))

	e.stateLock.Lock()
	m, ok := e.machines[sp.key()]
	if !ok {
		m = &machine{key: sp.key(), state: StateIdle}
		e.machines[sp.key()] = m
	}
	switch {
	case m.state.Running():
		e.stateLock.Unlock()
		log.Debug("Cycle already in progress, ignoring start.")
		return false
	case sp.source == SourceDetection && m.state != StateIdle:
		e.stateLock.Unlock()
		return false
	case e.cfg.ExclusivePurposes && e.otherRunningLocked(sp):
		e.stateLock.Unlock()
		log.Info("Another purpose holds this page, ignoring start.")
		return false
	}

	if sp.started.IsZero() {
		sp.started = e.now()
	}
	sp.runID = uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	prev := m.state
	m.state = StateTriggered
	m.runID = sp.runID
	m.mailbox = sp.mailbox
	m.started = sp.started
	m.cancel = cancel
	m.attempt = schemas.PollingAttemptState{
		MaxAttempts:        e.cfg.MaxAttempts,
		Interval:           e.cfg.PollInterval,
		HandlingInProgress: true,
	}
	e.runs.Add(1)
	e.stateLock.Unlock()

	log.Info("State transition.",
		zap.String("run_id", sp.runID),
		zap.String("from", string(prev)),
		zap.String("to", string(StateTriggered)),
		zap.String("mailbox", sp.mailbox.Address))
	e.emit(sp, StateTriggered, FailureNone, nil, "Waiting for the code to arrive.")

	if sp.source != SourceResume {
		err := e.deps.Sessions.Save(ctx, schemas.OtpSession{
			MailboxAddress: sp.mailbox.Address,
			OriginDomain:   sp.origin,
			Purpose:        sp.purpose,
			StartedAt:      sp.started,
		})
		if err != nil {
			log.Warn("Failed to persist session.", zap.Error(err))
		}
	}
	if err := e.deps.Settings.SetLastUsername(ctx, sp.mailbox.Username); err != nil {
		log.Warn("Failed to record last username.", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.RunsInFlight.WithLabelValues(string(sp.purpose)).Inc()
	}

	go e.run(runCtx, sp)
	return true
}

func (e *Engine) otherRunningLocked(sp startSpec) bool {
	for k, m := range e.machines {
		if k.origin == sp.origin && k.purpose != sp.purpose && m.state.Running() {
			return true
		}
	}
	return false
}

// -- Helpers --

func (e *Engine) site(ctx context.Context, host string) (schemas.SiteOtpConfig, bool) {
	cfg, ok, err := e.deps.Settings.SiteConfig(ctx, host)
	if err != nil {
		e.logger.Warn("Failed to read site configuration.", zap.String("origin", host), zap.Error(err))
		return schemas.SiteOtpConfig{}, false
	}
	return cfg, ok
}

// openInbox opens the inbox tab for mb at most once per page load.
func (e *Engine) openInbox(ctx context.Context, mb detector.Mailbox) {
	target, ok := e.deps.Inbox.URL(mb)
	if !ok {
		return
	}
	e.stateLock.Lock()
	if e.opened[target] {
		e.stateLock.Unlock()
		return
	}
	e.opened[target] = true
	e.stateLock.Unlock()

	if err := e.deps.Page.OpenTab(ctx, target); err != nil {
		e.logger.Warn("Failed to open inbox tab.", zap.String("url", target), zap.Error(err))
		return
	}
	e.logger.Info("Opened inbox tab.", zap.String("url", target))
}

func (e *Engine) emit(sp startSpec, state State, failure FailureKind, remaining *int, msg string) {
	if e.status == nil {
		return
	}
	att := e.Attempts(sp.origin, sp.purpose)
	e.status(Status{
		RunID:            sp.runID,
		Origin:           sp.origin,
		Purpose:          sp.purpose,
		State:            state,
		Failure:          failure,
		Mailbox:          sp.mailbox.Address,
		Attempt:          att.AttemptsMade,
		MaxAttempts:      att.MaxAttempts,
		RemainingSeconds: remaining,
		Message:          msg,
		Time:             e.now(),
	})
}
