// File: internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser/stealth"
	"github.com/dakbox/dakbox-cli/internal/config"
)

// ErrNoTarget is returned when the element an action addresses is no longer in the page.
var ErrNoTarget = errors.New("target element not found in page")

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = errors.New("browser manager is closed")

// Manager owns the Chromium process and the tabs opened in it.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu     sync.Mutex
	pages  map[string]*Page
	closed bool
	wg     sync.WaitGroup

	// Initialization state management
	initOnce sync.Once
	initErr  error
}

// NewManager creates a browser manager. The browser is launched lazily on the first OpenPage.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		pages:  make(map[string]*Page),
	}
}

// ExecOptions builds the allocator options for cfg on top of the chromedp defaults.
func ExecOptions(cfg config.BrowserConfig) ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		// A visible window is the normal mode: the user completes the rest of the form.
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("invalid user_data_dir %q: %w", cfg.UserDataDir, err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts, nil
}

// initialize starts Chromium and connects to it.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		opts, err := ExecOptions(m.cfg)
		if err != nil {
			m.initErr = err
			return
		}
		m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))

		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		var ctxOpts []chromedp.ContextOption
		if m.cfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		m.browserCtx, m.browserStop = chromedp.NewContext(m.allocCtx, ctxOpts...)

		// The first Run starts the process and attaches to its initial tab.
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserStop()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to start browser: %w", err)
			return
		}
		m.logger.Info("Browser started.")
	})
	return m.initErr
}

// OpenPage opens a new tab, instruments it and navigates to rawURL when non-empty.
func (m *Manager) OpenPage(ctx context.Context, rawURL string) (*Page, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := m.initialize(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	p := newPage(tabCtx, cancel, m.cfg, m.logger)

	m.wg.Add(1)
	p.onClose = func() {
		m.mu.Lock()
		delete(m.pages, p.ID())
		m.mu.Unlock()
		m.wg.Done()
	}

	if m.cfg.Stealth.Enabled {
		tasks, err := stealth.Apply(stealth.PersonaFromConfig(m.cfg.Stealth), m.logger)
		if err == nil {
			err = p.runActions(ctx, tasks)
		}
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to apply stealth persona: %w", err)
		}
	}
	if err := p.instrument(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to instrument page: %w", err)
	}
	m.mu.Lock()
	m.pages[p.ID()] = p
	m.mu.Unlock()

	if rawURL != "" {
		if err := p.Navigate(ctx, rawURL); err != nil {
			p.Close()
			return nil, err
		}
	}
	m.logger.Debug("Page opened.", zap.String("page_id", p.ID()), zap.String("url", rawURL))
	return p, nil
}

// Shutdown closes every page and stops the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pages := make([]*Page, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.mu.Unlock()

	if m.browserCtx == nil {
		return nil
	}
	m.logger.Info("Shutting down browser.", zap.Int("pages", len(pages)))
	for _, p := range pages {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for pages to close.", zap.Error(ctx.Err()))
	}

	var err error
	if cerr := chromedp.Cancel(m.browserCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = fmt.Errorf("failed to close browser: %w", cerr)
	}
	m.browserStop()
	m.allocCancel()
	return err
}
