// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/engine"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/relay"
	"github.com/dakbox/dakbox-cli/internal/session"
	"github.com/dakbox/dakbox-cli/internal/store"
)

const (
	browserShutdownTimeout = 30 * time.Second
	runDrainTimeout        = 10 * time.Second
)

// BrowserManager is the part of the browser manager the components own.
type BrowserManager interface {
	OpenPage(ctx context.Context, rawURL string) (*browser.Page, error)
	Shutdown(ctx context.Context) error
}

// Components holds the services shared by every command. Everything except the browser is
// built eagerly by NewComponents; the browser is launched on first use.
type Components struct {
	Config   config.Interface
	KV       store.KV
	Settings *store.Settings
	Sessions *session.Store
	Metrics  *observability.Metrics
	Mail     *mailclient.Client
	// Relay is set when relay.client_addr is configured.
	Relay *relay.Client

	logger *zap.Logger

	mu         sync.Mutex
	browser    BrowserManager
	newBrowser func() BrowserManager
	engines    []*engine.Engine
}

// Fetcher returns the code source engines use: the relay when one is configured, the mail
// API otherwise.
func (c *Components) Fetcher() engine.Fetcher {
	if c.Relay != nil {
		return c.Relay
	}
	return c.Mail
}

// Browser returns the browser manager, creating it on first call.
func (c *Components) Browser() BrowserManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		c.browser = c.newBrowser()
	}
	return c.browser
}

// Shutdown releases everything in reverse order of construction: running cycles first, then
// the browser, then the store.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	c.mu.Lock()
	engines := c.engines
	c.engines = nil
	mgr := c.browser
	c.mu.Unlock()

	for _, e := range engines {
		e.Stop("")
		if !timedWait(e.Wait, runDrainTimeout) {
			logger.Warn("OTP cycles did not finish before shutdown.")
		}
	}

	if mgr != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	if c.KV != nil {
		if err := c.KV.Close(); err != nil {
			logger.Warn("Error closing settings store.", zap.Error(err))
		}
	}
	logger.Debug("All components shut down.")
}

// timedWait runs wait and reports whether it returned within d.
func timedWait(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
