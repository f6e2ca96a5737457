// File: internal/engine/loop.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/session"
	"github.com/dakbox/dakbox-cli/internal/store"
)

// ErrPageClosed is returned internally when the page event stream ends.
var ErrPageClosed = errors.New("page event stream closed")

// EventType names what happened on the page.
type EventType string

const (
	EventClick    EventType = "click"
	EventSubmit   EventType = "submit"
	EventMutation EventType = "mutation"
	EventLoad     EventType = "load"
)

// Event is one page notification. Ref is set for clicks and submits.
type Event struct {
	Type EventType `json:"type"`
	Ref  string    `json:"ref,omitempty"`
}

// Run drives the engine from page events until ctx ends or the event stream closes. It
// runs detection on load, on a fixed interval and after DOM mutations settle, and stops
// cycles whose site configuration is disabled or whose session is removed elsewhere.
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.isRunning = true
	e.stateLock.Unlock()

	defer func() {
		e.stateLock.Lock()
		e.isRunning = false
		e.stateLock.Unlock()
	}()

	changes, err := e.deps.Settings.KV().Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch settings: %w", err)
	}

	e.logger.Info("OTP engine started.")
	g, gctx := errgroup.WithContext(ctx)

	e.PageLoaded(gctx)
	e.HandleDetection(gctx)

	g.Go(func() error { return e.detectLoop(gctx) })
	g.Go(func() error { return e.eventLoop(gctx, events) })
	g.Go(func() error { return e.watchLoop(gctx, changes) })

	err = g.Wait()
	e.Stop("")
	e.Wait()
	e.logger.Info("OTP engine stopped.")

	if errors.Is(err, ErrPageClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) detectLoop(ctx context.Context) error {
	if e.cfg.DetectInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(e.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.HandleDetection(ctx)
		}
	}
}

func (e *Engine) eventLoop(ctx context.Context, events <-chan Event) error {
	// The debounce timer starts stopped and is armed by mutations.
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrPageClosed
			}
			switch ev.Type {
			case EventClick, EventSubmit:
				e.HandleTrigger(ctx, TriggerEvent{Type: string(ev.Type), Ref: ev.Ref})
			case EventMutation:
				debounce.Reset(e.cfg.MutationDebounce)
			case EventLoad:
				e.PageLoaded(ctx)
				e.HandleDetection(ctx)
			default:
				e.logger.Debug("Ignoring unknown page event.", zap.String("type", string(ev.Type)))
			}
		case <-debounce.C:
			e.HandleDetection(ctx)
		}
	}
}

func (e *Engine) watchLoop(ctx context.Context, changes <-chan schemas.Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			e.applyChange(c)
		}
	}
}

// applyChange stops runs invalidated by an external settings write.
func (e *Engine) applyChange(c schemas.Change) {
	switch c.Key {
	case schemas.KeySiteConfigs:
		sites, err := store.DecodeSiteConfigs(c.NewValue)
		if err != nil {
			e.logger.Warn("Ignoring unreadable site configuration change.", zap.Error(err))
			return
		}
		for _, origin := range e.runningOrigins() {
			if cfg, ok := sites[origin]; ok && !cfg.Enabled {
				if n := e.Stop(origin); n > 0 {
					e.logger.Info("Site disabled, stopped runs.", zap.String("origin", origin), zap.Int("runs", n))
				}
			}
		}
	case schemas.KeyOtpSession:
		if c.NewValue != nil {
			return
		}
		sess, ok := session.Decode(c.OldValue)
		if !ok {
			return
		}
		// Runs that began after the removed session wrote their own and keep going.
		if n := e.stopStartedBy(sess.OriginDomain, sess.StartedAt); n > 0 {
			e.logger.Info("Session cleared elsewhere, stopped runs.", zap.String("origin", sess.OriginDomain), zap.Int("runs", n))
		}
	}
}

// stopStartedBy cancels running machines on origin that began no later than at.
func (e *Engine) stopStartedBy(origin string, at time.Time) int {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	n := 0
	for k, m := range e.machines {
		if k.origin != origin || !m.state.Running() || m.cancel == nil {
			continue
		}
		if m.started.UnixMilli() <= at.UnixMilli() {
			m.cancel()
			n++
		}
	}
	return n
}

func (e *Engine) runningOrigins() []string {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	seen := map[string]bool{}
	var out []string
	for k, m := range e.machines {
		if m.state.Running() && !seen[k.origin] {
			seen[k.origin] = true
			out = append(out, k.origin)
		}
	}
	return out
}
