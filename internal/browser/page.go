// File: internal/browser/page.go
package browser

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/engine"
	"github.com/dakbox/dakbox-cli/internal/inject"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventBuffer is the page event backlog. Events beyond it are dropped.
const eventBuffer = 64

// Page is one instrumented tab. It satisfies engine.Page.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	onClose func()

	mu       sync.Mutex
	events   chan engine.Event
	bindings map[string]func(payload string)
	isClosed bool
}

var _ engine.Page = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	id := uuid.NewString()
	return &Page{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger.Named("page").With(zap.String("page_id", id)),
		events:   make(chan engine.Event, eventBuffer),
		bindings: make(map[string]func(string)),
	}
}

// ID returns the page identifier.
func (p *Page) ID() string { return p.id }

// Events streams clicks, submits, settled mutations and loads. It is closed with the page.
func (p *Page) Events() <-chan engine.Event { return p.events }

// instrument attaches the event listener to the tab before any document loads.
func (p *Page) instrument(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.listen)
	err := p.runActions(ctx,
		runtime.AddBinding(eventBinding),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(listenerScript).Do(c)
			return err
		}),
	)
	if err != nil {
		return err
	}
	go func() {
		<-p.ctx.Done()
		p.Close()
	}()
	return nil
}

// listen runs on the chromedp event goroutine and must not block.
func (p *Page) listen(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name == eventBinding {
			if pe, ok := parseEvent(e.Payload); ok {
				p.push(pe)
			}
			return
		}
		p.mu.Lock()
		fn := p.bindings[e.Name]
		p.mu.Unlock()
		if fn != nil {
			go p.call(e.Name, fn, e.Payload)
		}
	case *inspector.EventDetached:
		p.logger.Info("Page detached.", zap.String("reason", string(e.Reason)))
		go p.Close()
	}
}

func (p *Page) call(name string, fn func(string), payload string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic during exposed function call.",
				zap.String("name", name),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn(payload)
}

func (p *Page) push(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("Page event dropped, consumer is behind.", zap.String("type", string(ev.Type)))
	}
}

// parseEvent decodes a listener payload.
func parseEvent(payload string) (engine.Event, bool) {
	var ev engine.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return engine.Event{}, false
	}
	switch ev.Type {
	case engine.EventClick, engine.EventSubmit:
		return ev, ev.Ref != ""
	case engine.EventMutation, engine.EventLoad:
		return engine.Event{Type: ev.Type}, true
	}
	return engine.Event{}, false
}

// Expose registers fn under name so page scripts can call window[name](payload).
func (p *Page) Expose(ctx context.Context, name string, fn func(payload string)) error {
	if err := p.runActions(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("failed to add binding '%s': %w", name, err)
	}
	p.mu.Lock()
	p.bindings[name] = fn
	p.mu.Unlock()
	return nil
}

// Evaluate runs expr in the current document and unmarshals the result into res when non-nil.
func (p *Page) Evaluate(ctx context.Context, expr string, res interface{}) error {
	return p.runActions(ctx, chromedp.Evaluate(expr, res))
}

// Navigate loads rawURL and waits for the body.
func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	timeout := p.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, stop := CombineContext(p.ctx, navCtx)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate(rawURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", rawURL, err)
	}
	p.logger.Info("Navigated.", zap.String("url", rawURL))
	return nil
}

// snapshotPayload is what snapshotScript returns.
type snapshotPayload struct {
	URL    string                   `json:"url"`
	HTML   string                   `json:"html"`
	States map[string]dom.NodeState `json:"states"`
}

// Snapshot stamps the live document and returns a parsed copy of it.
func (p *Page) Snapshot(ctx context.Context) (*dom.Snapshot, error) {
	var raw snapshotPayload
	if err := p.Evaluate(ctx, snapshotScript, &raw); err != nil {
		return nil, fmt.Errorf("failed to capture snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func decodeSnapshot(raw snapshotPayload) (*dom.Snapshot, error) {
	if raw.HTML == "" {
		return nil, fmt.Errorf("empty document at %q", raw.URL)
	}
	return dom.ParseString(raw.HTML, raw.URL, raw.States)
}

// -- Injector target --

// Focus focuses the element with ref.
func (p *Page) Focus(ctx context.Context, ref string) error {
	script, err := inject.FocusScript(ref)
	if err != nil {
		return err
	}
	return p.act(ctx, script, ref, false)
}

// Blur blurs the element with ref.
func (p *Page) Blur(ctx context.Context, ref string) error {
	script, err := inject.BlurScript(ref)
	if err != nil {
		return err
	}
	return p.act(ctx, script, ref, false)
}

// Write applies w to its field.
func (p *Page) Write(ctx context.Context, w inject.Write) error {
	script, err := inject.WriteScript(w)
	if err != nil {
		return err
	}
	return p.act(ctx, script, w.Ref, false)
}

// Click clicks the element with ref. It returns ErrNoTarget when the element is gone.
func (p *Page) Click(ctx context.Context, ref string) error {
	script, err := inject.ClickScript(ref)
	if err != nil {
		return err
	}
	return p.act(ctx, script, ref, true)
}

// Sleep pauses execution for a given duration (context-aware).
func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return chromedp.Sleep(d).Do(ctx)
}

// OpenTab opens rawURL in a new browser tab without switching the driven page.
func (p *Page) OpenTab(ctx context.Context, rawURL string) error {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Browser == nil {
		return fmt.Errorf("page is not attached to a browser")
	}
	opCtx, cancel := p.opContext(ctx)
	defer cancel()
	if _, err := target.CreateTarget(rawURL).Do(cdp.WithExecutor(opCtx, c.Browser)); err != nil {
		return fmt.Errorf("failed to open tab %s: %w", rawURL, err)
	}
	return nil
}

// act evaluates an element script. A missing element is only an error when strict.
func (p *Page) act(ctx context.Context, script, ref string, strict bool) error {
	var ok bool
	if err := p.Evaluate(ctx, script, &ok); err != nil {
		return err
	}
	if !ok {
		if strict {
			return fmt.Errorf("%w: %s", ErrNoTarget, ref)
		}
		p.logger.Debug("Element missing for action.", zap.String("ref", ref))
	}
	return nil
}

// -- Lifecycle --

// Close closes the tab and the event stream. It is safe to call more than once.
func (p *Page) Close() {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return
	}
	p.isClosed = true
	close(p.events)
	p.mu.Unlock()

	p.cancel()
	if p.onClose != nil {
		p.onClose()
	}
	p.logger.Debug("Page closed.")
}

func (p *Page) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	if p.cfg.ActionTimeout > 0 {
		timed, tcancel := context.WithTimeout(runCtx, p.cfg.ActionTimeout)
		return timed, func() { tcancel(); cancel() }
	}
	return runCtx, cancel
}

func (p *Page) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.opContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// CombineContext creates a new context that is canceled when either parentCtx or secondaryCtx
// is canceled. The chromedp target carried by parentCtx is kept.
func CombineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)
	go func() {
		select {
		case <-secondaryCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()
	return combinedCtx, cancel
}
