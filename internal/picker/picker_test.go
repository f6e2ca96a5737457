package picker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/store"
)

func parse(t *testing.T, body string) *dom.Snapshot {
	t.Helper()
	s, err := dom.ParseString("<html><body>"+body+"</body></html>", "https://shop.test/login", nil)
	require.NoError(t, err)
	return s
}

func pick(t *testing.T, s *dom.Snapshot, selector string, index int) *dom.Element {
	t.Helper()
	els, err := s.QueryAll(selector)
	require.NoError(t, err)
	require.Greater(t, len(els), index)
	return els[index]
}

func TestSelector(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		target string
		index  int
		want   string
	}{
		{
			name:   "id wins",
			body:   `<form><input id="email" name="mail"></form>`,
			target: "input",
			want:   "#email",
		},
		{
			name:   "name attribute",
			body:   `<div id="1bad"><input name="code"><input name="other"></div>`,
			target: "input",
			want:   `input[name="code"]:nth-of-type(1)`,
		},
		{
			name:   "name attribute on a lone field",
			body:   `<div><input name="code"></div><div><span>x</span></div>`,
			target: "input",
			want:   `input[name="code"]`,
		},
		{
			name:   "classes and position",
			body:   `<div class="row"><input class="digit"><input class="digit"><input class="digit"></div>`,
			target: "input",
			index:  1,
			want:   "input.digit:nth-of-type(2)",
		},
		{
			name:   "volatile classes are dropped",
			body:   `<button class="btn btn-active x1234">Go</button><a class="btn">link</a>`,
			target: "button",
			want:   "button.btn",
		},
		{
			name:   "walks up until unique",
			body:   `<section class="a"><span>x</span></section><section class="b"><span>y</span></section>`,
			target: "span",
			index:  1,
			want:   "section.b:nth-of-type(2) > span",
		},
		{
			name:   "stops at an ancestor id",
			body:   `<p><em>one</em></p><div id="verify"><p><em>two</em></p></div>`,
			target: "em",
			index:  1,
			want:   "#verify > p > em",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := parse(t, tc.body)
			el := pick(t, s, tc.target, tc.index)
			got := Selector(s, el)
			assert.Equal(t, tc.want, got)

			matched, err := s.QueryAll(got)
			require.NoError(t, err)
			require.Len(t, matched, 1, "selector must be unique")
			assert.Equal(t, el.Node, matched[0].Node)
		})
	}
	assert.Empty(t, Selector(parse(t, ""), nil))
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "otp-box_1", escape("otp-box_1"))
	assert.Equal(t, `a\.b`, escape("a.b"))
	assert.Equal(t, `sm\:w-10`, escape("sm:w-10"))
	assert.Equal(t, `\31 x`, escape("1x"))
	assert.Equal(t, `\-`, escape("-"))
}

// -- Interactive picks --

type fakeHost struct {
	t    *testing.T
	snap *dom.Snapshot

	mu       sync.Mutex
	bindings map[string]func(string)
	scripts  []string
	onArm    string
	exposeN  int
}

func newFakeHost(t *testing.T, body string) *fakeHost {
	return &fakeHost{t: t, snap: parse(t, body), bindings: make(map[string]func(string))}
}

func (h *fakeHost) Expose(_ context.Context, name string, fn func(string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exposeN++
	h.bindings[name] = fn
	return nil
}

func (h *fakeHost) Evaluate(_ context.Context, expr string, _ interface{}) error {
	h.mu.Lock()
	h.scripts = append(h.scripts, expr)
	payload, fn := h.onArm, h.bindings[binding]
	h.mu.Unlock()
	if expr == armScript && payload != "" && fn != nil {
		go fn(payload)
	}
	return nil
}

func (h *fakeHost) Snapshot(context.Context) (*dom.Snapshot, error) { return h.snap, nil }

func (h *fakeHost) evaluated(script string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.scripts {
		if s == script {
			return true
		}
	}
	return false
}

func TestPick_ReportsSelector(t *testing.T) {
	h := newFakeHost(t, `<form><input name="otp"><button type="submit">Verify</button></form>`)
	btn := pick(t, h.snap, "button", 0)
	h.onArm = `{"ref":"` + btn.Ref + `"}`

	p := New(h, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Pick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Selector: "button", Host: "shop.test"}, res)
	assert.False(t, p.Armed())

	// The binding is registered once across picks.
	_, err = p.Pick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.exposeN)
}

func TestPick_CancelledAndMissingElement(t *testing.T) {
	for name, payload := range map[string]string{
		"cancelled":    `{"cancelled":true}`,
		"missing ref":  `{"ref":"gone"}`,
		"empty choice": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newFakeHost(t, `<input id="a">`)
			h.onArm = payload
			p := New(h, zaptest.NewLogger(t))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			res, err := p.Pick(ctx)
			require.NoError(t, err)
			assert.True(t, res.Cancelled)
			assert.Empty(t, res.Selector)
		})
	}
}

func TestPick_ContextEndsDisarms(t *testing.T) {
	h := newFakeHost(t, `<input id="a">`)
	p := New(h, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Pick(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, h.evaluated(disarmScript))
	assert.False(t, p.Armed())
}

func TestPick_BusyAndDeliver(t *testing.T) {
	h := newFakeHost(t, `<input id="a">`)
	p := New(h, zaptest.NewLogger(t))
	assert.ErrorIs(t, p.Deliver(Result{Selector: "#a"}), ErrNotArmed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		res, err := p.Pick(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, p.Armed, time.Second, 5*time.Millisecond)

	_, err := p.Pick(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, p.Deliver(Result{Selector: "#a"}))
	assert.Equal(t, Result{Selector: "#a"}, <-done)
}

func TestSave(t *testing.T) {
	ctx := context.Background()
	settings := store.NewSettings(store.NewMemory())
	require.NoError(t, settings.SaveSiteConfig(ctx, schemas.SiteOtpConfig{
		Domain: "shop.test", OtpSelector: ".otp input", Enabled: true,
	}))

	cfg, err := Save(ctx, settings, "Shop.Test", schemas.PickTrigger, Result{Selector: "#send"})
	require.NoError(t, err)
	assert.Equal(t, "#send", cfg.TriggerSelector)
	assert.Equal(t, ".otp input", cfg.OtpSelector)

	stored, ok, err := settings.SiteConfig(ctx, "shop.test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg, stored)

	cfg, err = Save(ctx, settings, "new.test", schemas.PickOtp, Result{Selector: "input.digit"})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)

	_, err = Save(ctx, settings, "other.test", schemas.PickEmail, Result{Selector: "#email"})
	assert.Error(t, err, "a new configuration still needs an OTP selector")

	_, err = Save(ctx, settings, "shop.test", schemas.PickEmail, Result{Cancelled: true})
	assert.Error(t, err)

	_, err = Save(ctx, settings, "shop.test", schemas.PickerTarget("bogus"), Result{Selector: "#x"})
	assert.Error(t, err)
}
