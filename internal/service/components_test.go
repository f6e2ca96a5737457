package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/browser"
	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/inject"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/relay"
	"github.com/dakbox/dakbox-cli/internal/store"
)

// -- Mocks --

type MockBrowserManager struct {
	mock.Mock
}

func (m *MockBrowserManager) OpenPage(ctx context.Context, rawURL string) (*browser.Page, error) {
	args := m.Called(ctx, rawURL)
	p, _ := args.Get(0).(*browser.Page)
	return p, args.Error(1)
}

func (m *MockBrowserManager) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type closeTrackingKV struct {
	*store.Memory
	mu     sync.Mutex
	closed bool
}

func (k *closeTrackingKV) Close() error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	return k.Memory.Close()
}

type nopPage struct{}

func (nopPage) Focus(context.Context, string) error                { return nil }
func (nopPage) Blur(context.Context, string) error                 { return nil }
func (nopPage) Write(context.Context, inject.Write) error          { return nil }
func (nopPage) Sleep(ctx context.Context, _ time.Duration) error   { return ctx.Err() }
func (nopPage) Click(context.Context, string) error                { return nil }
func (nopPage) OpenTab(context.Context, string) error              { return nil }
func (nopPage) Snapshot(context.Context) (*dom.Snapshot, error)    { return dom.ParseString("<html></html>", "https://shop.test/", nil) }

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.StoreCfg.Backend = "memory"
	return cfg
}

// -- Tests --

func TestTimedWait(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			wg.Done()
		}()
		assert.True(t, timedWait(wg.Wait, time.Second), "timedWait should return true when wait completes")
	})

	t.Run("Timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		assert.False(t, timedWait(func() { <-release }, 10*time.Millisecond), "timedWait should return false on timeout")
	})
}

func TestNewComponents(t *testing.T) {
	ctx := context.Background()
	kv := &closeTrackingKV{Memory: store.NewMemory()}

	c, err := NewComponents(ctx, testConfig(), zaptest.NewLogger(t), WithKV(kv))
	require.NoError(t, err)
	require.NotNil(t, c.Settings)
	require.NotNil(t, c.Sessions)
	require.NotNil(t, c.Metrics)
	assert.Nil(t, c.Relay)
	assert.Same(t, c.Mail, c.Fetcher())

	c.Shutdown()
	assert.True(t, kv.closed)
}

func TestNewComponents_RelayFetcher(t *testing.T) {
	cfg := testConfig()
	cfg.RelayCfg.ClientAddr = "127.0.0.1:8787"

	c, err := NewComponents(context.Background(), cfg, zaptest.NewLogger(t), WithKV(store.NewMemory()))
	require.NoError(t, err)
	defer c.Shutdown()

	require.NotNil(t, c.Relay)
	_, ok := c.Fetcher().(*relay.Client)
	assert.True(t, ok)
}

func TestNewComponents_FailureReleasesStore(t *testing.T) {
	cfg := testConfig()
	cfg.MailAPICfg.BaseURL = "not a url"
	kv := &closeTrackingKV{Memory: store.NewMemory()}

	c, err := NewComponents(context.Background(), cfg, zaptest.NewLogger(t), WithKV(kv))
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, kv.closed)
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	settings := store.NewSettings(store.NewMemory())
	require.NoError(t, settings.SetToken(ctx, "from-store"))

	tok, err := TokenSource(config.MailAPIConfig{Token: "from-config"}, settings).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-config", tok)

	tok, err = TokenSource(config.MailAPIConfig{}, settings).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-store", tok)

	_, ok := TokenSource(config.MailAPIConfig{Token: "x"}, settings).(mailclient.StaticToken)
	assert.True(t, ok)
}

func TestComponents_BrowserIsLazy(t *testing.T) {
	mgr := new(MockBrowserManager)
	mgr.On("Shutdown", mock.Anything).Return(nil).Once()
	created := 0

	c, err := NewComponents(context.Background(), testConfig(), zaptest.NewLogger(t),
		WithKV(store.NewMemory()),
		WithBrowserFactory(func() BrowserManager { created++; return mgr }))
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	assert.Same(t, mgr, c.Browser())
	assert.Same(t, mgr, c.Browser())
	assert.Equal(t, 1, created)

	c.Shutdown()
	mgr.AssertExpectations(t)
}

func TestComponents_ShutdownWithoutBrowser(t *testing.T) {
	mgr := new(MockBrowserManager)
	c, err := NewComponents(context.Background(), testConfig(), zaptest.NewLogger(t),
		WithKV(store.NewMemory()),
		WithBrowserFactory(func() BrowserManager { return mgr }))
	require.NoError(t, err)
	c.Shutdown()
	mgr.AssertNotCalled(t, "Shutdown", mock.Anything)
}

func TestComponents_NewEngineAndDispatcher(t *testing.T) {
	ctx := context.Background()
	c, err := NewComponents(ctx, testConfig(), zaptest.NewLogger(t), WithKV(store.NewMemory()))
	require.NoError(t, err)
	defer c.Shutdown()

	bundle, err := c.NewEngine(nopPage{})
	require.NoError(t, err)
	require.NotNil(t, bundle.Engine)
	require.NotNil(t, bundle.Generator)
	assert.Equal(t, []schemas.Purpose{schemas.PurposeRegistration, schemas.PurposeLogin}, bundle.Engine.Precedence())

	d, err := c.NewDispatcher()
	require.NoError(t, err)
	defer d.Close()
	resp := d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionGetSettings})
	assert.True(t, resp.Success)

	assert.NotNil(t, c.NewRelayServer(d).Handler())
}
