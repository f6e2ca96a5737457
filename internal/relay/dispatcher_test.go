package relay

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/picker"
	"github.com/dakbox/dakbox-cli/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// -- Fakes --

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchCode(ctx context.Context, username string, purpose schemas.Purpose, opts mailclient.FetchOptions) (schemas.OtpFetchResult, error) {
	args := m.Called(ctx, username, purpose, opts)
	return args.Get(0).(schemas.OtpFetchResult), args.Error(1)
}

type fakeTabs struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (f *fakeTabs) OpenTab(_ context.Context, rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.opened = append(f.opened, rawURL)
	return nil
}

// fakePicker blocks in Pick until Deliver is called or ctx ends.
type fakePicker struct {
	mu      sync.Mutex
	pending chan picker.Result
	started chan struct{}
}

func newFakePicker() *fakePicker {
	return &fakePicker{started: make(chan struct{}, 1)}
}

func (f *fakePicker) Pick(ctx context.Context) (picker.Result, error) {
	ch := make(chan picker.Result, 1)
	f.mu.Lock()
	f.pending = ch
	f.mu.Unlock()
	f.started <- struct{}{}
	defer func() {
		f.mu.Lock()
		f.pending = nil
		f.mu.Unlock()
	}()
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return picker.Result{}, ctx.Err()
	}
}

func (f *fakePicker) Deliver(res picker.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return picker.ErrNotArmed
	}
	f.pending <- res
	return nil
}

// -- Harness --

type dispatchHarness struct {
	d        *Dispatcher
	fetcher  *mockFetcher
	settings *store.Settings
	tabs     *fakeTabs
	picker   *fakePicker
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{
		fetcher:  new(mockFetcher),
		settings: store.NewSettings(store.NewMemory()),
		tabs:     &fakeTabs{},
		picker:   newFakePicker(),
	}
	d, err := NewDispatcher(h.fetcher, h.settings, config.MailAPIConfig{InboxBaseURL: "https://dakbox.test/go/"},
		zaptest.NewLogger(t), WithTabs(h.tabs), WithPicker(h.picker, time.Minute))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	h.d = d
	return h
}

func intPtr(i int) *int { return &i }

// -- Construction --

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	settings := store.NewSettings(store.NewMemory())
	_, err := NewDispatcher(nil, settings, config.MailAPIConfig{}, nil)
	assert.Error(t, err)
	_, err = NewDispatcher(new(mockFetcher), nil, config.MailAPIConfig{}, nil)
	assert.Error(t, err)

	d, err := NewDispatcher(new(mockFetcher), settings, config.MailAPIConfig{}, nil)
	require.NoError(t, err)
	defer d.Close()
	resp := d.Dispatch(context.Background(), schemas.RelayRequest{Action: schemas.ActionOpenInboxTab, Username: "abc"})
	require.True(t, resp.Success)
	assert.Equal(t, "https://dakbox.net/go/abc", resp.URL)
}

// -- Fetch --

func TestDispatch_FetchOtp(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()
	remaining := 120
	found := schemas.OtpFetchResult{Outcome: schemas.OutcomeFound, Code: "482913", RemainingSeconds: &remaining}

	h.fetcher.On("FetchCode", mock.Anything, "alice", schemas.PurposeLogin,
		mailclient.FetchOptions{MaxRetries: 3, ExpirySeconds: intPtr(300)}).Return(found, nil).Once()

	resp := h.d.Dispatch(ctx, schemas.RelayRequest{
		ID: "req-1", Action: schemas.ActionFetchOtp, Username: "alice", MaxRetries: intPtr(3), Expiry: intPtr(300),
	})
	assert.Equal(t, "req-1", resp.ID)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "482913", resp.Result.Code)
	h.fetcher.AssertExpectations(t)
}

func TestDispatch_FetchRegistrationIgnoresExpiry(t *testing.T) {
	h := newDispatchHarness(t)
	h.fetcher.On("FetchCode", mock.Anything, "bob", schemas.PurposeRegistration, mailclient.FetchOptions{}).
		Return(schemas.OtpFetchResult{Outcome: schemas.OutcomeFound, Code: "1234"}, nil).Once()

	resp := h.d.Dispatch(context.Background(), schemas.RelayRequest{
		Action: schemas.ActionFetchRegistrationOtp, Username: "bob", Expiry: intPtr(60),
	})
	assert.True(t, resp.Success)
	h.fetcher.AssertExpectations(t)
}

func TestDispatch_FetchFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("not found carries the outcome", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.fetcher.On("FetchCode", mock.Anything, "alice", schemas.PurposeLogin, mock.Anything).
			Return(schemas.OtpFetchResult{Outcome: schemas.OutcomeNotFound}, nil)
		resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionFetchOtp, Username: "alice"})
		assert.False(t, resp.Success)
		assert.Equal(t, "not_found", resp.Error)
		require.NotNil(t, resp.Result)
		assert.Equal(t, schemas.OutcomeNotFound, resp.Result.Outcome)
	})

	t.Run("auth error carries the message", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.fetcher.On("FetchCode", mock.Anything, "alice", schemas.PurposeLogin, mock.Anything).
			Return(schemas.OtpFetchResult{Outcome: schemas.OutcomeAuthError, Message: "token rejected"}, nil)
		resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionFetchOtp, Username: "alice"})
		assert.False(t, resp.Success)
		assert.Equal(t, "token rejected", resp.Error)
	})

	t.Run("fetcher error", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.fetcher.On("FetchCode", mock.Anything, "alice", schemas.PurposeLogin, mock.Anything).
			Return(schemas.OtpFetchResult{}, errors.New("connection refused"))
		resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionFetchOtp, Username: "alice"})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "connection refused")
	})

	t.Run("invalid requests never reach the fetcher", func(t *testing.T) {
		h := newDispatchHarness(t)
		for _, req := range []schemas.RelayRequest{
			{Action: schemas.ActionFetchOtp},
			{Action: schemas.ActionFetchOtp, Username: "alice@dakbox.net"},
			{Action: schemas.ActionFetchOtp, Username: "alice", MaxRetries: intPtr(0)},
			{Action: schemas.ActionFetchOtp, Username: "alice", MaxRetries: intPtr(99)},
			{Action: ""},
			{Action: "selfDestruct"},
		} {
			resp := h.d.Dispatch(ctx, req)
			assert.False(t, resp.Success, "%+v", req)
			assert.NotEmpty(t, resp.Error)
		}
		h.fetcher.AssertNotCalled(t, "FetchCode", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

// -- Inbox --

func TestDispatch_OpenInboxTab(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()

	resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionOpenInboxTab, Username: "carol"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "https://dakbox.test/go/carol", resp.URL)
	assert.Equal(t, []string{"https://dakbox.test/go/carol"}, h.tabs.opened)

	h.tabs.err = errors.New("browser gone")
	resp = h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionOpenInboxTab, Username: "carol"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "browser gone")
}

// -- Settings --

func TestDispatch_Settings(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()

	resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionSaveSettings, Settings: map[string]stdjson.RawMessage{
		schemas.KeyAutoGenerate: stdjson.RawMessage(`true`),
		schemas.KeyAPIToken:     stdjson.RawMessage(`"tok-123"`),
	}})
	require.True(t, resp.Success, resp.Error)

	resp = h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionGetSettings})
	require.True(t, resp.Success)
	require.NotNil(t, resp.Settings)
	assert.True(t, resp.Settings.AutoGenerate)
	assert.True(t, resp.Settings.AutoOtpEnabled)
	assert.Equal(t, "tok-123", resp.Settings.APIToken)

	resp = h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionSaveSettings, Settings: map[string]stdjson.RawMessage{
		"somethingElse": stdjson.RawMessage(`1`),
	}})
	assert.False(t, resp.Success)
}

// -- Picker --

func TestDispatch_ArmPickerStoresSelector(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()

	resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: string(schemas.PickOtp), Domain: "Shop.Test"})
	require.True(t, resp.Success, resp.Error)
	assert.NotEmpty(t, resp.Message)
	<-h.picker.started
	assert.True(t, h.d.Armed())

	again := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: string(schemas.PickOtp)})
	assert.False(t, again.Success)
	assert.Equal(t, picker.ErrBusy.Error(), again.Error)

	resp = h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionPickerResult, Selector: "#otp"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "#otp", resp.Selector)

	require.Eventually(t, func() bool {
		cfg, ok, err := h.settings.SiteConfig(ctx, "shop.test")
		return err == nil && ok && cfg.OtpSelector == "#otp" && cfg.Enabled
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.d.Armed() }, time.Second, 10*time.Millisecond)
}

func TestDispatch_ArmPickerUsesPickedHost(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()
	require.NoError(t, h.settings.SaveSiteConfig(ctx, schemas.SiteOtpConfig{Domain: "shop.test", OtpSelector: "#otp", Enabled: true}))

	resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: string(schemas.PickSubmit)})
	require.True(t, resp.Success, resp.Error)
	<-h.picker.started
	require.NoError(t, h.picker.Deliver(picker.Result{Selector: "button.verify", Host: "shop.test"}))

	require.Eventually(t, func() bool {
		cfg, _, err := h.settings.SiteConfig(ctx, "shop.test")
		return err == nil && cfg.OtpSubmitSelector == "button.verify" && cfg.OtpSelector == "#otp"
	}, time.Second, 10*time.Millisecond)
}

func TestDispatch_ArmPickerCancelled(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()

	resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: string(schemas.PickOtp), Domain: "shop.test"})
	require.True(t, resp.Success)
	<-h.picker.started

	resp = h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionPickerResult, Cancelled: true})
	require.True(t, resp.Success)
	require.Eventually(t, func() bool { return !h.d.Armed() }, time.Second, 10*time.Millisecond)

	_, ok, err := h.settings.SiteConfig(ctx, "shop.test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatch_PickerErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown target", func(t *testing.T) {
		h := newDispatchHarness(t)
		resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: "logo"})
		assert.False(t, resp.Success)
		assert.False(t, h.d.Armed())
	})

	t.Run("result while nothing armed", func(t *testing.T) {
		h := newDispatchHarness(t)
		resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionPickerResult, Selector: "#x"})
		assert.False(t, resp.Success)
		assert.Equal(t, picker.ErrNotArmed.Error(), resp.Error)
	})

	t.Run("no page attached", func(t *testing.T) {
		d, err := NewDispatcher(new(mockFetcher), store.NewSettings(store.NewMemory()), config.MailAPIConfig{}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer d.Close()
		resp := d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: string(schemas.PickOtp)})
		assert.False(t, resp.Success)
		resp = d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionPickerResult})
		assert.False(t, resp.Success)
	})

	t.Run("close abandons an armed pick", func(t *testing.T) {
		h := newDispatchHarness(t)
		resp := h.d.Dispatch(ctx, schemas.RelayRequest{Action: schemas.ActionArmPicker, Target: string(schemas.PickOtp), Domain: "shop.test"})
		require.True(t, resp.Success)
		<-h.picker.started
		h.d.Close()
		assert.False(t, h.d.Armed())
	})
}
