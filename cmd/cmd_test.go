// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/engine"
	"github.com/dakbox/dakbox-cli/internal/observability"
)

// -- Helpers --

// setupEnv points the store at a temp file and keeps logging quiet for one test.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	t.Setenv("DAKBOX_STORE_BACKEND", "file")
	t.Setenv("DAKBOX_STORE_FILE_PATH", path)
	t.Setenv("DAKBOX_LOGGER_LEVEL", "error")
	t.Setenv("DAKBOX_MAILAPI_RETRY_DELAY", "1ms")
	// Registered so the value is restored, then removed so the store token is used.
	t.Setenv("DAKBOX_API_TOKEN", "")
	require.NoError(t, os.Unsetenv("DAKBOX_API_TOKEN"))

	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	return path
}

// run executes one command line against a fresh tree and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, _ := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "dakbox %s\n%s", strings.Join(args, " "), out)
	return out
}

// settingsView runs "settings get" and decodes the printed view.
func settingsView(t *testing.T, extra ...string) map[string]interface{} {
	t.Helper()
	out := mustRun(t, append([]string{"settings", "get"}, extra...)...)
	view := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(out), &view), out)
	return view
}

// -- Sites --

func TestSitesLifecycle(t *testing.T) {
	setupEnv(t)

	assert.Contains(t, mustRun(t, "sites", "list"), "No site configurations.")

	out := mustRun(t, "sites", "add", "Shop.Test", "--otp", "#otp", "--submit", "button.verify", "--expiry", "120")
	assert.Contains(t, out, "Saved configuration for shop.test.")

	out = mustRun(t, "sites", "list")
	assert.Contains(t, out, "DOMAIN")
	assert.Contains(t, out, "shop.test")
	assert.Contains(t, out, "#otp")
	assert.Contains(t, out, "button.verify")
	assert.Contains(t, out, "120s")
	assert.Contains(t, out, "true")

	assert.Contains(t, mustRun(t, "sites", "disable", "shop.test"), "shop.test: enabled=false")
	assert.Contains(t, mustRun(t, "sites", "list"), "false")
	assert.Contains(t, mustRun(t, "sites", "enable", "shop.test"), "shop.test: enabled=true")

	assert.Contains(t, mustRun(t, "sites", "rm", "shop.test"), "Removed shop.test.")
	assert.Contains(t, mustRun(t, "sites", "list"), "No site configurations.")
}

func TestSitesAdd_RequiresOtpSelector(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "sites", "add", "shop.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otp")
}

func TestSitesToggle_Unknown(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "sites", "enable", "nowhere.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration for nowhere.test")
}

func TestSitesPick_RejectsUnknownTarget(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "sites", "pick", "shop.test", "--target", "passwordSelector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

// -- Settings --

func TestSettingsSetAndGet(t *testing.T) {
	setupEnv(t)

	view := settingsView(t)
	assert.Equal(t, true, view["dakboxAutoOtpEnabled"])
	assert.Equal(t, false, view["dakboxAutoGenerate"])

	mustRun(t, "settings", "set", "auto-otp", "false")
	mustRun(t, "settings", "set", "auto-generate", "true")
	mustRun(t, "settings", "set", "token", "tok-1234567890")
	mustRun(t, "settings", "set", "last-username", "alice")

	view = settingsView(t)
	assert.Equal(t, false, view["dakboxAutoOtpEnabled"])
	assert.Equal(t, true, view["dakboxAutoGenerate"])
	assert.Equal(t, "alice", view["dakboxLastUsername"])
	assert.Equal(t, "tok-******7890", view["dakboxApiToken"])

	assert.Equal(t, "tok-1234567890", settingsView(t, "--show-token")["dakboxApiToken"])

	mustRun(t, "settings", "set", "token", "")
	assert.NotContains(t, settingsView(t), "dakboxApiToken")
}

func TestSettingsSet_Invalid(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "settings", "set", "auto-otp", "sometimes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes true or false")

	_, err = run(t, "settings", "set", "colour", "blue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown setting")
}

// -- Generate --

func TestGenerate(t *testing.T) {
	setupEnv(t)

	email := strings.TrimSpace(mustRun(t, "generate"))
	assert.True(t, strings.HasSuffix(email, "@dakbox.net"), email)
	local := strings.TrimSuffix(email, "@dakbox.net")
	assert.NotEmpty(t, local)

	assert.Equal(t, local, settingsView(t)["dakboxLastUsername"])

	email = strings.TrimSpace(mustRun(t, "generate", "--domain", "dakbox.xyz"))
	assert.True(t, strings.HasSuffix(email, "@dakbox.xyz"), email)
}

// -- Fetch --

func newMailAPI(t *testing.T, status int, body string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastReq atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastReq.Store(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery + " " + r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("DAKBOX_MAILAPI_BASE_URL", srv.URL+"/api")
	return srv, &lastReq
}

func TestFetch_Found(t *testing.T) {
	setupEnv(t)
	_, lastReq := newMailAPI(t, http.StatusOK, `{"success":true,"data":{"otp":"123456","subject":"Your code"}}`)
	t.Setenv("DAKBOX_API_TOKEN", "secret")

	out := mustRun(t, "fetch", "alice@dakbox.net", "--expiry", "60")
	assert.Contains(t, out, "Outcome: found")
	assert.Contains(t, out, "Code:    123456")
	assert.Contains(t, out, "Subject: Your code")
	assert.Equal(t, "GET /api/otp/get?email=alice&expiry=60 Bearer secret", lastReq.Load())

	assert.Equal(t, "alice", settingsView(t)["dakboxLastUsername"])
}

func TestFetch_RegistrationJSON(t *testing.T) {
	setupEnv(t)
	_, lastReq := newMailAPI(t, http.StatusOK, `{"success":true,"data":{"otp":"777111"}}`)
	mustRun(t, "settings", "set", "token", "stored-token")

	out := mustRun(t, "fetch", "bob", "--registration", "--expiry", "60", "--json")
	assert.Contains(t, out, `"777111"`)
	assert.Equal(t, "GET /api/otp/verification?email=bob Bearer stored-token", lastReq.Load())
}

func TestFetch_NoCode(t *testing.T) {
	setupEnv(t)
	newMailAPI(t, http.StatusOK, `{"success":true,"data":{"otp":""}}`)
	t.Setenv("DAKBOX_API_TOKEN", "secret")

	out, err := run(t, "fetch", "carol", "--retries", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no code for carol")
	assert.Contains(t, out, "Outcome: not_found")
}

func TestFetch_MissingToken(t *testing.T) {
	setupEnv(t)
	_, lastReq := newMailAPI(t, http.StatusOK, `{}`)

	out, err := run(t, "fetch", "dave")
	require.Error(t, err)
	assert.Contains(t, out, "Outcome: auth_error")
	assert.Nil(t, lastReq.Load(), "no request is sent without a token")
}

func TestFetch_RejectsForeignDomain(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "fetch", "eve@gmail.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an address at a supported domain")
}

// -- Inbox --

func TestInbox_PrintsURL(t *testing.T) {
	setupEnv(t)
	out := mustRun(t, "inbox", "frank@dakbox.com", "--url")
	assert.Equal(t, "https://dakbox.net/go/frank\n", out)
}

// -- Argument validation --

func TestArgValidation(t *testing.T) {
	setupEnv(t)
	cases := [][]string{
		{"fetch"},
		{"watch"},
		{"inbox"},
		{"sites", "remove"},
		{"settings", "set", "auto-otp"},
		{"generate", "extra"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args, "_"), func(t *testing.T) {
			_, err := run(t, args...)
			assert.Error(t, err)
		})
	}
}

// -- Helpers under test --

func TestMailboxUsername(t *testing.T) {
	domains := []string{"dakbox.net", "dakbox.xyz"}
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "alice", want: "alice"},
		{in: "  alice  ", want: "alice"},
		{in: "alice@dakbox.net", want: "alice"},
		{in: "alice@DAKBOX.XYZ", want: "alice"},
		{in: "alice@dakbox.net.", want: "alice"},
		{in: "alice@gmail.com", wantErr: true},
		{in: "@dakbox.net", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := mailboxUsername(tc.in, domains)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestSiteURL(t *testing.T) {
	u, d, err := siteURL("Shop.test/login")
	require.NoError(t, err)
	assert.Equal(t, "https://Shop.test/login", u)
	assert.Equal(t, "shop.test", d)

	u, d, err = siteURL("http://localhost:8080/auth/login")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/auth/login", u)
	assert.Equal(t, "localhost", d)

	_, _, err = siteURL("https://")
	assert.Error(t, err)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "********", maskToken("short"))
	assert.Equal(t, "abcd****mnop", maskToken("abcdefghmnop"))
}

func TestStatusPrinter(t *testing.T) {
	out := &bytes.Buffer{}
	remaining := 42
	statusPrinter(out)(engine.Status{
		Origin:           "https://shop.test",
		Purpose:          schemas.PurposeLogin,
		State:            engine.StatePolling,
		Mailbox:          "alice",
		Attempt:          3,
		MaxAttempts:      30,
		RemainingSeconds: &remaining,
	})
	assert.Equal(t, "[https://shop.test] login polling 3/30 mailbox=alice expires=42s\n", out.String())
}
