// File: api/schemas/otp.go
package schemas

import (
	"encoding/json"
	"strings"
	"time"
)

// -- Purpose --

// Purpose distinguishes the two kinds of verification flows the engine handles.
type Purpose string

const (
	PurposeLogin        Purpose = "login"
	PurposeRegistration Purpose = "registration"
)

// Purposes lists every purpose in precedence order (highest first).
var Purposes = []Purpose{PurposeRegistration, PurposeLogin}

// -- Site Configuration --

// SiteOtpConfig describes where the OTP related elements live on one third party origin.
type SiteOtpConfig struct {
	Domain            string `json:"domain" validate:"required,hostname_rfc1123"`
	EmailSelector     string `json:"emailSelector,omitempty"`
	TriggerSelector   string `json:"triggerSelector,omitempty"`
	OtpSelector       string `json:"otpSelector" validate:"required"`
	OtpSubmitSelector string `json:"otpSubmitSelector,omitempty"`
	ExpirySeconds     *int   `json:"expirySeconds,omitempty" validate:"omitempty,min=1"`
	Enabled           bool   `json:"enabled"`
}

// UnmarshalJSON keeps records written before the enabled flag existed working: absent means true.
func (c *SiteOtpConfig) UnmarshalJSON(data []byte) error {
	type plain SiteOtpConfig
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = SiteOtpConfig(p)
	c.Domain = NormalizeDomain(c.Domain)
	return nil
}

// HasTrigger reports whether the config can drive trigger-based automation.
func (c SiteOtpConfig) HasTrigger() bool {
	return c.EmailSelector != "" && c.TriggerSelector != ""
}

// NormalizeDomain lowercases a hostname and strips a trailing dot and any port.
func NormalizeDomain(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

// -- Session --

// OtpSession records an in-flight OTP wait so it can be resumed after a redirect.
type OtpSession struct {
	MailboxAddress string    `json:"email"`
	OriginDomain   string    `json:"domain"`
	Purpose        Purpose   `json:"purpose,omitempty"`
	StartedAt      time.Time `json:"timestamp"`
}

// Stale reports whether the session is older than the given threshold at time now.
func (s OtpSession) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.StartedAt) > threshold
}

// -- Fetch Result --

// FetchOutcome enumerates the typed outcomes of a mail API lookup.
type FetchOutcome string

const (
	OutcomeFound          FetchOutcome = "found"
	OutcomeNotFound       FetchOutcome = "not_found"
	OutcomeExpired        FetchOutcome = "expired"
	OutcomeAuthError      FetchOutcome = "auth_error"
	OutcomeTransportError FetchOutcome = "transport_error"
)

// OtpFetchResult is the result of one mail client call. Code is set only for Found, or
// for Expired when the provider still returned the (legacy) code.
type OtpFetchResult struct {
	Outcome          FetchOutcome `json:"outcome"`
	Code             string       `json:"code,omitempty"`
	RemainingSeconds *int         `json:"remainingSeconds,omitempty"`
	Subject          string       `json:"subject,omitempty"`
	From             string       `json:"from,omitempty"`
	Message          string       `json:"message,omitempty"`
}

// HasCode reports whether the result carries a usable code.
func (r OtpFetchResult) HasCode() bool {
	return r.Code != "" && (r.Outcome == OutcomeFound || r.Outcome == OutcomeExpired)
}

// -- Polling State --

// PollingAttemptState tracks one orchestrator run.
type PollingAttemptState struct {
	AttemptsMade       int           `json:"attemptsMade"`
	MaxAttempts        int           `json:"maxAttempts"`
	Interval           time.Duration `json:"-"`
	Filled             bool          `json:"filled"`
	HandlingInProgress bool          `json:"handlingInProgress"`
}

type pollingAttemptJSON struct {
	AttemptsMade       int   `json:"attemptsMade"`
	MaxAttempts        int   `json:"maxAttempts"`
	IntervalMs         int64 `json:"intervalMs"`
	Filled             bool  `json:"filled"`
	HandlingInProgress bool  `json:"handlingInProgress"`
}

// MarshalJSON writes Interval as whole milliseconds under intervalMs.
func (p PollingAttemptState) MarshalJSON() ([]byte, error) {
	return json.Marshal(pollingAttemptJSON{
		AttemptsMade:       p.AttemptsMade,
		MaxAttempts:        p.MaxAttempts,
		IntervalMs:         p.Interval.Milliseconds(),
		Filled:             p.Filled,
		HandlingInProgress: p.HandlingInProgress,
	})
}

func (p *PollingAttemptState) UnmarshalJSON(data []byte) error {
	var w pollingAttemptJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = PollingAttemptState{
		AttemptsMade:       w.AttemptsMade,
		MaxAttempts:        w.MaxAttempts,
		Interval:           time.Duration(w.IntervalMs) * time.Millisecond,
		Filled:             w.Filled,
		HandlingInProgress: w.HandlingInProgress,
	}
	return nil
}

// Exhausted reports whether the fetch budget has been consumed.
func (p PollingAttemptState) Exhausted() bool {
	return p.MaxAttempts > 0 && p.AttemptsMade >= p.MaxAttempts
}
