// File: internal/browser/stealth/stealth.go
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona describes the browser identity presented to visited sites. Empty fields keep
// whatever Chromium reports natively.
type Persona struct {
	UserAgent string   `json:"userAgent,omitempty"`
	Platform  string   `json:"platform,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
	Locale    string   `json:"locale,omitempty"`
}

// PersonaFromConfig converts the browser stealth settings.
func PersonaFromConfig(cfg config.StealthConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Platform,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
}

// Script returns the document-start script for p: the persona assignment followed by the evasions.
func Script(p Persona) (string, error) {
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return fmt.Sprintf("window.__dakboxPersona = %s;\n%s", raw, evasionsScript), nil
}

// AcceptLanguage renders langs as an Accept-Language header value.
func AcceptLanguage(langs []string) string {
	parts := make([]string, 0, len(langs))
	for i, l := range langs {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}

// Apply builds the CDP actions that install p on a tab. They must run before the first navigation.
func Apply(p Persona, logger *zap.Logger) (chromedp.Tasks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	script, err := Script(p)
	if err != nil {
		return nil, err
	}
	logger.Debug("Applying browser persona.",
		zap.String("user_agent", p.UserAgent),
		zap.String("timezone", p.Timezone),
		zap.Strings("languages", p.Languages),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if p.Platform != "" {
			ua = ua.WithPlatform(p.Platform)
		}
		if len(p.Languages) > 0 {
			ua = ua.WithAcceptLanguage(AcceptLanguage(p.Languages))
		}
		tasks = append(tasks, ua)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": AcceptLanguage(p.Languages),
		}))
	}
	return tasks, nil
}
