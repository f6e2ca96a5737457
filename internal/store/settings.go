// File: internal/store/settings.go
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/dakbox/dakbox-cli/api/schemas"
)

// Settings is the typed view over the shared store.
type Settings struct {
	kv       KV
	validate *validator.Validate
}

// NewSettings wraps kv.
func NewSettings(kv KV) *Settings {
	return &Settings{kv: kv, validate: validator.New()}
}

// KV returns the underlying store.
func (s *Settings) KV() KV { return s.kv }

// -- Site configurations --

// SiteConfigs returns every stored site configuration keyed by normalized domain.
func (s *Settings) SiteConfigs(ctx context.Context) (map[string]schemas.SiteOtpConfig, error) {
	vals, err := s.kv.Get(ctx, schemas.KeySiteConfigs)
	if err != nil {
		return nil, err
	}
	return DecodeSiteConfigs(vals[schemas.KeySiteConfigs])
}

// DecodeSiteConfigs parses the stored site configuration map. A nil document yields an empty map.
func DecodeSiteConfigs(raw []byte) (map[string]schemas.SiteOtpConfig, error) {
	out := make(map[string]schemas.SiteOtpConfig)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var stored map[string]schemas.SiteOtpConfig
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode site configurations: %w", err)
	}
	for domain, cfg := range stored {
		if cfg.Domain == "" {
			cfg.Domain = schemas.NormalizeDomain(domain)
		}
		out[cfg.Domain] = cfg
	}
	return out, nil
}

// SiteConfig returns the configuration for domain. ok is false when none exists.
func (s *Settings) SiteConfig(ctx context.Context, domain string) (cfg schemas.SiteOtpConfig, ok bool, err error) {
	all, err := s.SiteConfigs(ctx)
	if err != nil {
		return cfg, false, err
	}
	cfg, ok = all[schemas.NormalizeDomain(domain)]
	return cfg, ok, nil
}

// SortedSiteConfigs returns the configurations ordered by domain.
func (s *Settings) SortedSiteConfigs(ctx context.Context) ([]schemas.SiteOtpConfig, error) {
	all, err := s.SiteConfigs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schemas.SiteOtpConfig, 0, len(all))
	for _, cfg := range all {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// SaveSiteConfig validates cfg and writes it, replacing any record for the same domain.
func (s *Settings) SaveSiteConfig(ctx context.Context, cfg schemas.SiteOtpConfig) error {
	cfg.Domain = schemas.NormalizeDomain(cfg.Domain)
	if err := s.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid site configuration: %w", err)
	}
	all, err := s.SiteConfigs(ctx)
	if err != nil {
		return err
	}
	all[cfg.Domain] = cfg
	return s.putSiteConfigs(ctx, all)
}

// RemoveSiteConfig deletes the record for domain. Removing an unknown domain is not an error.
func (s *Settings) RemoveSiteConfig(ctx context.Context, domain string) error {
	all, err := s.SiteConfigs(ctx)
	if err != nil {
		return err
	}
	domain = schemas.NormalizeDomain(domain)
	if _, ok := all[domain]; !ok {
		return nil
	}
	delete(all, domain)
	return s.putSiteConfigs(ctx, all)
}

func (s *Settings) putSiteConfigs(ctx context.Context, all map[string]schemas.SiteOtpConfig) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to encode site configurations: %w", err)
	}
	return s.kv.Set(ctx, map[string][]byte{schemas.KeySiteConfigs: raw})
}

// -- Flags and scalar values --

var flagKeys = []string{
	schemas.KeyAutoOtpEnabled,
	schemas.KeyAutoOpenInbox,
	schemas.KeyAutoOpenYopmail,
	schemas.KeyAutoGenerate,
}

// IsFlagKey reports whether key names a global toggle.
func IsFlagKey(key string) bool {
	for _, k := range flagKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Flags returns the global toggles, applying defaults for absent keys.
func (s *Settings) Flags(ctx context.Context) (schemas.Flags, error) {
	flags := schemas.DefaultFlags()
	vals, err := s.kv.Get(ctx, flagKeys...)
	if err != nil {
		return flags, err
	}
	targets := map[string]*bool{
		schemas.KeyAutoOtpEnabled:  &flags.AutoOtpEnabled,
		schemas.KeyAutoOpenInbox:   &flags.AutoOpenInbox,
		schemas.KeyAutoOpenYopmail: &flags.AutoOpenYopmail,
		schemas.KeyAutoGenerate:    &flags.AutoGenerate,
	}
	for k, dst := range targets {
		if raw, ok := vals[k]; ok {
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return flags, fmt.Errorf("setting %s is not a boolean: %w", k, err)
			}
			*dst = b
		}
	}
	return flags, nil
}

// SetFlag writes one global toggle.
func (s *Settings) SetFlag(ctx context.Context, key string, value bool) error {
	if !IsFlagKey(key) {
		return fmt.Errorf("unknown flag %q", key)
	}
	return s.setValue(ctx, key, value)
}

// Token returns the stored API credential. It satisfies the mail client's token source.
func (s *Settings) Token(ctx context.Context) (string, error) {
	tok, err := s.getString(ctx, schemas.KeyAPIToken)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", ErrNotFound
	}
	return tok, nil
}

// SetToken stores the API credential. An empty token removes it.
func (s *Settings) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return s.kv.Remove(ctx, schemas.KeyAPIToken)
	}
	return s.setValue(ctx, schemas.KeyAPIToken, token)
}

// LastUsername returns the most recently used mailbox username.
func (s *Settings) LastUsername(ctx context.Context) (string, error) {
	return s.getString(ctx, schemas.KeyLastUsername)
}

// SetLastUsername records the mailbox username of the latest cycle.
func (s *Settings) SetLastUsername(ctx context.Context, username string) error {
	return s.setValue(ctx, schemas.KeyLastUsername, username)
}

// RecordGeneratedEmail stores a freshly generated address and its username.
func (s *Settings) RecordGeneratedEmail(ctx context.Context, email, username string) error {
	emailRaw, err := json.Marshal(email)
	if err != nil {
		return err
	}
	userRaw, err := json.Marshal(username)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, map[string][]byte{
		schemas.KeyLastGeneratedEmail: emailRaw,
		schemas.KeyLastUsername:       userRaw,
	})
}

// View returns the public settings subset.
func (s *Settings) View(ctx context.Context) (schemas.SettingsView, error) {
	flags, err := s.Flags(ctx)
	if err != nil {
		return schemas.SettingsView{}, err
	}
	last, err := s.LastUsername(ctx)
	if err != nil {
		return schemas.SettingsView{}, err
	}
	tok, err := s.getString(ctx, schemas.KeyAPIToken)
	if err != nil {
		return schemas.SettingsView{}, err
	}
	return schemas.SettingsView{Flags: flags, LastUsername: last, APIToken: tok}, nil
}

// Apply writes a batch of raw settings. Only known keys are accepted; site configurations are
// validated before anything is written.
func (s *Settings) Apply(ctx context.Context, values map[string][]byte) error {
	out := make(map[string][]byte, len(values))
	for k, raw := range values {
		switch {
		case IsFlagKey(k):
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("setting %s must be a boolean", k)
			}
		case k == schemas.KeyAPIToken || k == schemas.KeyLastUsername || k == schemas.KeyLastGeneratedEmail:
			var str string
			if err := json.Unmarshal(raw, &str); err != nil {
				return fmt.Errorf("setting %s must be a string", k)
			}
		case k == schemas.KeySiteConfigs:
			cfgs, err := DecodeSiteConfigs(raw)
			if err != nil {
				return err
			}
			for _, cfg := range cfgs {
				if err := s.validate.Struct(cfg); err != nil {
					return fmt.Errorf("invalid site configuration for %s: %w", cfg.Domain, err)
				}
			}
			if raw, err = json.Marshal(cfgs); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown setting %q", k)
		}
		out[k] = raw
	}
	if len(out) == 0 {
		return nil
	}
	return s.kv.Set(ctx, out)
}

func (s *Settings) setValue(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, map[string][]byte{key: raw})
}

func (s *Settings) getString(ctx context.Context, key string) (string, error) {
	vals, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	raw, ok := vals[key]
	if !ok {
		return "", nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return "", fmt.Errorf("setting %s is not a string: %w", key, err)
	}
	return str, nil
}
