// File: api/schemas/settings.go
package schemas

// -- Settings Store Keys --

// Keys persisted in the shared settings store. The names match the records the browser
// extension writes, so a store exported from it can be loaded as-is.
const (
	KeySiteConfigs        = "dakboxOtpSiteConfig"
	KeyAutoOtpEnabled     = "dakboxAutoOtpEnabled"
	KeyAutoOpenInbox      = "dakboxAutoOpenInbox"
	KeyAutoOpenYopmail    = "dakboxAutoOpenYopmail"
	KeyAutoGenerate       = "dakboxAutoGenerate"
	KeyLastUsername       = "dakboxLastUsername"
	KeyLastGeneratedEmail = "dakboxLastGeneratedEmail"
	KeyAPIToken           = "dakboxApiToken"
	KeyOtpSession         = "dakboxOtpSession"
)

// Change is delivered to watchers when a key is written or removed.
// OldValue and NewValue are raw JSON; a nil value means the key was absent.
type Change struct {
	Key      string `json:"key"`
	OldValue []byte `json:"oldValue,omitempty"`
	NewValue []byte `json:"newValue,omitempty"`
}

// Flags holds the global toggles. Each one defaults to true when absent,
// except AutoGenerate which is opt-in.
type Flags struct {
	AutoOtpEnabled  bool `json:"dakboxAutoOtpEnabled"`
	AutoOpenInbox   bool `json:"dakboxAutoOpenInbox"`
	AutoOpenYopmail bool `json:"dakboxAutoOpenYopmail"`
	AutoGenerate    bool `json:"dakboxAutoGenerate"`
}

// DefaultFlags returns the toggles used when nothing has been stored.
func DefaultFlags() Flags {
	return Flags{AutoOtpEnabled: true, AutoOpenInbox: true, AutoOpenYopmail: true}
}

// SettingsView is the public subset returned by the getSettings relay action.
type SettingsView struct {
	Flags
	LastUsername string `json:"dakboxLastUsername,omitempty"`
	APIToken     string `json:"dakboxApiToken,omitempty"`
}
