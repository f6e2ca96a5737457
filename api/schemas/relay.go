// File: api/schemas/relay.go
package schemas

import "encoding/json"

// -- Relay Envelope --

// RelayAction names a request understood by the background relay.
type RelayAction string

const (
	ActionFetchOtp             RelayAction = "fetchOtp"
	ActionFetchRegistrationOtp RelayAction = "fetchRegistrationOtp"
	ActionOpenInboxTab         RelayAction = "openInboxTab"
	ActionArmPicker            RelayAction = "armPicker"
	ActionPickerResult         RelayAction = "pickerResult"
	ActionGetSettings          RelayAction = "getSettings"
	ActionSaveSettings         RelayAction = "saveSettings"
)

// RelayRequest is the tagged request sent from a page context to the relay.
type RelayRequest struct {
	ID         string                     `json:"id,omitempty"`
	Action     RelayAction                `json:"action" validate:"required"`
	Username   string                     `json:"username,omitempty"`
	MaxRetries *int                       `json:"maxRetries,omitempty" validate:"omitempty,min=1,max=30"`
	Expiry     *int                       `json:"expiry,omitempty" validate:"omitempty,min=1"`
	Target     string                     `json:"target,omitempty"`
	Domain     string                     `json:"domain,omitempty"`
	Selector   string                     `json:"selector,omitempty"`
	Cancelled  bool                       `json:"cancelled,omitempty"`
	Settings   map[string]json.RawMessage `json:"settings,omitempty"`
}

// RelayResponse is resolved exactly once for every request.
type RelayResponse struct {
	ID       string          `json:"id,omitempty"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   *OtpFetchResult `json:"result,omitempty"`
	Settings *SettingsView   `json:"settings,omitempty"`
	URL      string          `json:"url,omitempty"`
	Selector string          `json:"selector,omitempty"`
}

// PickerTarget names the SiteOtpConfig field an element picker result is written into.
type PickerTarget string

const (
	PickEmail   PickerTarget = "emailSelector"
	PickTrigger PickerTarget = "triggerSelector"
	PickOtp     PickerTarget = "otpSelector"
	PickSubmit  PickerTarget = "otpSubmitSelector"
)

// Apply writes selector into the field of cfg named by target.
func (t PickerTarget) Apply(cfg *SiteOtpConfig, selector string) bool {
	switch t {
	case PickEmail:
		cfg.EmailSelector = selector
	case PickTrigger:
		cfg.TriggerSelector = selector
	case PickOtp:
		cfg.OtpSelector = selector
	case PickSubmit:
		cfg.OtpSubmitSelector = selector
	default:
		return false
	}
	return true
}
