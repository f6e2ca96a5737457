// File: internal/inbox/extract.go
package inbox

import "regexp"

// codePatterns are tried in order. The bare-number fallbacks only apply when no
// labelled code is present.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:verification\s*code|otp|code|pin)\s*(?:is)?[:\s]+(\d{4,6})`),
	regexp.MustCompile(`(?i)(\d{4,6})\s*(?:is\s+your|verification|otp|code)`),
	regexp.MustCompile(`\b(\d{6})\b`),
	regexp.MustCompile(`\b(\d{4})\b`),
}

// ExtractCode finds a 4 to 6 digit code in message text.
func ExtractCode(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, re := range codePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}
