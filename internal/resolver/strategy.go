// File: internal/resolver/strategy.go
package resolver

import (
	"strings"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
)

// Kind is the role an element plays in an OTP flow.
type Kind string

const (
	KindEmail   Kind = "email"
	KindOtp     Kind = "otp"
	KindTrigger Kind = "trigger"
	KindSubmit  Kind = "submit"
)

// Query is the input every strategy receives.
type Query struct {
	// Selector is the configured selector for the kind, possibly empty.
	Selector string
	// Need is the element count a strategy should try to satisfy.
	Need int
}

// Strategy is one named way of locating elements. Find must not mutate the snapshot.
type Strategy struct {
	Name string
	Find func(s *dom.Snapshot, q Query) []*dom.Element
}

// -- Built-in selector lists --

// attributeSelectors match single-character inputs directly.
var attributeSelectors = []string{
	`input[maxlength="1"]`,
	`.el-input input[maxlength="1"]`,
}

// containerSelectors match inputs nested in containers named like an OTP widget.
var containerSelectors = []string{
	`.otp-input input`,
	`.verification-code input`,
	`.code-input input`,
	`[class*="verification"] input`,
	`[class*="otp"] input`,
	`[class*="code"] input[type="text"]`,
	`[class*="code"] input[type="number"]`,
}

// submitSelectors are tried in order when no submit selector is configured.
var submitSelectors = []string{
	`button[type="submit"]`,
	`.sign-in-btn`,
	`.signin-btn`,
	`[data-test-id="signInButton"]`,
	`[data-test-id*="signIn"]`,
	`[data-test-id*="signin"]`,
	`.el-button--primary`,
}

const submitTextCandidates = `button, .el-button, [role="button"]`

var submitWords = []string{"sign in", "signin", "verify", "continue"}

// layoutMaxWidth is the widest box still treated as a single-digit cell.
const layoutMaxWidth = 80

// -- Strategy constructors --

// configured evaluates the selector supplied by the site configuration.
func configured() Strategy {
	return Strategy{Name: "configured", Find: func(s *dom.Snapshot, q Query) []*dom.Element {
		if strings.TrimSpace(q.Selector) == "" {
			return nil
		}
		els, err := s.QueryAll(q.Selector)
		if err != nil {
			return nil
		}
		return visible(els)
	}}
}

// selectorList returns the first selector result in list holding at least q.Need visible
// elements, or the largest partial result.
func selectorList(name string, list []string) Strategy {
	return Strategy{Name: name, Find: func(s *dom.Snapshot, q Query) []*dom.Element {
		var best []*dom.Element
		for _, sel := range list {
			els, err := s.QueryAll(sel)
			if err != nil {
				continue
			}
			els = visible(els)
			if len(els) >= q.Need {
				return els
			}
			if len(els) > len(best) {
				best = els
			}
		}
		return best
	}}
}

// layout collects small visible text-like inputs.
func layout() Strategy {
	return Strategy{Name: "layout", Find: func(s *dom.Snapshot, _ Query) []*dom.Element {
		return s.Elements(func(e *dom.Element) bool {
			if e.Tag() != "input" || !e.Visible() {
				return false
			}
			switch e.InputType() {
			case "text", "tel", "number":
			default:
				return false
			}
			if e.Attr("maxlength") == "1" {
				return true
			}
			box := e.Box()
			return box.Known && box.Width < layoutMaxWidth
		})
	}}
}

// emailFields finds inputs that look like they take an email address.
func emailFields() Strategy {
	return Strategy{Name: "email-heuristic", Find: func(s *dom.Snapshot, _ Query) []*dom.Element {
		return s.Elements(func(e *dom.Element) bool {
			if e.Tag() != "input" || !e.Visible() {
				return false
			}
			if e.InputType() == "email" {
				return true
			}
			for _, attr := range []string{"name", "id", "placeholder"} {
				if strings.Contains(strings.ToLower(e.Attr(attr)), "email") {
					return true
				}
			}
			return false
		})
	}}
}

func submitList() Strategy {
	return Strategy{Name: "submit-selector", Find: func(s *dom.Snapshot, _ Query) []*dom.Element {
		for _, sel := range submitSelectors {
			els, err := s.QueryAll(sel)
			if err != nil {
				continue
			}
			if els = enabled(visible(els)); len(els) > 0 {
				return els[:1]
			}
		}
		return nil
	}}
}

func submitText() Strategy {
	return Strategy{Name: "submit-text", Find: func(s *dom.Snapshot, _ Query) []*dom.Element {
		els, _ := s.QueryAll(submitTextCandidates)
		for _, el := range enabled(visible(els)) {
			text := strings.ToLower(el.Text())
			for _, w := range submitWords {
				if strings.Contains(text, w) {
					return []*dom.Element{el}
				}
			}
		}
		return nil
	}}
}

// -- Filters --

func visible(els []*dom.Element) []*dom.Element {
	out := els[:0:0]
	for _, el := range els {
		if el.Visible() {
			out = append(out, el)
		}
	}
	return out
}

func enabled(els []*dom.Element) []*dom.Element {
	out := els[:0:0]
	for _, el := range els {
		if !el.Disabled() {
			out = append(out, el)
		}
	}
	return out
}
