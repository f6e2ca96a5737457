// File: internal/picker/selector.go
package picker

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
)

// namedTags are the elements whose name attribute is a usable descriptor.
var namedTags = map[string]bool{
	"input": true, "select": true, "textarea": true, "button": true, "form": true,
	"iframe": true, "object": true, "output": true, "fieldset": true, "map": true,
	"meta": true, "a": true, "img": true, "embed": true,
}

// volatileClass matches state classes and generated names that change between renders.
var volatileClass = regexp.MustCompile(`active|hover|focus|[0-9]{3,}`)

// Selector builds a short CSS selector matching el and nothing else in s.
//
// Each step up the tree describes the node by its id (which ends the walk), else its name
// attribute, else its stable class names, adding :nth-of-type when a sibling shares the tag.
// The walk stops as soon as the joined path matches exactly one element.
func Selector(s *dom.Snapshot, el *dom.Element) string {
	if el == nil {
		return ""
	}
	if id := el.ID(); usableID(id) {
		return "#" + escape(id)
	}

	var path []string
	for cur := el; cur != nil; cur = cur.Parent() {
		if id := cur.ID(); usableID(id) {
			path = append([]string{"#" + escape(id)}, path...)
			break
		}

		tag := cur.Tag()
		desc := tag
		if name := cur.Attr("name"); name != "" && namedTags[tag] {
			desc += `[name="` + escape(name) + `"]`
		} else if classes := stableClasses(cur.Classes()); len(classes) > 0 {
			desc += "." + strings.Join(classes, ".")
		}
		if n, shared := nthOfType(cur.Node); shared {
			desc += fmt.Sprintf(":nth-of-type(%d)", n)
		}
		path = append([]string{desc}, path...)

		candidate := strings.Join(path, " > ")
		if els, err := s.QueryAll(candidate); err == nil && len(els) == 1 {
			return candidate
		}
	}
	return strings.Join(path, " > ")
}

// usableID rejects ids that are empty or start with a digit, which CSS cannot address directly.
func usableID(id string) bool {
	return id != "" && (id[0] < '0' || id[0] > '9')
}

func stableClasses(classes []string) []string {
	out := make([]string, 0, len(classes))
	for _, c := range classes {
		if volatileClass.MatchString(c) {
			continue
		}
		out = append(out, escape(c))
	}
	return out
}

// nthOfType returns the 1-based position of n among its siblings with the same tag, and whether
// any sibling shares that tag at all.
func nthOfType(n *html.Node) (int, bool) {
	tag := strings.ToLower(n.Data)
	pos, shared := 1, false
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
			pos++
			shared = true
		}
	}
	for next := n.NextSibling; next != nil && !shared; next = next.NextSibling {
		if next.Type == html.ElementNode && strings.ToLower(next.Data) == tag {
			shared = true
		}
	}
	return pos, shared
}

// escape makes an identifier safe inside a CSS selector.
func escape(ident string) string {
	var b strings.Builder
	for i, r := range ident {
		switch {
		case r == 0:
			b.WriteRune('�')
		case r >= '0' && r <= '9' && i == 0:
			fmt.Fprintf(&b, `\%x `, r)
		case r == '-' && i == 0 && len(ident) == 1:
			b.WriteString(`\-`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\%x `, r)
		case r >= 0x80, r == '-', r == '_',
			r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}
