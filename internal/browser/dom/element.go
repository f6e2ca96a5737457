// File: internal/browser/dom/element.go
package dom

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Element is a node of a Snapshot together with its captured live state.
type Element struct {
	Ref  string
	Node *html.Node
	snap *Snapshot
}

// Tag returns the lowercase tag name.
func (e *Element) Tag() string { return strings.ToLower(e.Node.Data) }

// Attr returns the value of an attribute, or "" when absent.
func (e *Element) Attr(name string) string { return htmlquery.SelectAttr(e.Node, name) }

// HasAttr reports whether the attribute is present, even if empty.
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.Node.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

// ID returns the id attribute.
func (e *Element) ID() string { return e.Attr("id") }

// Classes returns the class list.
func (e *Element) Classes() []string { return strings.Fields(e.Attr("class")) }

// InputType returns the lowercase type of an input, "text" when unspecified.
func (e *Element) InputType() string {
	t := strings.ToLower(strings.TrimSpace(e.Attr("type")))
	if t == "" {
		return "text"
	}
	return t
}

// Text returns the trimmed text content of the element.
func (e *Element) Text() string { return strings.TrimSpace(htmlquery.InnerText(e.Node)) }

// Order is the 1-based document position of the element.
func (e *Element) Order() int { return e.snap.order[e.Node] }

// State returns the live state captured for the element.
func (e *Element) State() (NodeState, bool) {
	st, ok := e.snap.states[e.Ref]
	return st, ok
}

// Value returns the live value when captured, otherwise the value attribute.
func (e *Element) Value() string {
	if st, ok := e.State(); ok && st.HasValue {
		return st.Value
	}
	return e.Attr("value")
}

// Disabled reports whether the element or an enclosing fieldset is disabled.
func (e *Element) Disabled() bool {
	if st, ok := e.State(); ok && st.Disabled {
		return true
	}
	for n := e.Node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if htmlquery.SelectAttr(n, "aria-disabled") == "true" {
			return true
		}
		if hasAttr(n, "disabled") && (n == e.Node || strings.EqualFold(n.Data, "fieldset")) {
			return true
		}
	}
	return false
}

// Box returns the rendered geometry, falling back to inline style hints.
func (e *Element) Box() Box {
	if st, ok := e.State(); ok && st.Box.Known {
		return st.Box
	}
	box := Box{Rendered: !staticallyHidden(e.Node)}
	if w, ok := styleLength(e.Attr("style"), "width"); ok {
		box.Width = w
		box.Known = true
		box.Height = w
		if h, ok := styleLength(e.Attr("style"), "height"); ok {
			box.Height = h
		}
	}
	return box
}

// Visible reports whether the element takes part in layout with a non-zero size.
// Without captured layout only static hiding (hidden, type=hidden, display:none) is considered.
func (e *Element) Visible() bool {
	box := e.Box()
	if !box.Rendered {
		return false
	}
	if box.Known {
		return box.Width > 0 && box.Height > 0
	}
	return true
}

// Matches reports whether the element matches a CSS selector group.
func (e *Element) Matches(selector string) (bool, error) {
	sel, err := e.snap.compile(selector)
	if err != nil {
		return false, err
	}
	return sel.Match(e.Node), nil
}

// Closest returns the element itself or the nearest ancestor matching selector.
func (e *Element) Closest(selector string) (*Element, error) {
	sel, err := e.snap.compile(selector)
	if err != nil {
		return nil, err
	}
	for n := e.Node; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && sel.Match(n) {
			return e.snap.wrap(n), nil
		}
	}
	return nil, nil
}

// Parent returns the parent element, or nil at the root.
func (e *Element) Parent() *Element {
	for n := e.Node.Parent; n != nil; n = n.Parent {
		if n.Type == html.ElementNode {
			return e.snap.wrap(n)
		}
	}
	return nil
}

// XPath returns an XPath locating the element, anchored on the closest id.
func (e *Element) XPath() string {
	var path []string
	for n := e.Node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if id := htmlquery.SelectAttr(n, "id"); id != "" {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}

// String renders a short description for logs.
func (e *Element) String() string {
	var b strings.Builder
	b.WriteString(e.Tag())
	if id := e.ID(); id != "" {
		b.WriteString("#" + id)
	}
	if name := e.Attr("name"); name != "" {
		b.WriteString(`[name="` + name + `"]`)
	}
	return b.String()
}

// -- Static visibility heuristics --

var displayNone = regexp.MustCompile(`(?i)(^|;)\s*(display\s*:\s*none|visibility\s*:\s*hidden)`)

func staticallyHidden(n *html.Node) bool {
	if strings.EqualFold(n.Data, "input") && strings.EqualFold(htmlquery.SelectAttr(n, "type"), "hidden") {
		return true
	}
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		switch strings.ToLower(p.Data) {
		case "head", "template", "script", "style", "noscript":
			return true
		}
		if hasAttr(p, "hidden") {
			return true
		}
		if displayNone.MatchString(htmlquery.SelectAttr(p, "style")) {
			return true
		}
	}
	return false
}

func styleLength(style, prop string) (float64, bool) {
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), prop) {
			continue
		}
		v = strings.TrimSuffix(strings.TrimSpace(v), "px")
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}
