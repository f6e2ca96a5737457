// File: internal/browser/dom/snapshot.go
package dom

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// RefAttr is stamped on every element of a live page so snapshot nodes can be mapped
// back to the element they were copied from.
const RefAttr = "data-dakbox-ref"

// Box is the rendered geometry of an element. Known is false when the snapshot came
// from markup alone and no layout information was captured.
type Box struct {
	Width    float64 `json:"w"`
	Height   float64 `json:"h"`
	Rendered bool    `json:"r"`
	Known    bool    `json:"k"`
}

// NodeState is the live state of an element that markup does not carry.
type NodeState struct {
	Box      Box    `json:"box"`
	Value    string `json:"value"`
	HasValue bool   `json:"hasValue"`
	Disabled bool   `json:"disabled"`
}

// Snapshot is an immutable copy of a document taken at one point in time.
type Snapshot struct {
	URL  *url.URL
	Root *html.Node

	states map[string]NodeState
	refs   map[string]*html.Node
	order  map[*html.Node]int
	cache  map[string]cascadia.SelectorGroup
}

// Parse builds a snapshot from serialized markup. Elements missing a ref are stamped
// with a deterministic one based on document order. states may be nil.
func Parse(r io.Reader, pageURL string, states map[string]NodeState) (*Snapshot, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %q: %w", pageURL, err)
	}
	if states == nil {
		states = map[string]NodeState{}
	}

	s := &Snapshot{
		URL:    u,
		Root:   root,
		states: states,
		refs:   make(map[string]*html.Node),
		order:  make(map[*html.Node]int),
		cache:  make(map[string]cascadia.SelectorGroup),
	}
	s.index()
	return s, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(doc, pageURL string, states map[string]NodeState) (*Snapshot, error) {
	return Parse(strings.NewReader(doc), pageURL, states)
}

func (s *Snapshot) index() {
	seq := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			seq++
			s.order[n] = seq
			ref := htmlquery.SelectAttr(n, RefAttr)
			if ref == "" {
				ref = "n" + strconv.Itoa(seq)
				n.Attr = append(n.Attr, html.Attribute{Key: RefAttr, Val: ref})
			}
			s.refs[ref] = n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(s.Root)
}

// Host returns the lowercase hostname of the page.
func (s *Snapshot) Host() string {
	if s.URL == nil {
		return ""
	}
	return strings.ToLower(s.URL.Hostname())
}

// Path returns the URL path of the page.
func (s *Snapshot) Path() string {
	if s.URL == nil {
		return ""
	}
	return s.URL.Path
}

// Len returns the number of elements in the snapshot.
func (s *Snapshot) Len() int { return len(s.refs) }

// ByRef returns the element carrying ref, or nil.
func (s *Snapshot) ByRef(ref string) *Element {
	n, ok := s.refs[ref]
	if !ok {
		return nil
	}
	return s.wrap(n)
}

// QueryAll returns every element matching a CSS selector group in document order.
func (s *Snapshot) QueryAll(selector string) ([]*Element, error) {
	sel, err := s.compile(selector)
	if err != nil {
		return nil, err
	}
	return s.wrapAll(cascadia.QueryAll(s.Root, sel)), nil
}

// Query returns the first element matching selector, or nil.
func (s *Snapshot) Query(selector string) (*Element, error) {
	sel, err := s.compile(selector)
	if err != nil {
		return nil, err
	}
	n := cascadia.Query(s.Root, sel)
	if n == nil {
		return nil, nil
	}
	return s.wrap(n), nil
}

// Find evaluates an XPath expression against the document.
func (s *Snapshot) Find(expr string) ([]*Element, error) {
	nodes, err := htmlquery.QueryAll(s.Root, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return s.wrapAll(nodes), nil
}

// Elements returns every element accepted by keep, in document order.
func (s *Snapshot) Elements(keep func(*Element) bool) []*Element {
	var out []*Element
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if e := s.wrap(n); keep == nil || keep(e) {
				out = append(out, e)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(s.Root)
	return out
}

// Text returns the text content of the body, or of the whole document when there is none.
func (s *Snapshot) Text() string {
	if body := htmlquery.FindOne(s.Root, "//body"); body != nil {
		return htmlquery.InnerText(body)
	}
	return htmlquery.InnerText(s.Root)
}

// Render serializes the snapshot, refs included.
func (s *Snapshot) Render(w io.Writer) error {
	return html.Render(w, s.Root)
}

// Compile validates a CSS selector group without querying.
func Compile(selector string) (cascadia.SelectorGroup, error) {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return sel, nil
}

func (s *Snapshot) compile(selector string) (cascadia.SelectorGroup, error) {
	if sel, ok := s.cache[selector]; ok {
		return sel, nil
	}
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	s.cache[selector] = sel
	return sel, nil
}

func (s *Snapshot) wrap(n *html.Node) *Element {
	return &Element{Ref: htmlquery.SelectAttr(n, RefAttr), Node: n, snap: s}
}

func (s *Snapshot) wrapAll(nodes []*html.Node) []*Element {
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			out = append(out, s.wrap(n))
		}
	}
	return out
}
