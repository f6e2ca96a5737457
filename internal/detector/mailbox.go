// File: internal/detector/mailbox.go
package detector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
)

// Provider identifies which disposable mail service an address belongs to.
type Provider string

const (
	ProviderDakbox  Provider = "dakbox"
	ProviderYopmail Provider = "yopmail"
)

// YopmailDomain is recognised on pages but has no API behind it.
const YopmailDomain = "yopmail.com"

// Source records which extraction rule located a mailbox.
type Source string

const (
	SourceElement Source = "element"
	SourceTo      Source = "to"
	SourceText    Source = "text"
)

// Mailbox is a disposable address found on a page or typed into a field.
type Mailbox struct {
	Address  string
	Username string
	Domain   string
	Provider Provider
	Source   Source
}

// Polled reports whether codes for this mailbox can be fetched from the mail API.
func (m Mailbox) Polled() bool { return m.Provider == ProviderDakbox }

const localPart = `[a-zA-Z0-9][a-zA-Z0-9._%+-]*`

// containerSelector lists the elements whose whole text may be an address.
const containerSelector = "strong, b, span, p, div"

// patterns holds the three extraction rules for one provider, narrowest first.
type patterns struct {
	provider Provider
	exact    *regexp.Regexp
	to       *regexp.Regexp
	global   *regexp.Regexp
}

func newPatterns(provider Provider, domains []string) (patterns, error) {
	if len(domains) == 0 {
		return patterns{}, fmt.Errorf("no domains for provider %s", provider)
	}
	quoted := make([]string, len(domains))
	for i, d := range domains {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(d)))
	}
	addr := `(` + localPart + `@(?:` + strings.Join(quoted, "|") + `))`
	p := patterns{provider: provider}
	var err error
	if p.exact, err = regexp.Compile(`(?i)^` + addr + `$`); err != nil {
		return p, err
	}
	if p.to, err = regexp.Compile(`(?i)(?:to\s+)` + addr); err != nil {
		return p, err
	}
	p.global, err = regexp.Compile(`(?i)` + addr)
	return p, err
}

// extractor finds mailbox addresses on a snapshot. Providers are listed in preference order.
type extractor struct {
	providers []patterns
}

func newExtractor(mailDomains []string) (*extractor, error) {
	dakbox, err := newPatterns(ProviderDakbox, mailDomains)
	if err != nil {
		return nil, err
	}
	yop, err := newPatterns(ProviderYopmail, []string{YopmailDomain})
	if err != nil {
		return nil, err
	}
	return &extractor{providers: []patterns{dakbox, yop}}, nil
}

// find applies the rules in order: an element whose trimmed text is exactly an address,
// then "to <address>" in the page text, then any address in the page text. Within one rule
// the first provider wins.
func (x *extractor) find(s *dom.Snapshot, pageText string) *Mailbox {
	if els, err := s.QueryAll(containerSelector); err == nil {
		for _, el := range els {
			text := el.Text()
			if !strings.Contains(text, "@") {
				continue
			}
			for _, p := range x.providers {
				if m := p.exact.FindStringSubmatch(text); m != nil {
					return newMailbox(m[1], p.provider, SourceElement)
				}
			}
		}
	}
	for _, p := range x.providers {
		if m := p.to.FindStringSubmatch(pageText); m != nil {
			return newMailbox(m[1], p.provider, SourceTo)
		}
	}
	for _, p := range x.providers {
		if m := p.global.FindStringSubmatch(pageText); m != nil {
			return newMailbox(m[1], p.provider, SourceText)
		}
	}
	return nil
}

// parse accepts a typed address when it belongs to a known provider.
func (x *extractor) parse(addr string) (Mailbox, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, p := range x.providers {
		if m := p.exact.FindStringSubmatch(addr); m != nil {
			return *newMailbox(m[1], p.provider, ""), true
		}
	}
	return Mailbox{}, false
}

func newMailbox(addr string, provider Provider, src Source) *Mailbox {
	user, domain, _ := strings.Cut(addr, "@")
	return &Mailbox{
		Address:  addr,
		Username: user,
		Domain:   strings.ToLower(domain),
		Provider: provider,
		Source:   src,
	}
}
