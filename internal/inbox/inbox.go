// File: internal/inbox/inbox.go
package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/detector"
)

// ErrNoCode is returned by Wait when no code showed up before the deadline.
var ErrNoCode = errors.New("no code found in inbox")

// Links builds inbox page URLs for disposable mailboxes.
type Links struct {
	dakbox  string
	yopmail string
}

// NewLinks reads the inbox base URLs from cfg.
func NewLinks(cfg config.MailAPIConfig) *Links {
	l := &Links{dakbox: cfg.InboxBaseURL, yopmail: cfg.YopmailBaseURL}
	if l.dakbox == "" {
		l.dakbox = "https://dakbox.net/go/"
	}
	if l.yopmail == "" {
		l.yopmail = "https://yopmail.com/"
	}
	return l
}

// URL returns the inbox page of mb. ok is false for providers without an inbox page.
func (l *Links) URL(mb detector.Mailbox) (string, bool) {
	if mb.Username == "" {
		return "", false
	}
	switch mb.Provider {
	case detector.ProviderDakbox:
		return DakboxURL(l.dakbox, mb.Username), true
	case detector.ProviderYopmail:
		return strings.TrimSuffix(l.yopmail, "/") + "/?" + url.QueryEscape(mb.Username), true
	}
	return "", false
}

// DakboxURL joins the inbox base and a username.
func DakboxURL(base, username string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(username)
}

// -- Reading an inbox page --

var goPath = regexp.MustCompile(`/go/([^/?#]+)`)

var pageAddress = regexp.MustCompile(`(?i)([a-zA-Z0-9][a-zA-Z0-9._%+-]*@dakbox\.net)`)

const (
	addressCarriers = "input, span, div, p, h1, h2, h3, h4, h5, td"
	messageBodies   = `.email-body, .message-body, .email-content, [class*="email"], [class*="message"]`
)

// Address returns the mailbox an inbox page belongs to: from the /go/<user> path when present,
// otherwise from the first element value or text that carries an address.
func Address(s *dom.Snapshot) (string, bool) {
	if s.URL != nil {
		if m := goPath.FindStringSubmatch(s.URL.Path); m != nil {
			user, err := url.PathUnescape(m[1])
			if err != nil {
				user = m[1]
			}
			return user + "@dakbox.net", true
		}
	}
	els, err := s.QueryAll(addressCarriers)
	if err != nil {
		return "", false
	}
	for _, el := range els {
		text := strings.TrimSpace(el.Value())
		if text == "" {
			text = el.Text()
		}
		if m := pageAddress.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Scan looks for a code in the message bodies rendered on an inbox page.
func Scan(s *dom.Snapshot) (string, bool) {
	els, err := s.QueryAll(messageBodies)
	if err != nil {
		return "", false
	}
	for _, el := range els {
		if code, ok := ExtractCode(el.Text()); ok {
			return code, true
		}
	}
	return "", false
}

// Snapshotter captures the current state of a page.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*dom.Snapshot, error)
}

// Wait re-reads the page every interval until a code appears or ctx ends.
func Wait(ctx context.Context, page Snapshotter, interval time.Duration, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("inbox")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := page.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrNoCode, ctx.Err())
			}
			log.Warn("Failed to read inbox page.", zap.Error(err))
		} else if code, ok := Scan(s); ok {
			log.Info("Code found in inbox.", zap.String("url", s.URL.String()))
			return code, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrNoCode, ctx.Err())
		case <-ticker.C:
		}
	}
}
