// File: internal/detector/detector.go
package detector

import (
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/config"
)

// Kind is the verification state a page is in.
type Kind string

const (
	KindNone         Kind = "none"
	KindLogin        Kind = "login_otp"
	KindRegistration Kind = "registration_otp"
)

// KindOf maps a purpose to the page kind that starts it.
func KindOf(p schemas.Purpose) Kind {
	if p == schemas.PurposeRegistration {
		return KindRegistration
	}
	return KindLogin
}

const (
	loginBoxSelector        = `input[maxlength="1"], input.otp-input, input.verification-input`
	registrationBoxSelector = `input[maxlength="1"]`
	headingSelector         = "h1, h2, h3, h4, h5, h6"
)

var (
	loginWording        = []string{"verification code", "Verification Code"}
	registrationWording = []string{"Email verification", "Verification Code", "verification code", "Account Verification"}
)

// Result is the outcome of one detection pass.
type Result struct {
	Login        bool
	Registration bool
	Mailbox      *Mailbox
	// Boxes counts single character inputs.
	Boxes int
}

// Detected reports whether either heuristic fired.
func (r Result) Detected() bool { return r.Login || r.Registration }

// Has reports whether the heuristic for p fired.
func (r Result) Has(p schemas.Purpose) bool {
	if p == schemas.PurposeRegistration {
		return r.Registration
	}
	return r.Login
}

// Purposes returns the purposes that fired, ordered by precedence.
func (r Result) Purposes(precedence []schemas.Purpose) []schemas.Purpose {
	var out []schemas.Purpose
	for _, p := range precedence {
		if r.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Kind returns the single page kind under the given precedence.
func (r Result) Kind(precedence []schemas.Purpose) Kind {
	if ps := r.Purposes(precedence); len(ps) > 0 {
		return KindOf(ps[0])
	}
	return KindNone
}

// Detector recognises pages that are waiting for an emailed code.
type Detector struct {
	log      *zap.Logger
	mail     *extractor
	minBoxes int

	domains           []string
	loginPaths        []string
	registrationPaths []string
}

// New builds a detector. mailDomains are the API-backed disposable domains.
func New(cfg config.EngineConfig, mailDomains []string, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	x, err := newExtractor(mailDomains)
	if err != nil {
		return nil, err
	}
	minBoxes := cfg.MinVerificationBoxes
	if minBoxes <= 0 {
		minBoxes = 4
	}
	domains := make([]string, 0, len(cfg.DetectorDomains))
	for _, d := range cfg.DetectorDomains {
		domains = append(domains, schemas.NormalizeDomain(d))
	}
	return &Detector{
		log:               logger.Named("detector"),
		mail:              x,
		minBoxes:          minBoxes,
		domains:           domains,
		loginPaths:        cfg.LoginPaths,
		registrationPaths: cfg.RegistrationPaths,
	}, nil
}

// ParseMailbox recognises a typed address at a known provider.
func (d *Detector) ParseMailbox(addr string) (Mailbox, bool) {
	return d.mail.parse(addr)
}

// Purposes returns the purposes detection may run for on u. Hosts with an enabled site
// configuration are always watched; otherwise the host must be a detector domain (or a
// subdomain of one) and the path must contain one of the purpose's paths.
func (d *Detector) Purposes(u *url.URL, configured bool) []schemas.Purpose {
	if u == nil {
		return nil
	}
	if configured {
		return []schemas.Purpose{schemas.PurposeRegistration, schemas.PurposeLogin}
	}
	if !d.watchedHost(u.Hostname()) {
		return nil
	}
	var out []schemas.Purpose
	if pathMatches(u.Path, d.registrationPaths) {
		out = append(out, schemas.PurposeRegistration)
	}
	if pathMatches(u.Path, d.loginPaths) {
		out = append(out, schemas.PurposeLogin)
	}
	return out
}

func (d *Detector) watchedHost(host string) bool {
	host = schemas.NormalizeDomain(host)
	for _, name := range d.domains {
		if host == name || strings.HasSuffix(host, "."+name) {
			return true
		}
	}
	return false
}

func pathMatches(path string, paths []string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// Detect evaluates the heuristics for the requested purposes (both when none are given).
// It has no side effects, so repeated calls on the same page are harmless.
func (d *Detector) Detect(s *dom.Snapshot, purposes ...schemas.Purpose) Result {
	if len(purposes) == 0 {
		purposes = []schemas.Purpose{schemas.PurposeRegistration, schemas.PurposeLogin}
	}
	text := s.Text()
	res := Result{Mailbox: d.mail.find(s, text)}

	for _, p := range purposes {
		switch p {
		case schemas.PurposeLogin:
			res.Login = d.login(s, text, res.Mailbox)
		case schemas.PurposeRegistration:
			res.Registration = d.registration(s, text)
		}
	}
	res.Boxes = count(s, registrationBoxSelector)

	if res.Detected() {
		fields := []zap.Field{
			zap.String("host", s.Host()),
			zap.Bool("login", res.Login),
			zap.Bool("registration", res.Registration),
			zap.Int("boxes", res.Boxes),
		}
		if res.Mailbox != nil {
			fields = append(fields, zap.String("mailbox", res.Mailbox.Address), zap.String("source", string(res.Mailbox.Source)))
		}
		d.log.Debug("Verification page detected.", fields...)
	}
	return res
}

// login: "welcome back" in the first heading or verification wording in the page, plus
// either enough code boxes or a visible mailbox address.
func (d *Detector) login(s *dom.Snapshot, text string, mb *Mailbox) bool {
	wording := containsAny(text, loginWording)
	if !wording {
		if h, err := s.Query(headingSelector); err == nil && h != nil {
			wording = strings.Contains(strings.ToLower(h.Text()), "welcome back")
		}
	}
	if !wording {
		return false
	}
	return count(s, loginBoxSelector) >= d.minBoxes || mb != nil
}

// registration: verification or account-creation wording plus enough single character boxes.
func (d *Detector) registration(s *dom.Snapshot, text string) bool {
	wording := containsAny(text, registrationWording) ||
		(strings.Contains(text, "Create your account") && strings.Contains(text, "Verification Code"))
	if !wording {
		return false
	}
	return count(s, registrationBoxSelector) >= d.minBoxes
}

func count(s *dom.Snapshot, selector string) int {
	els, err := s.QueryAll(selector)
	if err != nil {
		return 0
	}
	return len(els)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
