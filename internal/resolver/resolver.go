// File: internal/resolver/resolver.go
package resolver

import (
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/browser/dom"
	"github.com/dakbox/dakbox-cli/internal/observability"
)

// Result is the outcome of a resolution. Strategy is empty when nothing matched.
type Result struct {
	Strategy string
	Elements []*dom.Element
}

// Found reports whether any element was resolved.
func (r Result) Found() bool { return len(r.Elements) > 0 }

// Refs returns the snapshot refs of the resolved elements in order.
func (r Result) Refs() []string {
	refs := make([]string, len(r.Elements))
	for i, el := range r.Elements {
		refs[i] = el.Ref
	}
	return refs
}

// Resolver locates OTP flow elements in a snapshot by trying ordered strategies per kind.
type Resolver struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	chains  map[Kind][]Strategy
}

// New creates a resolver with the built-in strategy chains. metrics may be nil.
func New(logger *zap.Logger, metrics *observability.Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		logger:  logger.Named("resolver"),
		metrics: metrics,
		chains: map[Kind][]Strategy{
			KindOtp: {
				configured(),
				selectorList("attribute", attributeSelectors),
				selectorList("container", containerSelectors),
				layout(),
			},
			KindEmail:   {configured(), emailFields()},
			KindTrigger: {configured()},
			KindSubmit:  {configured(), submitList(), submitText()},
		},
	}
}

// Strategies returns the chain tried for kind, in order.
func (r *Resolver) Strategies(kind Kind) []Strategy {
	return r.chains[kind]
}

// Resolve runs the chain for kind and returns the first strategy result holding at least
// q.Need elements. A Need below one is treated as one.
func (r *Resolver) Resolve(s *dom.Snapshot, kind Kind, q Query) Result {
	if q.Need < 1 {
		q.Need = 1
	}
	var single Result
	for _, st := range r.chains[kind] {
		els := st.Find(s, q)
		if kind == KindSubmit {
			els = enabled(els)
		}
		if len(els) >= q.Need {
			r.won(kind, st.Name, len(els))
			return Result{Strategy: st.Name, Elements: els}
		}
		if kind == KindOtp && st.Name == "configured" && len(els) == 1 {
			single = Result{Strategy: st.Name, Elements: els}
		}
	}
	// A lone configured field counts only when no fallback found a full set.
	if single.Found() {
		r.won(kind, single.Strategy, 1)
		return single
	}
	r.logger.Debug("No strategy matched.", zap.String("kind", string(kind)), zap.Int("need", q.Need))
	return Result{}
}

// ResolveOTP returns the fields that will receive a code of codeLen characters: one field for
// the whole code, or the first codeLen fields in document order. A configured selector that
// matches exactly one field is taken as a single-field form only when no fallback strategy
// finds codeLen fields.
func (r *Resolver) ResolveOTP(s *dom.Snapshot, selector string, codeLen int) Result {
	res := r.Resolve(s, KindOtp, Query{Selector: selector, Need: codeLen})
	if len(res.Elements) > codeLen && codeLen > 0 {
		res.Elements = res.Elements[:codeLen]
	}
	return res
}

// ProbeOTP reports whether any OTP field is present yet, without knowing the code length.
func (r *Resolver) ProbeOTP(s *dom.Snapshot, selector string) Result {
	return r.Resolve(s, KindOtp, Query{Selector: selector, Need: 1})
}

// FindEmail returns the first email input, configured or heuristic.
func (r *Resolver) FindEmail(s *dom.Snapshot, selector string) *dom.Element {
	return first(r.Resolve(s, KindEmail, Query{Selector: selector}))
}

// FindTrigger returns the configured trigger element, or nil.
func (r *Resolver) FindTrigger(s *dom.Snapshot, selector string) *dom.Element {
	return first(r.Resolve(s, KindTrigger, Query{Selector: selector}))
}

// FindSubmit returns the configured submit target, or the first enabled button matching the
// known submit selectors or wording.
func (r *Resolver) FindSubmit(s *dom.Snapshot, selector string) *dom.Element {
	return first(r.Resolve(s, KindSubmit, Query{Selector: selector}))
}

func (r *Resolver) won(kind Kind, strategy string, n int) {
	r.logger.Debug("Strategy matched.",
		zap.String("kind", string(kind)),
		zap.String("strategy", strategy),
		zap.Int("count", n))
	r.metrics.RecordStrategy(string(kind), strategy)
}

func first(res Result) *dom.Element {
	if !res.Found() {
		return nil
	}
	return res.Elements[0]
}
