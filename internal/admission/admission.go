// Package admission composes normalization, trust classification and the
// policy gate. Evaluation is side-effect free and safe for concurrent use.
package admission

import (
	"fmt"

	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/trust"
)

// Result is the outcome of admitting one event.
type Result struct {
	Change   *change.ChangeRequest
	Tier     trust.Tier
	Rule     string
	Decision policy.Decision
}

// Verdict is shorthand for r.Decision.Verdict.
func (r *Result) Verdict() policy.Verdict { return r.Decision.Verdict }

// Summary renders a one-line audit record.
func (r *Result) Summary() string {
	s := fmt.Sprintf("%s tier=%s rule=%s verdict=%s", r.Change, r.Tier, r.Rule, r.Decision.Verdict)
	if r.Decision.Sensitive {
		s += fmt.Sprintf(" sensitive=%s", r.Decision.SensitivePath)
	}
	return s
}

// Pipeline runs EventNormalizer -> TrustClassifier -> PolicyGate.
type Pipeline struct {
	classifier *trust.Classifier
	gate       *policy.Gate
}

// New creates a pipeline.
func New(classifier *trust.Classifier, gate *policy.Gate) *Pipeline {
	return &Pipeline{classifier: classifier, gate: gate}
}

// Classifier returns the pipeline's trust classifier.
func (p *Pipeline) Classifier() *trust.Classifier { return p.classifier }

// Evaluate normalizes raw and decides whether it may run. The only error
// is a normalization failure (change.ErrMalformedEvent).
func (p *Pipeline) Evaluate(raw change.RawEvent) (*Result, error) {
	cr, err := change.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return p.EvaluateChange(cr), nil
}

// EvaluateChange classifies and gates an already normalized change.
func (p *Pipeline) EvaluateChange(cr *change.ChangeRequest) *Result {
	tier, rule := p.classifier.Classify(trust.InputFor(cr))
	return &Result{
		Change:   cr,
		Tier:     tier,
		Rule:     rule,
		Decision: p.gate.Evaluate(cr, tier),
	}
}
