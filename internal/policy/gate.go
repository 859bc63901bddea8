package policy

import (
	"fmt"

	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/trust"
)

// ExecContext is the environment an admitted change runs in.
type ExecContext string

const (
	// Trusted runs with the full credential scope.
	Trusted ExecContext = "trusted"
	// Sandboxed runs without access to long-lived credentials.
	Sandboxed ExecContext = "sandboxed"
)

// Rejection reasons.
const (
	ReasonUnauthorizedSensitive = "unauthorized-sensitive-change"
	ReasonUnknownTier           = "unknown-trust-tier"
	// ReasonUnverifiableChangeSet is used when the host truncated the
	// changed-path listing and the author is not trusted.
	ReasonUnverifiableChangeSet = "unverifiable-change-set"
)

// Verdict is recomputed for every event and never persisted.
type Verdict struct {
	Admitted bool
	Context  ExecContext
	Reason   string
}

// Admit returns an admitting verdict for ctx.
func Admit(ctx ExecContext) Verdict { return Verdict{Admitted: true, Context: ctx} }

// Reject returns a rejecting verdict.
func Reject(reason string) Verdict { return Verdict{Reason: reason} }

func (v Verdict) String() string {
	if v.Admitted {
		return fmt.Sprintf("admit(%s)", v.Context)
	}
	return fmt.Sprintf("reject(%s)", v.Reason)
}

// Row is one line of the decision table.
type Row struct {
	Tier      trust.Tier
	Sensitive bool
	Verdict   Verdict
}

// DecisionTable covers every (tier, sensitivity) pair exactly once.
var DecisionTable = []Row{
	{trust.Maintainer, true, Admit(Trusted)},
	{trust.Maintainer, false, Admit(Trusted)},
	{trust.SemiTrusted, true, Admit(Trusted)},
	{trust.SemiTrusted, false, Admit(Sandboxed)},
	{trust.Untrusted, true, Reject(ReasonUnauthorizedSensitive)},
	{trust.Untrusted, false, Admit(Sandboxed)},
}

// Decision is a verdict plus the facts that produced it.
type Decision struct {
	Verdict       Verdict
	Tier          trust.Tier
	Sensitive     bool
	SensitivePath string
}

// Gate is a pure decision function over a change and its author's tier.
type Gate struct {
	namespace *Namespace
}

// NewGate creates a gate for the given sensitive namespace.
func NewGate(ns *Namespace) *Gate {
	return &Gate{namespace: ns}
}

// Namespace returns the gate's sensitive namespace.
func (g *Gate) Namespace() *Namespace { return g.namespace }

// Evaluate looks up the verdict for cr under tier.
func (g *Gate) Evaluate(cr *change.ChangeRequest, tier trust.Tier) Decision {
	hit, sensitive := g.namespace.Intersects(cr.Paths)
	d := Decision{Tier: tier, Sensitive: sensitive, SensitivePath: hit}
	for _, row := range DecisionTable {
		if row.Tier == tier && row.Sensitive == sensitive {
			d.Verdict = row.Verdict
			return d
		}
	}
	d.Verdict = Reject(ReasonUnknownTier)
	return d
}
