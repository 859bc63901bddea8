package trust

import "github.com/Kayzwer/codeflash/internal/change"

// Input is everything the classifier looks at.
type Input struct {
	Actor  string
	Origin change.Origin
	Open   bool
}

// InputFor extracts the classifier input from a change request.
func InputFor(cr *change.ChangeRequest) Input {
	return Input{Actor: cr.Author, Origin: cr.Origin, Open: cr.Open}
}

// Rule is one enumerated acceptance path.
type Rule struct {
	Name  string
	Tier  Tier
	Match func(a *Allowlist, in Input) bool
}

// Rules is the closed acceptance table, evaluated in order. An input that
// matches no rule is Untrusted; there is no fallback rule.
var Rules = []Rule{
	{
		Name: "allowlisted-maintainer",
		Tier: Maintainer,
		Match: func(a *Allowlist, in Input) bool {
			tier, ok := a.Lookup(in.Actor)
			return ok && tier == Maintainer
		},
	},
	{
		Name: "allowlisted-contributor",
		Tier: SemiTrusted,
		Match: func(a *Allowlist, in Input) bool {
			tier, ok := a.Lookup(in.Actor)
			return ok && tier == SemiTrusted
		},
	},
	{
		Name: "approved-revision",
		Tier: SemiTrusted,
		Match: func(_ *Allowlist, in Input) bool {
			return in.Origin == change.OriginApproved && in.Open
		},
	},
}

// NoRule is reported when nothing in Rules matched.
const NoRule = "none"

// Classifier derives a Tier from an event and the configured allowlist.
type Classifier struct {
	allowlist *Allowlist
}

// NewClassifier creates a classifier over a fixed allowlist.
func NewClassifier(allowlist *Allowlist) *Classifier {
	if allowlist == nil {
		allowlist = NewAllowlist(nil)
	}
	return &Classifier{allowlist: allowlist}
}

// Classify returns the tier for in and the name of the rule that granted it.
func (c *Classifier) Classify(in Input) (Tier, string) {
	for _, rule := range Rules {
		if rule.Match(c.allowlist, in) {
			return rule.Tier, rule.Name
		}
	}
	return Untrusted, NoRule
}

// Allowlist exposes the classifier's allowlist for read-only checks.
func (c *Classifier) Allowlist() *Allowlist {
	return c.allowlist
}
