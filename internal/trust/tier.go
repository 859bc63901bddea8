package trust

import (
	"fmt"
	"strings"
)

// Tier is the trust level of an event author for a single event.
// It is derived per event and never stored.
type Tier int

const (
	Untrusted Tier = iota
	SemiTrusted
	Maintainer
)

func (t Tier) String() string {
	switch t {
	case Untrusted:
		return "untrusted"
	case SemiTrusted:
		return "semi-trusted"
	case Maintainer:
		return "maintainer"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier accepts the names used in the policy file.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "maintainer":
		return Maintainer, nil
	case "semi-trusted", "semitrusted", "contributor":
		return SemiTrusted, nil
	case "untrusted":
		return Untrusted, nil
	}
	return Untrusted, fmt.Errorf("unknown trust tier %q", s)
}

// Allowlist maps logins to tiers. Logins are case-insensitive.
type Allowlist struct {
	entries map[string]Tier
}

// NewAllowlist copies entries into an immutable allowlist.
func NewAllowlist(entries map[string]Tier) *Allowlist {
	a := &Allowlist{entries: make(map[string]Tier, len(entries))}
	for login, tier := range entries {
		login = normalizeLogin(login)
		if login == "" {
			continue
		}
		a.entries[login] = tier
	}
	return a
}

// Lookup returns the configured tier for login.
func (a *Allowlist) Lookup(login string) (Tier, bool) {
	if a == nil {
		return Untrusted, false
	}
	tier, ok := a.entries[normalizeLogin(login)]
	return tier, ok
}

// IsMaintainer reports whether login is allowlisted as a maintainer.
func (a *Allowlist) IsMaintainer(login string) bool {
	tier, ok := a.Lookup(login)
	return ok && tier == Maintainer
}

// Len returns the number of allowlisted logins.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
