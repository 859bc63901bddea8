package change

import (
	"fmt"
	"strings"
)

// EventKind describes why a change request was raised
type EventKind string

const (
	KindFirstOpen      EventKind = "first-open"
	KindUpdate         EventKind = "update"
	KindManualDispatch EventKind = "manual-dispatch"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindFirstOpen, KindUpdate, KindManualDispatch:
		return true
	}
	return false
}

// Origin is the delivery path an event arrived through
type Origin string

const (
	// OriginDirect covers every delivery that fires without human review.
	OriginDirect Origin = "direct"
	// OriginApproved is a delivery that only fires after a reviewer approved
	// execution for the exact head revision.
	OriginApproved Origin = "approved"
)

// Ancestry is the host's comparison status of head relative to base.
type Ancestry string

const (
	AncestryUnknown   Ancestry = ""
	AncestryAhead     Ancestry = "ahead"
	AncestryIdentical Ancestry = "identical"
	AncestryDiverged  Ancestry = "diverged"
	AncestryBehind    Ancestry = "behind"
	AncestryMissing   Ancestry = "missing"
)

// SubjectKey identifies the target executions are serialised on.
// Format: "owner/repo#number" (e.g., "acme/widgets#42")
type SubjectKey string

// NewSubjectKey builds the key for a repository and PR number.
func NewSubjectKey(repo string, number int) SubjectKey {
	return SubjectKey(fmt.Sprintf("%s#%d", strings.ToLower(repo), number))
}

func (k SubjectKey) String() string { return string(k) }

// ChangeRequest is the canonical, immutable form of one inbound event.
type ChangeRequest struct {
	Subject  SubjectKey
	Repo     string
	Number   int
	Author   string
	BaseSHA  string
	HeadSHA  string
	BaseRef  string
	HeadRef  string
	Paths    []string
	Kind     EventKind
	Origin   Origin
	Open     bool
	Delivery string
}

// ChangedPaths returns a copy of the changed path set.
func (c *ChangeRequest) ChangedPaths() []string {
	out := make([]string, len(c.Paths))
	copy(out, c.Paths)
	return out
}

func (c *ChangeRequest) String() string {
	return fmt.Sprintf("%s@%s (%s by %s)", c.Subject, shortSHA(c.HeadSHA), c.Kind, c.Author)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
