package change

import (
	"sort"
	"strings"
)

// RawEvent is the host-agnostic view of an inbound change event, after the
// transport layer has decoded the payload and attached a PR snapshot.
type RawEvent struct {
	Kind     EventKind
	Actor    string
	Repo     string
	Number   int
	BaseSHA  string
	HeadSHA  string
	BaseRef  string
	HeadRef  string
	Paths    []string
	Open     bool
	Origin   Origin
	Delivery string

	// LatestHeadSHA is the PR head at the time the snapshot was taken.
	// A mismatch with HeadSHA means the event was overtaken by a push.
	LatestHeadSHA string
	Ancestry      Ancestry
}

// Normalize validates a raw event and returns its ChangeRequest.
// It has no side effects.
func Normalize(raw RawEvent) (*ChangeRequest, error) {
	repo := strings.TrimSpace(raw.Repo)
	if repo == "" {
		return nil, malformed("repo", "missing")
	}
	if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, malformed("repo", "expected owner/repo, got %q", repo)
	}
	if raw.Number <= 0 {
		return nil, malformed("number", "must be positive, got %d", raw.Number)
	}
	actor := strings.TrimSpace(raw.Actor)
	if actor == "" {
		return nil, malformed("actor", "missing")
	}
	if !raw.Kind.Valid() {
		return nil, malformed("kind", "unsupported event kind %q", raw.Kind)
	}
	base := strings.TrimSpace(raw.BaseSHA)
	head := strings.TrimSpace(raw.HeadSHA)
	if base == "" {
		return nil, malformed("base_sha", "missing")
	}
	if head == "" {
		return nil, malformed("head_sha", "missing")
	}

	switch raw.Ancestry {
	case AncestryBehind:
		return nil, malformed("head_sha", "%s is behind base %s", shortSHA(head), shortSHA(base))
	case AncestryMissing:
		return nil, malformed("head_sha", "%s is not reachable from base %s", shortSHA(head), shortSHA(base))
	}
	if latest := strings.TrimSpace(raw.LatestHeadSHA); latest != "" && latest != head {
		return nil, malformed("head_sha", "stale event for %s, subject head is now %s", shortSHA(head), shortSHA(latest))
	}

	origin := raw.Origin
	if origin == "" {
		origin = OriginDirect
	}
	if origin != OriginDirect && origin != OriginApproved {
		return nil, malformed("origin", "unknown delivery origin %q", origin)
	}

	return &ChangeRequest{
		Subject:  NewSubjectKey(repo, raw.Number),
		Repo:     repo,
		Number:   raw.Number,
		Author:   actor,
		BaseSHA:  base,
		HeadSHA:  head,
		BaseRef:  strings.TrimSpace(raw.BaseRef),
		HeadRef:  strings.TrimSpace(raw.HeadRef),
		Paths:    normalizePaths(raw.Paths),
		Kind:     raw.Kind,
		Origin:   origin,
		Open:     raw.Open,
		Delivery: raw.Delivery,
	}, nil
}

// normalizePaths trims, strips leading "./" and "/", drops empties and
// returns the set sorted.
func normalizePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "./")
		p = strings.TrimLeft(p, "/")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
