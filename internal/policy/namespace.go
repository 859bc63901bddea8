package policy

import (
	"fmt"
	"path"
	"strings"
)

// Namespace is the set of paths whose modification changes the
// automation's own trigger and execution rules.
//
// Patterns are "/"-separated globs:
//
//	".automation/trigger.yaml"  matches that file only
//	".github/workflows/*"       matches direct children of the directory
//	".automation/**"            matches anything below .automation
//	"**/codeflash.toml"         matches the file at any depth
type Namespace struct {
	patterns []string
}

// NewNamespace validates and stores the patterns.
func NewNamespace(patterns []string) (*Namespace, error) {
	ns := &Namespace{}
	for _, p := range patterns {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == "**" {
				continue
			}
			if _, err := path.Match(seg, ""); err != nil {
				return nil, fmt.Errorf("invalid sensitive path pattern %q: %w", p, err)
			}
		}
		ns.patterns = append(ns.patterns, p)
	}
	return ns, nil
}

// MustNamespace is NewNamespace for fixed patterns in tests and defaults.
func MustNamespace(patterns ...string) *Namespace {
	ns, err := NewNamespace(patterns)
	if err != nil {
		panic(err)
	}
	return ns
}

// Patterns returns a copy of the configured patterns.
func (n *Namespace) Patterns() []string {
	if n == nil {
		return nil
	}
	return append([]string(nil), n.patterns...)
}

// Contains reports whether p falls inside the namespace.
func (n *Namespace) Contains(p string) bool {
	if n == nil {
		return false
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return false
	}
	segments := strings.Split(p, "/")
	for _, pattern := range n.patterns {
		if matchSegments(strings.Split(pattern, "/"), segments) {
			return true
		}
	}
	return false
}

// Intersects returns the first path in paths that is inside the namespace.
func (n *Namespace) Intersects(paths []string) (string, bool) {
	for _, p := range paths {
		if n.Contains(p) {
			return p, true
		}
	}
	return "", false
}

func matchSegments(pattern, segments []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			// ** matches zero or more segments.
			for i := 0; i <= len(segments); i++ {
				if matchSegments(rest, segments[i:]) {
					return true
				}
			}
			return false
		}
		if len(segments) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], segments[0])
		if err != nil || !ok {
			return false
		}
		pattern, segments = pattern[1:], segments[1:]
	}
	return len(segments) == 0
}
