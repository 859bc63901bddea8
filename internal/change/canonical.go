package change

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// CanonicalChange is the wire form of a ChangeRequest.
type CanonicalChange struct {
	Subject  string   `json:"subject"`
	Repo     string   `json:"repo"`
	Number   int      `json:"number"`
	Author   string   `json:"author"`
	BaseSHA  string   `json:"base_sha"`
	HeadSHA  string   `json:"head_sha"`
	BaseRef  string   `json:"base_ref,omitempty"`
	HeadRef  string   `json:"head_ref,omitempty"`
	Paths    []string `json:"paths"`
	Kind     string   `json:"kind"`
	Origin   string   `json:"origin"`
	Open     bool     `json:"open"`
	Delivery string   `json:"delivery,omitempty"`
}

// Canonical returns the serialisable form of c.
func (c *ChangeRequest) Canonical() CanonicalChange {
	return CanonicalChange{
		Subject:  c.Subject.String(),
		Repo:     c.Repo,
		Number:   c.Number,
		Author:   c.Author,
		BaseSHA:  c.BaseSHA,
		HeadSHA:  c.HeadSHA,
		BaseRef:  c.BaseRef,
		HeadRef:  c.HeadRef,
		Paths:    c.ChangedPaths(),
		Kind:     string(c.Kind),
		Origin:   string(c.Origin),
		Open:     c.Open,
		Delivery: c.Delivery,
	}
}

// MarshalJSON encodes the canonical form.
func (c *ChangeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Canonical())
}

// ParseCanonical rebuilds a ChangeRequest from its canonical JSON. The
// result goes back through Normalize so the same invariants hold.
func ParseCanonical(data []byte) (*ChangeRequest, error) {
	var cc CanonicalChange
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("decode canonical change: %w", err)
	}
	cr, err := Normalize(RawEvent{
		Kind:     EventKind(cc.Kind),
		Actor:    cc.Author,
		Repo:     cc.Repo,
		Number:   cc.Number,
		BaseSHA:  cc.BaseSHA,
		HeadSHA:  cc.HeadSHA,
		BaseRef:  cc.BaseRef,
		HeadRef:  cc.HeadRef,
		Paths:    cc.Paths,
		Open:     cc.Open,
		Origin:   Origin(cc.Origin),
		Delivery: cc.Delivery,
	})
	if err != nil {
		return nil, err
	}
	if cc.Subject != "" && SubjectKey(cc.Subject) != cr.Subject {
		return nil, malformed("subject", "%q does not match %s", cc.Subject, cr.Subject)
	}
	return cr, nil
}

// Fingerprint hashes everything except the delivery id, so a redelivered
// event for the same revision produces the same value.
func (c *ChangeRequest) Fingerprint() string {
	cc := c.Canonical()
	cc.Delivery = ""
	data, err := json.Marshal(cc)
	if err != nil {
		// CanonicalChange only holds strings, ints and bools.
		panic(fmt.Sprintf("fingerprint marshal: %v", err))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
