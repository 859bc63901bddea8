package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrInvariantViolation is a fatal coordination error. The affected slot is
// forced back to idle so the subject cannot lock up.
var ErrInvariantViolation = errors.New("concurrency invariant violation")

// State is the externally visible state of a subject slot.
type State string

const (
	Idle       State = "idle"
	Running    State = "running"
	Cancelling State = "cancelling"
)

// DefaultGracePeriod bounds how long a superseded execution may keep the
// slot before the next generation proceeds without it.
const DefaultGracePeriod = 30 * time.Second

// Config controls coordinator behaviour
type Config struct {
	GracePeriod time.Duration
}

// Manager serialises executions per subject key.
// Key format: "owner/repo#number" (e.g., "facebook/react#123")
type Manager struct {
	grace time.Duration
	now   func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.RWMutex
	slots   map[string]*slot
	retired map[string]retiredSlot
	// floor is the highest generation of any forgotten retired slot. New
	// slots for forgotten subjects start above it.
	floor uint64
}

type retiredSlot struct {
	generation uint64
	since      time.Time
}

type slot struct {
	mu         sync.Mutex
	generation uint64
	current    *Token
	draining   map[uint64]*drainEntry
	idleSince  time.Time
}

type drainEntry struct {
	token *Token
	timer *time.Timer
}

// NewManager creates a coordinator
func NewManager(cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		grace:   cfg.GracePeriod,
		now:     time.Now,
		baseCtx: ctx,
		stop:    cancel,
		slots:   make(map[string]*slot),
		retired: make(map[string]retiredSlot),
	}
}

// Acquire starts a new generation for subject. A live earlier generation is
// cancelled and given the grace period to stop before the new token becomes
// ready.
func (m *Manager) Acquire(subject string) *Token {
	s := m.lockSlot(subject)
	defer s.mu.Unlock()

	s.generation++
	tok := newToken(m.baseCtx, subject, s.generation)

	if prev := s.current; prev != nil {
		log.Printf("[Coordinator] %s superseded by generation %d, cancelling", prev, tok.Generation)
		prev.cancel()
		m.drainLocked(s, prev)
	}
	s.current = tok
	if len(s.draining) == 0 {
		tok.markReady()
	}
	return tok
}

func (m *Manager) drainLocked(s *slot, tok *Token) {
	entry := &drainEntry{token: tok}
	entry.timer = time.AfterFunc(m.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.draining[tok.Generation] != entry {
			return
		}
		log.Printf("[Coordinator] %s did not stop within %s, proceeding without it", tok, m.grace)
		delete(s.draining, tok.Generation)
		m.resolveLocked(s)
	})
	s.draining[tok.Generation] = entry
}

// resolveLocked makes the current token ready once nothing is draining.
func (m *Manager) resolveLocked(s *slot) {
	if len(s.draining) > 0 {
		return
	}
	if s.current != nil {
		s.current.markReady()
		return
	}
	s.idleSince = m.now()
}

// Complete records that tok's execution reached a terminal outcome. It
// returns true when the result is reportable, i.e. tok still holds the
// current generation. Stale generations are acknowledged and discarded.
func (m *Manager) Complete(tok *Token) (bool, error) {
	if tok == nil {
		return false, fmt.Errorf("%w: nil token", ErrInvariantViolation)
	}

	m.mu.RLock()
	s, ok := m.slots[tok.Subject]
	retired := m.lastGenerationLocked(tok.Subject)
	m.mu.RUnlock()
	if !ok {
		if tok.Generation < retired {
			log.Printf("[Coordinator] FATAL %s completed after grace period, slot already retired; result discarded", tok)
		}
		if tok.Generation <= retired {
			return false, nil
		}
		return false, fmt.Errorf("%w: no slot for %s", ErrInvariantViolation, tok)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.Generation > s.generation {
		m.forceIdleLocked(s)
		return false, fmt.Errorf("%w: %s is ahead of slot generation %d", ErrInvariantViolation, tok, s.generation)
	}

	if s.current == tok {
		s.current = nil
		tok.cancel()
		m.resolveLocked(s)
		return true, nil
	}

	if entry, ok := s.draining[tok.Generation]; ok && entry.token == tok {
		entry.timer.Stop()
		delete(s.draining, tok.Generation)
		log.Printf("[Coordinator] %s acknowledged cancellation", tok)
		m.resolveLocked(s)
		return false, nil
	}
	if tok.Generation < s.generation {
		log.Printf("[Coordinator] FATAL %s completed after grace period, generation %d already proceeded; result discarded", tok, s.generation)
	}
	return false, nil
}

// ForceIdle drops every execution of subject. Used after a fatal error.
func (m *Manager) ForceIdle(subject string) {
	m.mu.RLock()
	s, ok := m.slots[subject]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.forceIdleLocked(s)
}

func (m *Manager) forceIdleLocked(s *slot) {
	if s.current != nil {
		log.Printf("[Coordinator] forcing %s to idle", s.current)
		s.current.cancel()
		s.current = nil
	}
	for gen, entry := range s.draining {
		entry.timer.Stop()
		delete(s.draining, gen)
	}
	s.idleSince = m.now()
}

// IsCurrent reports whether tok still holds the latest generation.
func (m *Manager) IsCurrent(tok *Token) bool {
	m.mu.RLock()
	s, ok := m.slots[tok.Subject]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == tok
}

// lockSlot returns the slot for subject with its mutex held, creating it on
// first use. The table lock is held until the slot is locked so Sweep cannot
// retire a slot that is about to gain a token.
func (m *Manager) lockSlot(subject string) *slot {
	m.mu.RLock()
	if s, ok := m.slots[subject]; ok {
		s.mu.Lock()
		m.mu.RUnlock()
		return s
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[subject]
	if !ok {
		s = &slot{
			generation: m.lastGenerationLocked(subject),
			draining:   make(map[uint64]*drainEntry),
			idleSince:  m.now(),
		}
		delete(m.retired, subject)
		m.slots[subject] = s
	}
	s.mu.Lock()
	return s
}

// SlotStatus is a diagnostic snapshot of one slot.
type SlotStatus struct {
	Subject    string    `json:"subject"`
	State      State     `json:"state"`
	Generation uint64    `json:"generation"`
	Draining   int       `json:"draining"`
	IdleSince  time.Time `json:"idle_since,omitempty"`
}

func (s *slot) statusLocked(subject string) SlotStatus {
	st := SlotStatus{
		Subject:    subject,
		Generation: s.generation,
		Draining:   len(s.draining),
	}
	switch {
	case s.current == nil:
		st.State = Idle
		st.IdleSince = s.idleSince
	case len(s.draining) > 0:
		st.State = Cancelling
	default:
		st.State = Running
	}
	return st
}

// Status returns the snapshot for one subject.
func (m *Manager) Status(subject string) (SlotStatus, bool) {
	m.mu.RLock()
	s, ok := m.slots[subject]
	m.mu.RUnlock()
	if !ok {
		return SlotStatus{Subject: subject, State: Idle, Generation: m.retiredGeneration(subject)}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(subject), true
}

func (m *Manager) retiredGeneration(subject string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastGenerationLocked(subject)
}

// lastGenerationLocked is the generation a subject without a live slot
// resumes from. The table lock must be held.
func (m *Manager) lastGenerationLocked(subject string) uint64 {
	if r, ok := m.retired[subject]; ok {
		return r.generation
	}
	return m.floor
}

// Snapshot lists every live slot ordered by subject.
func (m *Manager) Snapshot() []SlotStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SlotStatus, 0, len(m.slots))
	for subject, s := range m.slots {
		s.mu.Lock()
		out = append(out, s.statusLocked(subject))
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Sweep removes slots that have been idle longer than retention. The last
// generation is remembered so numbering stays monotonic; after a further
// retention period only the highest forgotten generation is kept.
func (m *Manager) Sweep(retention time.Duration) int {
	now := m.now()
	cutoff := now.Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for subject, s := range m.slots {
		s.mu.Lock()
		idle := s.current == nil && len(s.draining) == 0 && !s.idleSince.After(cutoff)
		gen := s.generation
		s.mu.Unlock()
		if !idle {
			continue
		}
		delete(m.slots, subject)
		m.retired[subject] = retiredSlot{generation: gen, since: now}
		removed++
	}

	for subject, r := range m.retired {
		if !r.since.After(cutoff) {
			if r.generation > m.floor {
				m.floor = r.generation
			}
			delete(m.retired, subject)
		}
	}
	return removed
}

// Close cancels every outstanding token.
func (m *Manager) Close() {
	m.stop()
}
