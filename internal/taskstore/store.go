// Package taskstore keeps an in-memory ledger of dispatched runs for
// diagnostics. Nothing here feeds back into admission.
package taskstore

import (
	"sort"
	"sync"
	"time"
)

type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

type Run struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Repo       string     `json:"repo"`
	Number     int        `json:"number"`
	Generation uint64     `json:"generation"`
	HeadSHA    string     `json:"head_sha"`
	Author     string     `json:"author"`
	Context    string     `json:"context"`
	Status     RunStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	Reported   bool       `json:"reported"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, error, success
	Message   string    `json:"message"`
}

type Store struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{
		runs: make(map[string]*Run),
		now:  time.Now,
	}
}

func (s *Store) Create(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cp := *run
	cp.Logs = append([]LogEntry(nil), run.Logs...)
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.runs[cp.ID] = &cp
}

// Get returns a copy of the run.
func (s *Store) Get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// List returns copies of all runs, newest first. An empty subject lists
// every subject.
func (s *Store) List(subject string) []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		if subject != "" && run.Subject != subject {
			continue
		}
		runs = append(runs, run.clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].Generation > runs[j].Generation
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs
}

func (s *Store) UpdateStatus(id string, status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.Status = status
		run.UpdatedAt = s.now()
	}
}

func (s *Store) SetAttempts(id string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.Attempts = attempts
		run.UpdatedAt = s.now()
	}
}

func (s *Store) MarkReported(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.Reported = true
		run.UpdatedAt = s.now()
	}
}

func (s *Store) AddLog(id string, level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		now := s.now()
		run.Logs = append(run.Logs, LogEntry{
			Timestamp: now,
			Level:     level,
			Message:   message,
		})
		run.UpdatedAt = now
	}
}

// SupersedeOlder cancels queued runs of subject older than generation and
// returns how many were touched. Running runs finish on their own.
func (s *Store) SupersedeOlder(subject string, generation uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	affected := 0
	for _, run := range s.runs {
		if run.Subject != subject || run.Generation >= generation || run.Status != StatusQueued {
			continue
		}
		run.Status = StatusCancelled
		run.UpdatedAt = now
		run.Logs = append(run.Logs, LogEntry{
			Timestamp: now,
			Level:     "info",
			Message:   "Superseded by a newer event",
		})
		affected++
	}
	return affected
}

// Prune drops terminal runs last updated before cutoff.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, run := range s.runs {
		if run.Status.Terminal() && run.UpdatedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}

func (r *Run) clone() Run {
	cp := *r
	cp.Logs = append([]LogEntry(nil), r.Logs...)
	return cp
}
