package github

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	gh "github.com/google/go-github/v66/github"
)

// ErrStaleReport is returned when a report belongs to a generation older
// than one already published for the same subject.
var ErrStaleReport = errors.New("stale report generation")

// Publisher writes report comments idempotently. Each ReportKey maps to at
// most one comment, found again through its hidden marker, so republishing
// edits in place.
type Publisher struct {
	clients  ClientSource
	botLogin string

	mu     sync.Mutex
	newest map[string]uint64
	ids    map[string]int64
	locks  map[string]*markerLock
}

// markerLock serialises lookup and create for one marker.
type markerLock struct {
	mu   sync.Mutex
	refs int
}

// NewPublisher creates a Publisher. When botLogin is set only comments
// authored by it are considered when looking up markers.
func NewPublisher(clients ClientSource, botLogin string) *Publisher {
	return &Publisher{
		clients:  clients,
		botLogin: botLogin,
		newest:   make(map[string]uint64),
		ids:      make(map[string]int64),
		locks:    make(map[string]*markerLock),
	}
}

func (p *Publisher) newestGeneration(subject string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newest[subject]
}

// Publish creates or updates the comment for key.
func (p *Publisher) Publish(ctx context.Context, key ReportKey, body string) error {
	if err := p.admit(key); err != nil {
		return err
	}
	owner, name, err := splitRepo(key.Repo)
	if err != nil {
		return err
	}
	client, err := p.clients.Client(ctx, key.Repo)
	if err != nil {
		return fmt.Errorf("github client for %s: %w", key.Repo, err)
	}

	marker := key.Marker()
	full := strings.TrimRight(body, "\n") + "\n\n" + marker
	unlock := p.lockMarker(marker)
	defer unlock()

	id, err := p.lookup(ctx, client, owner, name, key)
	if err != nil {
		return err
	}
	if id != 0 {
		err = retryWithBackoff(ctx, func() error {
			_, _, editErr := client.Issues.EditComment(ctx, owner, name, id, &gh.IssueComment{Body: gh.String(full)})
			return editErr
		})
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("edit report %s: %w", key, err)
		}
		// Deleted behind our back; fall through and recreate.
		p.forget(marker)
	}

	var created *gh.IssueComment
	err = retryWithBackoff(ctx, func() error {
		var createErr error
		created, _, createErr = client.Issues.CreateComment(ctx, owner, name, key.Number, &gh.IssueComment{Body: gh.String(full)})
		return createErr
	})
	if err != nil {
		return fmt.Errorf("create report %s: %w", key, err)
	}
	p.remember(marker, created.GetID())
	log.Printf("[Publisher] Created report %s (comment %d)", key, created.GetID())
	return nil
}

// Withdraw deletes the comment for key if one exists.
func (p *Publisher) Withdraw(ctx context.Context, key ReportKey) error {
	owner, name, err := splitRepo(key.Repo)
	if err != nil {
		return err
	}
	client, err := p.clients.Client(ctx, key.Repo)
	if err != nil {
		return fmt.Errorf("github client for %s: %w", key.Repo, err)
	}
	unlock := p.lockMarker(key.Marker())
	defer unlock()

	id, err := p.lookup(ctx, client, owner, name, key)
	if err != nil || id == 0 {
		return err
	}
	err = retryWithBackoff(ctx, func() error {
		_, delErr := client.Issues.DeleteComment(ctx, owner, name, id)
		return delErr
	})
	p.forget(key.Marker())
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete report %s: %w", key, err)
	}
	log.Printf("[Publisher] Withdrew report %s", key)
	return nil
}

func (p *Publisher) admit(key ReportKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key.Generation == 0 {
		return nil
	}
	newest := p.newest[key.Subject]
	if key.Generation < newest {
		return fmt.Errorf("%w: %s, newest is %d", ErrStaleReport, key, newest)
	}
	p.newest[key.Subject] = key.Generation
	return nil
}

// lockMarker holds the lock for marker until the returned func is called.
func (p *Publisher) lockMarker(marker string) func() {
	p.mu.Lock()
	l, ok := p.locks[marker]
	if !ok {
		l = &markerLock{}
		p.locks[marker] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, marker)
		}
		p.mu.Unlock()
	}
}

func (p *Publisher) remember(marker string, id int64) {
	p.mu.Lock()
	p.ids[marker] = id
	p.mu.Unlock()
}

func (p *Publisher) forget(marker string) {
	p.mu.Lock()
	delete(p.ids, marker)
	p.mu.Unlock()
}

// lookup returns the comment ID carrying key's marker, or 0.
func (p *Publisher) lookup(ctx context.Context, client *gh.Client, owner, name string, key ReportKey) (int64, error) {
	marker := key.Marker()
	p.mu.Lock()
	id, ok := p.ids[marker]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		var comments []*gh.IssueComment
		var resp *gh.Response
		err := retryWithBackoff(ctx, func() error {
			var listErr error
			comments, resp, listErr = client.Issues.ListComments(ctx, owner, name, key.Number, opts)
			return listErr
		})
		if err != nil {
			return 0, fmt.Errorf("list comments %s/%s#%d: %w", owner, name, key.Number, err)
		}
		for _, c := range comments {
			if p.botLogin != "" && !strings.EqualFold(c.GetUser().GetLogin(), p.botLogin) {
				continue
			}
			if key.matches(c.GetBody()) {
				p.remember(marker, c.GetID())
				return c.GetID(), nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return 0, nil
		}
		opts.Page = resp.NextPage
	}
}
