package github

import (
	"context"
	"errors"
	"fmt"
	"log"

	gh "github.com/google/go-github/v66/github"

	"github.com/Kayzwer/codeflash/internal/change"
)

const (
	// maxPullFiles mirrors the REST API cap on the pull request files listing.
	maxPullFiles = 3000
	// maxCompareFiles is the most files a comparison reports.
	maxCompareFiles = 300
	// maxSnapshotAttempts bounds retakes while the head keeps moving.
	maxSnapshotAttempts = 3
)

// ErrHeadMoving is returned when the pull request head changed during every
// snapshot attempt.
var ErrHeadMoving = errors.New("pull request head kept moving")

// PullSnapshot is the state of a pull request as the host reports it now.
type PullSnapshot struct {
	Repo     string
	Number   int
	Author   string
	Open     bool
	BaseRef  string
	BaseSHA  string
	HeadRef  string
	HeadSHA  string
	Paths    []string
	Ancestry change.Ancestry
	// Truncated is set when the host capped the file listing.
	Truncated bool
}

// Fetcher reads pull request state used to enrich webhook events.
type Fetcher struct {
	clients ClientSource
}

// NewFetcher creates a Fetcher.
func NewFetcher(clients ClientSource) *Fetcher {
	return &Fetcher{clients: clients}
}

// Snapshot fetches the pull request, its changed paths and the ancestry of
// head relative to base. Renamed files contribute both names.
//
// Paths come from the comparison pinned to the head just read. When the
// comparison is capped or unavailable the pull request listing is paged
// instead, and the snapshot is retaken if the head moved meanwhile.
func (f *Fetcher) Snapshot(ctx context.Context, repo string, number int) (*PullSnapshot, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	client, err := f.clients.Client(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("github client for %s: %w", repo, err)
	}

	for attempt := 1; attempt <= maxSnapshotAttempts; attempt++ {
		snap, moved, err := f.snapshot(ctx, client, owner, name, number)
		if err != nil {
			return nil, err
		}
		if moved == "" {
			snap.Repo = repo
			if snap.Truncated {
				log.Printf("[Fetcher] %s#%d: file listing capped at %d entries", repo, number, maxPullFiles)
			}
			return snap, nil
		}
		log.Printf("[Fetcher] %s#%d: head moved from %s to %s while listing files, refetching", repo, number, snap.HeadSHA, moved)
	}
	return nil, fmt.Errorf("%s#%d: %w", repo, number, ErrHeadMoving)
}

// snapshot takes one snapshot. A non-empty moved is the head the pull
// request reported after its files were listed, when that differs from
// snap.HeadSHA.
func (f *Fetcher) snapshot(ctx context.Context, client *gh.Client, owner, name string, number int) (snap *PullSnapshot, moved string, err error) {
	pr, err := f.getPull(ctx, client, owner, name, number)
	if err != nil {
		return nil, "", err
	}
	snap = &PullSnapshot{
		Number:  number,
		Author:  pr.GetUser().GetLogin(),
		Open:    pr.GetState() == "open",
		BaseRef: pr.GetBase().GetRef(),
		BaseSHA: pr.GetBase().GetSHA(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
	}

	var cmp *gh.CommitsComparison
	snap.Ancestry, cmp, err = f.compare(ctx, client, owner, name, snap.BaseSHA, snap.HeadSHA)
	if err != nil {
		return nil, "", err
	}
	if cmp != nil && len(cmp.Files) < maxCompareFiles {
		snap.Paths = filePaths(cmp.Files)
		return snap, "", nil
	}

	snap.Paths, snap.Truncated, err = f.listPaths(ctx, client, owner, name, number)
	if err != nil {
		return nil, "", err
	}
	again, err := f.getPull(ctx, client, owner, name, number)
	if err != nil {
		return nil, "", err
	}
	if head := again.GetHead().GetSHA(); head != snap.HeadSHA {
		return snap, head, nil
	}
	return snap, "", nil
}

func (f *Fetcher) getPull(ctx context.Context, client *gh.Client, owner, name string, number int) (*gh.PullRequest, error) {
	var pr *gh.PullRequest
	err := retryWithBackoff(ctx, func() error {
		var getErr error
		pr, _, getErr = client.PullRequests.Get(ctx, owner, name, number)
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("get pull request %s/%s#%d: %w", owner, name, number, err)
	}
	return pr, nil
}

func (f *Fetcher) listPaths(ctx context.Context, client *gh.Client, owner, name string, number int) ([]string, bool, error) {
	var paths []string
	seen := 0
	opts := &gh.ListOptions{PerPage: 100}
	for {
		var files []*gh.CommitFile
		var resp *gh.Response
		err := retryWithBackoff(ctx, func() error {
			var listErr error
			files, resp, listErr = client.PullRequests.ListFiles(ctx, owner, name, number, opts)
			return listErr
		})
		if err != nil {
			return nil, false, fmt.Errorf("list files %s/%s#%d: %w", owner, name, number, err)
		}
		paths = append(paths, filePaths(files)...)
		seen += len(files)
		if resp == nil || resp.NextPage == 0 {
			return paths, false, nil
		}
		if seen >= maxPullFiles {
			return paths, true, nil
		}
		opts.Page = resp.NextPage
	}
}

func filePaths(files []*gh.CommitFile) []string {
	var paths []string
	for _, file := range files {
		paths = append(paths, file.GetFilename())
		if prev := file.GetPreviousFilename(); prev != "" {
			paths = append(paths, prev)
		}
	}
	return paths
}

// compare returns the ancestry of head relative to base and, when the host
// answered, the comparison itself.
func (f *Fetcher) compare(ctx context.Context, client *gh.Client, owner, name, base, head string) (change.Ancestry, *gh.CommitsComparison, error) {
	if base == "" || head == "" {
		return change.AncestryUnknown, nil, nil
	}
	var cmp *gh.CommitsComparison
	err := retryWithBackoff(ctx, func() error {
		var cmpErr error
		cmp, _, cmpErr = client.Repositories.CompareCommits(ctx, owner, name, base, head, &gh.ListOptions{PerPage: 1})
		return cmpErr
	})
	if isNotFound(err) {
		return change.AncestryMissing, nil, nil
	}
	if err != nil {
		return change.AncestryUnknown, nil, fmt.Errorf("compare %s...%s: %w", base, head, err)
	}

	switch status := change.Ancestry(cmp.GetStatus()); status {
	case change.AncestryAhead, change.AncestryIdentical, change.AncestryDiverged, change.AncestryBehind:
		return status, cmp, nil
	default:
		log.Printf("[Fetcher] unknown compare status %q for %s/%s", cmp.GetStatus(), owner, name)
		return change.AncestryUnknown, cmp, nil
	}
}
