package dispatcher

import (
	"context"
	"errors"
	"log"

	"github.com/Kayzwer/codeflash/internal/github"
)

// Reporter publishes the visible state of a job.
type Reporter interface {
	// Begin publishes a placeholder for the job's generation.
	Begin(ctx context.Context, job *Job) error
	// Finish publishes the final result.
	Finish(ctx context.Context, job *Job, res *Result) error
	// Withdraw removes the placeholder of a run whose output is discarded.
	Withdraw(ctx context.Context, job *Job) error
}

// Publisher is the comment store behind a CommentReporter.
type Publisher interface {
	Publish(ctx context.Context, key github.ReportKey, body string) error
	Withdraw(ctx context.Context, key github.ReportKey) error
}

// CommentReporter reports jobs as pull request comments keyed by subject
// and generation.
type CommentReporter struct {
	Publisher Publisher
}

func reportKey(job *Job) github.ReportKey {
	return github.ReportKey{
		Repo:       job.Change.Repo,
		Number:     job.Change.Number,
		Subject:    job.Token.Subject,
		Generation: job.Token.Generation,
	}
}

func (r *CommentReporter) Begin(ctx context.Context, job *Job) error {
	body := (&github.Report{
		Status:     github.ReportRunning,
		Author:     job.Change.Author,
		HeadSHA:    job.Change.HeadSHA,
		Generation: job.Token.Generation,
		Context:    string(job.Verdict.Context),
	}).Render()
	return r.Publisher.Publish(ctx, reportKey(job), body)
}

func (r *CommentReporter) Finish(ctx context.Context, job *Job, res *Result) error {
	report := &github.Report{
		Author:     job.Change.Author,
		HeadSHA:    job.Change.HeadSHA,
		Generation: res.Generation,
		Context:    string(res.Context),
		Attempts:   res.Attempts,
		Duration:   res.Duration,
	}
	switch res.Outcome {
	case Succeeded:
		report.Status = github.ReportSucceeded
		report.Details = res.Report
	case Failed:
		report.Status = github.ReportFailed
		if res.Cause != nil {
			report.Details = res.Cause.Error()
		}
	default:
		return nil
	}
	err := r.Publisher.Publish(ctx, reportKey(job), report.Render())
	if errors.Is(err, github.ErrStaleReport) {
		log.Printf("[Reporter] Dropped stale report for %s: %v", job.Token, err)
		return nil
	}
	return err
}

func (r *CommentReporter) Withdraw(ctx context.Context, job *Job) error {
	return r.Publisher.Withdraw(ctx, reportKey(job))
}
