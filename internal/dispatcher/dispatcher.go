package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/concurrency"
	"github.com/Kayzwer/codeflash/internal/executor"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/taskstore"
)

var (
	// ErrQueueFull is returned when the dispatcher queue cannot accept more jobs.
	ErrQueueFull = errors.New("dispatcher queue full")
	// ErrQueueClosed is returned after Shutdown.
	ErrQueueClosed = errors.New("dispatcher queue closed")
	// ErrNotAdmitted is returned when Submit is handed a rejecting verdict.
	ErrNotAdmitted = errors.New("change was not admitted")
)

// Coordinator serialises executions per subject.
type Coordinator interface {
	Acquire(subject string) *concurrency.Token
	Complete(tok *concurrency.Token) (bool, error)
	IsCurrent(tok *concurrency.Token) bool
	ForceIdle(subject string)
}

// CredentialFunc issues a short-lived credential for a trusted execution.
type CredentialFunc func(ctx context.Context, repo string) (*executor.Credential, error)

// Config controls dispatcher behaviour
type Config struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// ReportTimeout bounds report calls made after the run context ended.
	ReportTimeout time.Duration
}

// Deps are the collaborators a Dispatcher drives. Runner and Coordinator
// are required.
type Deps struct {
	Runner      executor.Runner
	Coordinator Coordinator
	Credentials CredentialFunc
	Reporter    Reporter
	Runs        *taskstore.Store
}

// Job is one admitted change waiting for or holding its execution slot.
type Job struct {
	Change   *change.ChangeRequest
	Verdict  policy.Verdict
	Token    *concurrency.Token
	Enqueued time.Time
}

// Dispatcher runs admitted changes on a worker pool. Each job holds a
// coordinator token from Submit until its result is completed.
type Dispatcher struct {
	deps Deps
	cfg  Config
	// onResult observes every terminal result, reportable or not.
	onResult func(res *Result, reportable bool)

	submitMu sync.Mutex
	closed   bool
	queue    chan *Job

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	once sync.Once
}

// New creates a dispatcher with the provided configuration
func New(deps Deps, cfg Config) *Dispatcher {
	return newObserved(deps, cfg, nil)
}

func newObserved(deps Deps, cfg Config, onResult func(*Result, bool)) *Dispatcher {
	normalized := normalizeConfig(cfg)
	stopCtx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		deps:     deps,
		cfg:      normalized,
		onResult: onResult,
		queue:    make(chan *Job, normalized.QueueSize),
		stopCtx:  stopCtx,
		stop:     stop,
	}
	d.startWorkers()
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 15 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	return cfg
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Submit acquires a new generation for the change's subject, superseding
// any earlier one, and queues the job. The returned token identifies the
// generation.
func (d *Dispatcher) Submit(cr *change.ChangeRequest, verdict policy.Verdict) (*concurrency.Token, error) {
	if cr == nil {
		return nil, errors.New("dispatcher submit: change is nil")
	}
	if !verdict.Admitted {
		return nil, fmt.Errorf("%w: %s", ErrNotAdmitted, verdict)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	if d.closed {
		return nil, ErrQueueClosed
	}
	// Check capacity before superseding anything; only Submit sends on
	// the queue so the slot is still free when we send.
	if len(d.queue) >= cap(d.queue) {
		return nil, ErrQueueFull
	}

	tok := d.deps.Coordinator.Acquire(string(cr.Subject))
	job := &Job{Change: cr, Verdict: verdict, Token: tok, Enqueued: time.Now()}

	if runs := d.deps.Runs; runs != nil {
		runs.Create(&taskstore.Run{
			ID:         tok.ID,
			Subject:    tok.Subject,
			Repo:       cr.Repo,
			Number:     cr.Number,
			Generation: tok.Generation,
			HeadSHA:    cr.HeadSHA,
			Author:     cr.Author,
			Context:    string(verdict.Context),
		})
		runs.SupersedeOlder(tok.Subject, tok.Generation)
	}

	d.queue <- job
	log.Printf("[Dispatcher] Queued %s (%s, head %s)", tok, verdict.Context, cr.HeadSHA)
	return tok, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCtx.Done():
			return
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(job)
		}
	}
}

func (d *Dispatcher) process(job *Job) {
	tok := job.Token
	ctx, cancel := context.WithCancel(tok.Context())
	defer cancel()
	stopWatch := context.AfterFunc(d.stopCtx, cancel)
	defer stopWatch()

	start := time.Now()
	res := &Result{
		Subject:    tok.Subject,
		Generation: tok.Generation,
		Context:    job.Verdict.Context,
	}

	// Checkpoint: the previous generation must have stopped.
	if err := tok.Wait(ctx); err != nil {
		res.Outcome, res.Cause = Cancelled, err
		d.finish(job, res, false)
		return
	}
	// Checkpoint: superseded between Ready and start.
	if ctx.Err() != nil {
		res.Outcome, res.Cause = Cancelled, ctx.Err()
		d.finish(job, res, false)
		return
	}
	if !d.deps.Coordinator.IsCurrent(tok) {
		res.Outcome, res.Cause = Cancelled, fmt.Errorf("%s no longer holds its slot", tok)
		d.finish(job, res, false)
		return
	}

	d.setStatus(job, taskstore.StatusRunning, "info", "Started")
	began := d.begin(ctx, job)

	d.run(ctx, job, res)
	res.Duration = time.Since(start)
	d.finish(job, res, began)
}

// run executes attempts until success, a permanent failure, exhausted
// attempts or cancellation. The token is held throughout.
func (d *Dispatcher) run(ctx context.Context, job *Job, res *Result) {
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if runs := d.deps.Runs; runs != nil {
			runs.SetAttempts(job.Token.ID, attempt)
		}

		out, err := d.attempt(ctx, job, attempt)
		if err == nil {
			res.Outcome, res.Report = Succeeded, out.Report
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			res.Outcome, res.Cause = Cancelled, err
			return
		}

		log.Printf("[Dispatcher] %s attempt %d failed: %v", job.Token, attempt, err)
		d.addLog(job, "error", fmt.Sprintf("Attempt %d failed: %v", attempt, err))

		if !executor.IsTransient(err) {
			log.Printf("[Dispatcher] %s attempt %d marked non-retryable; no further attempts", job.Token, attempt)
			res.Outcome, res.Cause = Failed, err
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			log.Printf("[Dispatcher] %s exceeded max attempts (%d): %v", job.Token, d.cfg.MaxAttempts, err)
			res.Outcome, res.Cause = Failed, err
			return
		}

		delay := d.backoffDuration(attempt + 1)
		log.Printf("[Dispatcher] Scheduling retry %d for %s in %s", attempt+1, job.Token, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Outcome, res.Cause = Cancelled, ctx.Err()
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, job *Job, attempt int) (*executor.Output, error) {
	cr := job.Change
	req := &executor.Request{
		Subject:    job.Token.Subject,
		Generation: job.Token.Generation,
		Attempt:    attempt,
		Repo:       cr.Repo,
		Number:     cr.Number,
		BaseSHA:    cr.BaseSHA,
		HeadSHA:    cr.HeadSHA,
		HeadRef:    cr.HeadRef,
		Context:    job.Verdict.Context,
	}

	// Sandboxed executions never see a credential.
	if job.Verdict.Context == policy.Trusted {
		if d.deps.Credentials == nil {
			return nil, executor.NonRetryable("trusted execution for %s but no credential source is configured", job.Token)
		}
		cred, err := d.deps.Credentials(ctx, cr.Repo)
		if err != nil {
			return nil, fmt.Errorf("issue credential for %s: %w", cr.Repo, err)
		}
		req.Credential = cred
	}

	out, err := d.deps.Runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &executor.Output{}
	}
	return out, nil
}

func (d *Dispatcher) begin(ctx context.Context, job *Job) bool {
	if d.deps.Reporter == nil {
		return false
	}
	if err := d.deps.Reporter.Begin(ctx, job); err != nil {
		log.Printf("[Dispatcher] %s: failed to publish placeholder: %v", job.Token, err)
		return false
	}
	return true
}

// finish completes the token and reports the result if it is still the
// newest generation. Placeholders of cancelled or stale runs are withdrawn.
func (d *Dispatcher) finish(job *Job, res *Result, began bool) {
	reportable, err := d.deps.Coordinator.Complete(job.Token)
	if err != nil {
		if errors.Is(err, concurrency.ErrInvariantViolation) {
			d.deps.Coordinator.ForceIdle(job.Token.Subject)
			log.Printf("[Dispatcher] FATAL %s: %v; slot forced idle", job.Token, err)
		} else {
			log.Printf("[Dispatcher] %s: complete failed: %v", job.Token, err)
		}
		reportable = false
	}
	publish := reportable && res.Outcome != Cancelled

	d.setStatus(job, res.Outcome.runStatus(), outcomeLevel(res.Outcome), res.Summary())
	log.Printf("[Dispatcher] %s finished: %s (reportable=%v)", job.Token, res.Summary(), publish)

	if d.deps.Reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ReportTimeout)
		defer cancel()
		switch {
		case publish:
			if err := d.deps.Reporter.Finish(ctx, job, res); err != nil {
				log.Printf("[Dispatcher] %s: failed to publish report: %v", job.Token, err)
			} else if runs := d.deps.Runs; runs != nil {
				runs.MarkReported(job.Token.ID)
			}
		case began:
			if err := d.deps.Reporter.Withdraw(ctx, job); err != nil {
				log.Printf("[Dispatcher] %s: failed to withdraw placeholder: %v", job.Token, err)
			}
		}
	}

	if d.onResult != nil {
		d.onResult(res, publish)
	}
}

func (d *Dispatcher) setStatus(job *Job, status taskstore.RunStatus, level, msg string) {
	if runs := d.deps.Runs; runs != nil {
		runs.UpdateStatus(job.Token.ID, status)
		runs.AddLog(job.Token.ID, level, msg)
	}
}

func (d *Dispatcher) addLog(job *Job, level, msg string) {
	if runs := d.deps.Runs; runs != nil {
		runs.AddLog(job.Token.ID, level, msg)
	}
}

func (d *Dispatcher) backoffDuration(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff)
	for i := 2; i < attempt; i++ {
		backoff *= d.cfg.BackoffMultiplier
		if backoff >= float64(d.cfg.MaxBackoff) {
			return d.cfg.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Shutdown stops accepting jobs, cancels running ones and waits for the
// workers to exit or ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		d.submitMu.Lock()
		d.closed = true
		d.submitMu.Unlock()
		d.stop()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return
	case <-done:
		return
	}
}
