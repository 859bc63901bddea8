package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/concurrency"
	"github.com/Kayzwer/codeflash/internal/executor"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/taskstore"
)

type runnerFunc func(ctx context.Context, req *executor.Request) (*executor.Output, error)

func (f runnerFunc) Run(ctx context.Context, req *executor.Request) (*executor.Output, error) {
	return f(ctx, req)
}

type recordingReporter struct {
	mu        sync.Mutex
	begins    []uint64
	finishes  []uint64
	withdraws []uint64
}

func (r *recordingReporter) Begin(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begins = append(r.begins, job.Token.Generation)
	return nil
}

func (r *recordingReporter) Finish(_ context.Context, job *Job, _ *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes = append(r.finishes, job.Token.Generation)
	return nil
}

func (r *recordingReporter) Withdraw(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdraws = append(r.withdraws, job.Token.Generation)
	return nil
}

func (r *recordingReporter) snapshot() (begins, finishes, withdraws []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.begins...), append([]uint64(nil), r.finishes...), append([]uint64(nil), r.withdraws...)
}

type outcome struct {
	res        *Result
	reportable bool
}

type harness struct {
	d        *Dispatcher
	coord    *concurrency.Manager
	reporter *recordingReporter
	runs     *taskstore.Store
	results  chan outcome
}

func newHarness(t *testing.T, runner executor.Runner, cfg Config, creds CredentialFunc) *harness {
	t.Helper()
	h := &harness{
		coord:    concurrency.NewManager(concurrency.Config{GracePeriod: 5 * time.Second}),
		reporter: &recordingReporter{},
		runs:     taskstore.NewStore(),
		results:  make(chan outcome, 32),
	}
	h.d = newObserved(Deps{
		Runner:      runner,
		Coordinator: h.coord,
		Credentials: creds,
		Reporter:    h.reporter,
		Runs:        h.runs,
	}, cfg, func(res *Result, reportable bool) {
		h.results <- outcome{res: res, reportable: reportable}
	})
	t.Cleanup(func() {
		h.d.Shutdown(context.Background())
		h.coord.Close()
	})
	return h
}

func (h *harness) next(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-h.results:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a result")
		return outcome{}
	}
}

func testChange(number int, head string) *change.ChangeRequest {
	return &change.ChangeRequest{
		Subject: change.NewSubjectKey("owner/repo", number),
		Repo:    "owner/repo",
		Number:  number,
		Author:  "external123",
		BaseSHA: "base",
		HeadSHA: head,
		Paths:   []string{"src/app.py"},
		Kind:    change.KindUpdate,
		Origin:  change.OriginDirect,
		Open:    true,
	}
}

func fastConfig() Config {
	return Config{
		Workers:           2,
		QueueSize:         8,
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        20 * time.Millisecond,
	}
}

func TestDispatcherSubmitRunsSandboxedJob(t *testing.T) {
	var credCalls int
	var gotReq *executor.Request
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		gotReq = req
		return &executor.Output{Report: "ok"}, nil
	})
	creds := func(ctx context.Context, repo string) (*executor.Credential, error) {
		credCalls++
		return &executor.Credential{Token: "secret"}, nil
	}
	h := newHarness(t, runner, fastConfig(), creds)

	tok, err := h.d.Submit(testChange(1, "h1"), policy.Admit(policy.Sandboxed))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	o := h.next(t)
	if o.res.Outcome != Succeeded || !o.reportable || o.res.Report != "ok" {
		t.Fatalf("result = %+v reportable=%v", o.res, o.reportable)
	}
	if gotReq.Credential != nil || credCalls != 0 {
		t.Fatal("sandboxed execution must not receive a credential")
	}
	if gotReq.HeadSHA != "h1" || gotReq.Generation != tok.Generation || gotReq.Context != policy.Sandboxed {
		t.Fatalf("unexpected request %+v", gotReq)
	}

	begins, finishes, withdraws := h.reporter.snapshot()
	if len(begins) != 1 || len(finishes) != 1 || len(withdraws) != 0 {
		t.Fatalf("reporter calls begins=%v finishes=%v withdraws=%v", begins, finishes, withdraws)
	}

	run, ok := h.runs.Get(tok.ID)
	if !ok || run.Status != taskstore.StatusSucceeded || !run.Reported || run.Attempts != 1 {
		t.Fatalf("run ledger = %+v", run)
	}
	if st, _ := h.coord.Status(tok.Subject); st.State != concurrency.Idle {
		t.Fatalf("slot state = %s, want idle", st.State)
	}
}

func TestDispatcherTrustedJobGetsCredential(t *testing.T) {
	got := make(chan *executor.Credential, 1)
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		got <- req.Credential
		return &executor.Output{}, nil
	})
	creds := func(ctx context.Context, repo string) (*executor.Credential, error) {
		return &executor.Credential{Token: "ghs_" + repo}, nil
	}
	h := newHarness(t, runner, fastConfig(), creds)

	if _, err := h.d.Submit(testChange(2, "h"), policy.Admit(policy.Trusted)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	h.next(t)
	if cred := <-got; cred == nil || cred.Token != "ghs_owner/repo" {
		t.Fatalf("credential = %+v", cred)
	}
}

func TestDispatcherTrustedWithoutCredentialSourceFails(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		t.Error("runner must not start without a credential")
		return nil, nil
	})
	h := newHarness(t, runner, fastConfig(), nil)

	if _, err := h.d.Submit(testChange(3, "h"), policy.Admit(policy.Trusted)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	o := h.next(t)
	if o.res.Outcome != Failed || o.res.Attempts != 1 || !executor.IsNonRetryable(o.res.Cause) {
		t.Fatalf("result = %+v", o.res)
	}
}

func TestDispatcherRefusesRejectedVerdict(t *testing.T) {
	h := newHarness(t, runnerFunc(func(context.Context, *executor.Request) (*executor.Output, error) {
		return nil, nil
	}), fastConfig(), nil)

	_, err := h.d.Submit(testChange(4, "h"), policy.Reject(policy.ReasonUnauthorizedSensitive))
	if !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("Expected ErrNotAdmitted, got %v", err)
	}
	if len(h.coord.Snapshot()) != 0 {
		t.Fatal("a rejected change must not acquire a slot")
	}
}

func TestDispatcherSupersedeCancelsAndSuppresses(t *testing.T) {
	started := make(chan uint64, 4)
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		started <- req.Generation
		if req.Generation == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &executor.Output{Report: fmt.Sprintf("gen %d", req.Generation)}, nil
	})
	h := newHarness(t, runner, fastConfig(), nil)

	if _, err := h.d.Submit(testChange(5, "old"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if gen := <-started; gen != 1 {
		t.Fatalf("first started generation = %d", gen)
	}
	if _, err := h.d.Submit(testChange(5, "new"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	byGen := map[uint64]outcome{}
	for i := 0; i < 2; i++ {
		o := h.next(t)
		byGen[o.res.Generation] = o
	}
	if o := byGen[1]; o.res.Outcome != Cancelled || o.reportable {
		t.Fatalf("generation 1 = %+v reportable=%v", o.res, o.reportable)
	}
	if o := byGen[2]; o.res.Outcome != Succeeded || !o.reportable || o.res.Report != "gen 2" {
		t.Fatalf("generation 2 = %+v reportable=%v", o.res, o.reportable)
	}

	_, finishes, withdraws := h.reporter.snapshot()
	if len(finishes) != 1 || finishes[0] != 2 {
		t.Fatalf("finishes = %v, want [2]", finishes)
	}
	if len(withdraws) != 1 || withdraws[0] != 1 {
		t.Fatalf("withdraws = %v, want [1]", withdraws)
	}
}

func TestDispatcherSerializesSameSubject(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		select {
		case <-ctx.Done():
		case <-time.After(20 * time.Millisecond):
		}

		mu.Lock()
		active--
		mu.Unlock()
		return &executor.Output{}, ctx.Err()
	})
	cfg := fastConfig()
	cfg.Workers = 3
	h := newHarness(t, runner, cfg, nil)

	const n = 3
	for i := 0; i < n; i++ {
		if _, err := h.d.Submit(testChange(6, fmt.Sprintf("h%d", i)), policy.Admit(policy.Sandboxed)); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}

	reportable := 0
	for i := 0; i < n; i++ {
		o := h.next(t)
		if o.reportable {
			reportable++
			if o.res.Generation != n {
				t.Fatalf("reported generation %d, want %d", o.res.Generation, n)
			}
		}
	}
	if reportable != 1 {
		t.Fatalf("reportable results = %d, want 1", reportable)
	}
	if maxActive != 1 {
		t.Fatalf("Expected max concurrent executions 1, got %d", maxActive)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		mu.Lock()
		attempts = append(attempts, req.Attempt)
		mu.Unlock()
		if req.Attempt < 3 {
			return nil, executor.Transient(errors.New("toolchain download timed out"))
		}
		return &executor.Output{Report: "done"}, nil
	})
	h := newHarness(t, runner, fastConfig(), nil)

	tok, err := h.d.Submit(testChange(7, "h"), policy.Admit(policy.Sandboxed))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	o := h.next(t)
	if o.res.Outcome != Succeeded || o.res.Attempts != 3 {
		t.Fatalf("result = %+v", o.res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("Unexpected attempt sequence: %v", attempts)
	}
	run, _ := h.runs.Get(tok.ID)
	if run.Attempts != 3 {
		t.Fatalf("ledger attempts = %d, want 3", run.Attempts)
	}
}

func TestDispatcherDoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"non-retryable", executor.NonRetryable("optimizer crashed")},
		{"unclassified", errors.New("bad input")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
				calls++
				return nil, tt.err
			})
			h := newHarness(t, runner, fastConfig(), nil)
			if _, err := h.d.Submit(testChange(8, "h"), policy.Admit(policy.Sandboxed)); err != nil {
				t.Fatalf("Submit returned error: %v", err)
			}
			o := h.next(t)
			if o.res.Outcome != Failed || !o.reportable || calls != 1 {
				t.Fatalf("result = %+v calls=%d", o.res, calls)
			}
		})
	}
}

func TestDispatcherExhaustsAttempts(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		return nil, executor.Transient(errors.New("flaky"))
	})
	h := newHarness(t, runner, fastConfig(), nil)

	if _, err := h.d.Submit(testChange(9, "h"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	o := h.next(t)
	if o.res.Outcome != Failed || o.res.Attempts != 3 || !executor.IsTransient(o.res.Cause) {
		t.Fatalf("result = %+v", o.res)
	}
}

func TestDispatcherCancelDuringBackoff(t *testing.T) {
	failed := make(chan struct{}, 1)
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		if req.Generation == 1 {
			failed <- struct{}{}
			return nil, executor.Transient(errors.New("retry later"))
		}
		return &executor.Output{}, nil
	})
	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	h := newHarness(t, runner, cfg, nil)

	if _, err := h.d.Submit(testChange(10, "a"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	<-failed
	if _, err := h.d.Submit(testChange(10, "b"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	byGen := map[uint64]outcome{}
	for i := 0; i < 2; i++ {
		o := h.next(t)
		byGen[o.res.Generation] = o
	}
	if o := byGen[1]; o.res.Outcome != Cancelled || o.res.Attempts != 1 || o.reportable {
		t.Fatalf("generation 1 = %+v", o.res)
	}
	if o := byGen[2]; o.res.Outcome != Succeeded || !o.reportable {
		t.Fatalf("generation 2 = %+v", o.res)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{}, 1)
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		running <- struct{}{}
		<-release
		return &executor.Output{}, nil
	})
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	h := newHarness(t, runner, cfg, nil)
	defer close(release)

	if _, err := h.d.Submit(testChange(11, "h"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	<-running
	if _, err := h.d.Submit(testChange(12, "h"), policy.Admit(policy.Sandboxed)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	_, err := h.d.Submit(testChange(13, "h"), policy.Admit(policy.Sandboxed))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	if _, ok := h.coord.Status(string(change.NewSubjectKey("owner/repo", 13))); ok {
		t.Fatal("a refused submission must not acquire a slot")
	}
}

func TestDispatcherSubmitAfterShutdown(t *testing.T) {
	h := newHarness(t, runnerFunc(func(context.Context, *executor.Request) (*executor.Output, error) {
		return nil, nil
	}), fastConfig(), nil)

	h.d.Shutdown(context.Background())

	_, err := h.d.Submit(testChange(14, "h"), policy.Admit(policy.Sandboxed))
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	d := &Dispatcher{cfg: normalizeConfig(Config{
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        35 * time.Millisecond,
	})}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{2, 10 * time.Millisecond},
		{3, 20 * time.Millisecond},
		{4, 35 * time.Millisecond},
		{10, 35 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := d.backoffDuration(tt.attempt); got != tt.want {
			t.Errorf("backoffDuration(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// brokenCoordinator reports every completion as an invariant violation.
type brokenCoordinator struct {
	*concurrency.Manager

	mu     sync.Mutex
	forced []string
}

func (c *brokenCoordinator) Complete(tok *concurrency.Token) (bool, error) {
	return false, fmt.Errorf("%w: %s lost", concurrency.ErrInvariantViolation, tok)
}

func (c *brokenCoordinator) ForceIdle(subject string) {
	c.mu.Lock()
	c.forced = append(c.forced, subject)
	c.mu.Unlock()
	c.Manager.ForceIdle(subject)
}

func TestDispatcherFatalCompletionForcesSlotIdle(t *testing.T) {
	coord := &brokenCoordinator{Manager: concurrency.NewManager(concurrency.Config{})}
	defer coord.Close()
	reporter := &recordingReporter{}
	results := make(chan outcome, 1)
	runner := runnerFunc(func(ctx context.Context, req *executor.Request) (*executor.Output, error) {
		return &executor.Output{Report: "ok"}, nil
	})

	d := newObserved(Deps{Runner: runner, Coordinator: coord, Reporter: reporter}, fastConfig(), func(res *Result, reportable bool) {
		results <- outcome{res: res, reportable: reportable}
	})
	defer d.Shutdown(context.Background())

	tok, err := d.Submit(testChange(7, "h7"), policy.Admit(policy.Sandboxed))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	var o outcome
	select {
	case o = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a result")
	}
	if o.reportable {
		t.Fatal("result of a fatal completion must not be reported")
	}

	coord.mu.Lock()
	forced := append([]string(nil), coord.forced...)
	coord.mu.Unlock()
	if len(forced) != 1 || forced[0] != tok.Subject {
		t.Fatalf("forced idle = %v, want [%s]", forced, tok.Subject)
	}
	if st, _ := coord.Status(tok.Subject); st.State != concurrency.Idle {
		t.Fatalf("slot state = %s, want idle", st.State)
	}
	if _, finishes, withdraws := reporter.snapshot(); len(finishes) != 0 || len(withdraws) != 1 {
		t.Fatalf("finishes=%v withdraws=%v, want the placeholder withdrawn", finishes, withdraws)
	}
}
