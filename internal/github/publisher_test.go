package github

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	ghtesting "github.com/Kayzwer/codeflash/internal/github/testing"
)

func reportKey(gen uint64) ReportKey {
	return ReportKey{Repo: "acme/widgets", Number: 42, Subject: "acme/widgets#42", Generation: gen}
}

func TestPublisher_PublishIsIdempotent(t *testing.T) {
	srv := ghtesting.NewServer()
	defer srv.Close()
	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	ctx := context.Background()

	if err := p.Publish(ctx, reportKey(1), "running"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Publish(ctx, reportKey(1), "done"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	comments := srv.Comments(42)
	if len(comments) != 1 {
		t.Fatalf("got %d comments, want 1", len(comments))
	}
	if !strings.HasPrefix(comments[0].Body, "done") || !strings.Contains(comments[0].Body, reportKey(1).Marker()) {
		t.Fatalf("unexpected body %q", comments[0].Body)
	}
}

func TestPublisher_FindsExistingMarkerAfterRestart(t *testing.T) {
	srv := ghtesting.NewServer()
	defer srv.Close()
	ctx := context.Background()

	srv.SeedComment(42, "someone", "quoting "+reportKey(2).Marker())
	id := srv.SeedComment(42, srv.BotLogin, "old\n\n"+reportKey(2).Marker())

	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	if err := p.Publish(ctx, reportKey(2), "new"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	comments := srv.Comments(42)
	if len(comments) != 2 {
		t.Fatalf("got %d comments, want 2", len(comments))
	}
	for _, c := range comments {
		if c.ID == id && !strings.HasPrefix(c.Body, "new") {
			t.Fatalf("bot comment not edited: %q", c.Body)
		}
		if c.User == "someone" && strings.HasPrefix(c.Body, "new") {
			t.Fatal("edited a comment the app does not own")
		}
	}
}

func TestPublisher_RefusesOlderGenerations(t *testing.T) {
	srv := ghtesting.NewServer()
	defer srv.Close()
	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	ctx := context.Background()

	if err := p.Publish(ctx, reportKey(4), "gen 4"); err != nil {
		t.Fatalf("Publish(4) error = %v", err)
	}
	err := p.Publish(ctx, reportKey(3), "zombie")
	if !errors.Is(err, ErrStaleReport) {
		t.Fatalf("Publish(3) error = %v, want ErrStaleReport", err)
	}
	if p.newestGeneration("acme/widgets#42") != 4 {
		t.Fatalf("newest generation = %d, want 4", p.newestGeneration("acme/widgets#42"))
	}
	if n := len(srv.Comments(42)); n != 1 {
		t.Fatalf("got %d comments, want 1", n)
	}

	rejection := ReportKey{Repo: "acme/widgets", Number: 42, Subject: "acme/widgets#42", Revision: "abc123"}
	if err := p.Publish(ctx, rejection, "rejected"); err != nil {
		t.Fatalf("rejection report error = %v", err)
	}
}

func TestPublisher_Withdraw(t *testing.T) {
	srv := ghtesting.NewServer()
	defer srv.Close()
	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	ctx := context.Background()

	if err := p.Publish(ctx, reportKey(1), "running"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Withdraw(ctx, reportKey(1)); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if n := len(srv.Comments(42)); n != 0 {
		t.Fatalf("got %d comments after withdraw, want 0", n)
	}
	if err := p.Withdraw(ctx, reportKey(1)); err != nil {
		t.Fatalf("second Withdraw() error = %v", err)
	}
}

func TestPublisher_RecreatesDeletedComment(t *testing.T) {
	srv := ghtesting.NewServer()
	defer srv.Close()
	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	ctx := context.Background()

	if err := p.Publish(ctx, reportKey(1), "running"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// Someone deletes the comment on the host; the cached ID is now stale.
	other := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	if err := other.Withdraw(ctx, reportKey(1)); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	if err := p.Publish(ctx, reportKey(1), "done"); err != nil {
		t.Fatalf("Publish() after delete error = %v", err)
	}
	comments := srv.Comments(42)
	if len(comments) != 1 || !strings.HasPrefix(comments[0].Body, "done") {
		t.Fatalf("comments = %+v", comments)
	}
}

func TestPublisher_RetriesTransientFailures(t *testing.T) {
	fastRetries(t)
	srv := ghtesting.NewServer()
	defer srv.Close()
	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)

	srv.FailNext("POST", 2)
	if err := p.Publish(context.Background(), reportKey(1), "running"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := srv.Calls("POST"); got != 3 {
		t.Fatalf("POST calls = %d, want 3", got)
	}
}

func TestPublisher_ConcurrentPublishesShareOneComment(t *testing.T) {
	srv := ghtesting.NewServer()
	defer srv.Close()
	p := NewPublisher(StaticClient{C: srv.Client}, srv.BotLogin)
	key := ReportKey{Repo: "acme/widgets", Number: 42, Subject: "acme/widgets#42", Revision: "abc123"}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Publish(context.Background(), key, "rejected")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if got := len(srv.Comments(42)); got != 1 {
		t.Fatalf("got %d comments, want 1", got)
	}
	if got := srv.Calls("POST"); got != 1 {
		t.Fatalf("POST calls = %d, want 1", got)
	}
	p.mu.Lock()
	held := len(p.locks)
	p.mu.Unlock()
	if held != 0 {
		t.Fatalf("%d marker locks left behind", held)
	}
}
