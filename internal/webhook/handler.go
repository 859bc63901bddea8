package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Kayzwer/codeflash/internal/admission"
	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/concurrency"
	"github.com/Kayzwer/codeflash/internal/dispatcher"
	"github.com/Kayzwer/codeflash/internal/github"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/taskstore"
	"github.com/Kayzwer/codeflash/internal/trust"
)

// maxPayloadBytes matches the host's webhook payload cap.
const maxPayloadBytes = 25 << 20

// Submitter hands admitted changes to the dispatcher.
type Submitter interface {
	Submit(cr *change.ChangeRequest, verdict policy.Verdict) (*concurrency.Token, error)
}

// SnapshotFetcher reads the current state of a pull request.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, repo string, number int) (*github.PullSnapshot, error)
}

// ReportPublisher posts rejection reports.
type ReportPublisher interface {
	Publish(ctx context.Context, key github.ReportKey, body string) error
}

// Deps are the handler's collaborators. Pipeline, Fetcher and Dispatcher
// are required.
type Deps struct {
	Pipeline   *admission.Pipeline
	Fetcher    SnapshotFetcher
	Dispatcher Submitter
	Publisher  ReportPublisher
	Runs       *taskstore.Store
}

// Handler handles GitHub webhook events
type Handler struct {
	webhookSecret  string
	triggerKeyword string
	botLogin       string

	pipeline   *admission.Pipeline
	fetcher    SnapshotFetcher
	dispatcher Submitter
	publisher  ReportPublisher
	runs       *taskstore.Store

	deduper       *deduper
	reportTimeout time.Duration
}

// NewHandler creates a new webhook handler
func NewHandler(webhookSecret, triggerKeyword, botLogin string, deps Deps) *Handler {
	return &Handler{
		webhookSecret:  webhookSecret,
		triggerKeyword: triggerKeyword,
		botLogin:       botLogin,
		pipeline:       deps.Pipeline,
		fetcher:        deps.Fetcher,
		dispatcher:     deps.Dispatcher,
		publisher:      deps.Publisher,
		runs:           deps.Runs,
		deduper:        newDeduper(12 * time.Hour),
		reportTimeout:  30 * time.Second,
	}
}

// Handle handles pull_request, pull_request_review and issue_comment events.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	// 1. Read payload
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		log.Printf("Error reading payload: %v", err)
		http.Error(w, "Error reading payload", http.StatusBadRequest)
		return
	}

	// 2. Verify signature
	signature := r.Header.Get(signatureHeader)
	if err := ValidateSignatureHeader(signature); err != nil {
		log.Printf("Invalid signature header: %v", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	if !VerifySignature(payload, signature, h.webhookSecret) {
		log.Printf("Signature verification failed")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	// 3. Decode the trigger
	eventType := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	switch eventType {
	case "pull_request", "pull_request_review", "issue_comment":
	default:
		log.Printf("Ignoring unsupported event type: %s", eventType)
		respond(w, http.StatusOK, "Event ignored")
		return
	}

	trig, reason, err := h.parseTrigger(eventType, payload)
	if err != nil {
		log.Printf("Error parsing event: %v", err)
		http.Error(w, "Error parsing event", http.StatusBadRequest)
		return
	}
	if trig == nil {
		log.Printf("Ignoring %s delivery %s: %s", eventType, delivery, reason)
		respond(w, http.StatusOK, "Event ignored")
		return
	}

	// 4. Attach the pull request's current state
	snap, err := h.fetcher.Snapshot(r.Context(), trig.repo, trig.number)
	if err != nil {
		log.Printf("Failed to fetch %s#%d: %v", trig.repo, trig.number, err)
		http.Error(w, "Failed to fetch pull request", http.StatusBadGateway)
		return
	}

	// 5. Admission
	res, err := h.pipeline.Evaluate(rawEvent(trig, snap, delivery))
	if err != nil {
		if errors.Is(err, change.ErrMalformedEvent) {
			log.Printf("Dropping %s delivery %s: %v", eventType, delivery, err)
			respond(w, http.StatusOK, "Event dropped")
			return
		}
		log.Printf("Admission failed for delivery %s: %v", delivery, err)
		http.Error(w, "Admission failed", http.StatusInternalServerError)
		return
	}
	if snap.Truncated && res.Tier == trust.Untrusted && res.Verdict().Admitted {
		res.Decision.Verdict = policy.Reject(policy.ReasonUnverifiableChangeSet)
	}
	log.Printf("Admission: %s (delivery %s, sender %s)", res.Summary(), delivery, trig.sender)

	// 6. Drop repeats
	key := trig.dedupeKey(res.Change)
	if !h.deduper.markIfNew(key) {
		log.Printf("Ignoring duplicate event for %s", res.Change)
		respond(w, http.StatusOK, "Duplicate event ignored")
		return
	}

	if !res.Verdict().Admitted {
		h.reject(r.Context(), res)
		respond(w, http.StatusOK, "Change rejected")
		return
	}

	tok, err := h.dispatcher.Submit(res.Change, res.Verdict())
	if err != nil {
		h.deduper.forget(key)
		log.Printf("Failed to queue %s: %v", res.Change, err)
		switch {
		case errors.Is(err, dispatcher.ErrQueueFull):
			http.Error(w, "Run queue is busy, try again later", http.StatusServiceUnavailable)
		case errors.Is(err, dispatcher.ErrQueueClosed):
			http.Error(w, "Run queue unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Failed to queue run", http.StatusInternalServerError)
		}
		return
	}

	respond(w, http.StatusAccepted, fmt.Sprintf("Run queued: %s generation %d", tok.Subject, tok.Generation))
}

func rawEvent(t *trigger, snap *github.PullSnapshot, delivery string) change.RawEvent {
	head := t.headSHA
	if head == "" {
		head = snap.HeadSHA
	}
	author := snap.Author
	if author == "" {
		author = t.author
	}
	return change.RawEvent{
		Kind:          t.kind,
		Actor:         author,
		Repo:          t.repo,
		Number:        t.number,
		BaseSHA:       snap.BaseSHA,
		HeadSHA:       head,
		BaseRef:       snap.BaseRef,
		HeadRef:       snap.HeadRef,
		Paths:         snap.Paths,
		Open:          snap.Open,
		Origin:        t.origin,
		Delivery:      delivery,
		LatestHeadSHA: snap.HeadSHA,
		Ancestry:      snap.Ancestry,
	}
}

// reject records and reports a change the gate refused. Rejections hold no
// slot, so the report is keyed by the rejected revision.
func (h *Handler) reject(ctx context.Context, res *admission.Result) {
	cr := res.Change
	result := dispatcher.RejectionResult(cr, res.Verdict())

	runID := uuid.NewString()
	if h.runs != nil {
		h.runs.Create(&taskstore.Run{
			ID:      runID,
			Subject: string(cr.Subject),
			Repo:    cr.Repo,
			Number:  cr.Number,
			HeadSHA: cr.HeadSHA,
			Author:  cr.Author,
			Status:  taskstore.StatusFailed,
		})
		h.runs.AddLog(runID, "error", result.Summary())
	}

	if h.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.reportTimeout)
	defer cancel()

	body := (&github.Report{
		Status:  github.ReportRejected,
		Author:  cr.Author,
		HeadSHA: cr.HeadSHA,
		Details: res.Verdict().Reason,
	}).Render()
	key := github.ReportKey{
		Repo:     cr.Repo,
		Number:   cr.Number,
		Subject:  string(cr.Subject),
		Revision: cr.HeadSHA,
	}
	if err := h.publisher.Publish(ctx, key, body); err != nil {
		log.Printf("Failed to report rejection of %s: %v", cr, err)
		return
	}
	if h.runs != nil {
		h.runs.MarkReported(runID)
	}
}

func respond(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
