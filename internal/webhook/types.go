package webhook

import (
	"fmt"
	"strings"

	gh "github.com/google/go-github/v66/github"

	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/github/validation"
)

// trigger is what a delivery contributes before the pull request is fetched.
type trigger struct {
	kind   change.EventKind
	origin change.Origin
	repo   string
	number int
	// headSHA is the revision the event refers to; empty for comments.
	headSHA   string
	author    string
	sender    string
	commentID int64
}

// dedupeKey identifies repeats of the same trigger. Manual dispatches are
// keyed by comment so asking again re-runs; everything else by the
// change's fingerprint.
func (t *trigger) dedupeKey(cr *change.ChangeRequest) string {
	if t.kind == change.KindManualDispatch && t.commentID != 0 {
		return fmt.Sprintf("comment:%s:%d", cr.Subject, t.commentID)
	}
	return "change:" + cr.Fingerprint()
}

// parseTrigger decodes a delivery. A nil trigger with a reason means the
// event is not one the gate acts on.
func (h *Handler) parseTrigger(eventType string, payload []byte) (*trigger, string, error) {
	event, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s payload: %w", eventType, err)
	}

	switch ev := event.(type) {
	case *gh.PullRequestEvent:
		return h.pullRequestTrigger(ev)
	case *gh.PullRequestReviewEvent:
		return h.reviewTrigger(ev)
	case *gh.IssueCommentEvent:
		return h.commentTrigger(ev)
	}
	return nil, fmt.Sprintf("event %s ignored", eventType), nil
}

func (h *Handler) pullRequestTrigger(ev *gh.PullRequestEvent) (*trigger, string, error) {
	var kind change.EventKind
	switch ev.GetAction() {
	case "opened", "reopened":
		kind = change.KindFirstOpen
	case "synchronize", "ready_for_review":
		kind = change.KindUpdate
	case "edited":
		// Only a retargeted base changes the change set.
		if ev.GetChanges().GetBase() == nil {
			return nil, "pull_request edit without base change ignored", nil
		}
		kind = change.KindUpdate
	default:
		return nil, fmt.Sprintf("pull_request action %q ignored", ev.GetAction()), nil
	}
	if validation.ShouldIgnoreActor(ev.GetSender(), h.botLogin) {
		return nil, fmt.Sprintf("actor %q ignored", ev.GetSender().GetLogin()), nil
	}

	pr := ev.GetPullRequest()
	return &trigger{
		kind:    kind,
		origin:  change.OriginDirect,
		repo:    ev.GetRepo().GetFullName(),
		number:  pr.GetNumber(),
		headSHA: pr.GetHead().GetSHA(),
		author:  pr.GetUser().GetLogin(),
		sender:  ev.GetSender().GetLogin(),
	}, "", nil
}

// reviewTrigger turns an approval by an allowlisted maintainer into an
// approved-origin update for the exact revision that was reviewed.
func (h *Handler) reviewTrigger(ev *gh.PullRequestReviewEvent) (*trigger, string, error) {
	if ev.GetAction() != "submitted" {
		return nil, fmt.Sprintf("pull_request_review action %q ignored", ev.GetAction()), nil
	}
	review := ev.GetReview()
	if !strings.EqualFold(review.GetState(), "approved") {
		return nil, fmt.Sprintf("review state %q ignored", review.GetState()), nil
	}
	reviewer := review.GetUser()
	if validation.ShouldIgnoreActor(reviewer, h.botLogin) {
		return nil, fmt.Sprintf("reviewer %q ignored", reviewer.GetLogin()), nil
	}
	if !h.pipeline.Classifier().Allowlist().IsMaintainer(reviewer.GetLogin()) {
		return nil, fmt.Sprintf("approval by non-maintainer %q ignored", reviewer.GetLogin()), nil
	}

	pr := ev.GetPullRequest()
	reviewed := review.GetCommitID()
	if reviewed == "" {
		return nil, "approval without a commit ignored", nil
	}
	if head := pr.GetHead().GetSHA(); head != "" && head != reviewed {
		return nil, fmt.Sprintf("approval of %s is outdated, head is %s", shortSHA(reviewed), shortSHA(head)), nil
	}

	return &trigger{
		kind:    change.KindUpdate,
		origin:  change.OriginApproved,
		repo:    ev.GetRepo().GetFullName(),
		number:  pr.GetNumber(),
		headSHA: reviewed,
		author:  pr.GetUser().GetLogin(),
		sender:  reviewer.GetLogin(),
	}, "", nil
}

func (h *Handler) commentTrigger(ev *gh.IssueCommentEvent) (*trigger, string, error) {
	if ev.GetAction() != "created" {
		return nil, fmt.Sprintf("issue_comment action %q ignored", ev.GetAction()), nil
	}
	issue := ev.GetIssue()
	if !issue.IsPullRequest() {
		return nil, "comment is not on a pull request", nil
	}
	comment := ev.GetComment()
	if validation.ShouldIgnoreActor(comment.GetUser(), h.botLogin) {
		return nil, fmt.Sprintf("commenter %q ignored", comment.GetUser().GetLogin()), nil
	}
	if !strings.Contains(comment.GetBody(), h.triggerKeyword) {
		return nil, "no trigger keyword found", nil
	}

	return &trigger{
		kind:      change.KindManualDispatch,
		origin:    change.OriginDirect,
		repo:      ev.GetRepo().GetFullName(),
		number:    issue.GetNumber(),
		author:    issue.GetUser().GetLogin(),
		sender:    comment.GetUser().GetLogin(),
		commentID: comment.GetID(),
	}, "", nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
