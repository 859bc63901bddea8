package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/taskstore"
)

// Outcome is the terminal state of a dispatched execution.
type Outcome string

const (
	Succeeded        Outcome = "succeeded"
	Failed           Outcome = "failed"
	Cancelled        Outcome = "cancelled"
	RejectedByPolicy Outcome = "rejected-by-policy"
)

func (o Outcome) runStatus() taskstore.RunStatus {
	switch o {
	case Succeeded:
		return taskstore.StatusSucceeded
	case Cancelled:
		return taskstore.StatusCancelled
	default:
		return taskstore.StatusFailed
	}
}

func outcomeLevel(o Outcome) string {
	switch o {
	case Succeeded:
		return "success"
	case Failed, RejectedByPolicy:
		return "error"
	default:
		return "info"
	}
}

// Result is the terminal record of one generation.
type Result struct {
	Subject    string
	Generation uint64
	Outcome    Outcome
	Cause      error
	Context    policy.ExecContext
	Report     string
	Attempts   int
	Duration   time.Duration
}

// Summary is a one-line description for logs and the run ledger.
func (r *Result) Summary() string {
	switch r.Outcome {
	case Succeeded:
		return fmt.Sprintf("succeeded after %d attempt(s)", r.Attempts)
	case Failed:
		return fmt.Sprintf("failed after %d attempt(s): %v", r.Attempts, r.Cause)
	case RejectedByPolicy:
		return fmt.Sprintf("rejected: %v", r.Cause)
	default:
		return string(r.Outcome)
	}
}

// RejectionResult describes a change the gate refused. Such results never
// hold a token and carry generation 0.
func RejectionResult(cr *change.ChangeRequest, verdict policy.Verdict) *Result {
	return &Result{
		Subject: string(cr.Subject),
		Outcome: RejectedByPolicy,
		Cause:   errors.New(verdict.Reason),
	}
}
