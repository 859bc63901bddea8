package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Kayzwer/codeflash/internal/policy"
)

// ExitTempFail is the sysexits code a runner uses to ask for a retry.
const ExitTempFail = 75

const maxReportBytes = 64 * 1024

// Credential is a short-lived credential handed to trusted executions only.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Request describes one privileged execution.
type Request struct {
	Subject    string
	Generation uint64
	Attempt    int
	Repo       string
	Number     int
	BaseSHA    string
	HeadSHA    string
	HeadRef    string
	Context    policy.ExecContext
	Credential *Credential
}

// Output is what a finished execution hands back for reporting.
type Output struct {
	Report string
}

// Runner executes the privileged action. Implementations must return
// promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Output, error)
}

// CommandRunner runs an external command, typically the optimizer CLI.
type CommandRunner struct {
	// Command is argv; Command[0] is resolved through PATH.
	Command []string
	// Dir is the working directory (empty means current).
	Dir string
	// TrustedEnv names process environment variables forwarded to trusted
	// executions only, e.g. API keys.
	TrustedEnv []string
	// Timeout caps a single attempt (0 means no cap).
	Timeout time.Duration
}

// baseEnv is forwarded to every execution.
var baseEnv = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// Run executes the command for req.
func (r *CommandRunner) Run(ctx context.Context, req *Request) (*Output, error) {
	if len(r.Command) == 0 {
		return nil, NonRetryable("runner command is not configured")
	}
	if req.Context == policy.Trusted && req.Credential == nil {
		return nil, NonRetryable("trusted execution for %s requires a credential", req.Subject)
	}
	if req.Context == policy.Sandboxed && req.Credential != nil {
		return nil, NonRetryable("sandboxed execution for %s must not carry a credential", req.Subject)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = r.buildEnv(req)
	// Children that inherit stdout must not hold Wait open after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: maxReportBytes}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxReportBytes}

	log.Printf("[Runner] %s gen=%d attempt=%d: running %s (%s)", req.Subject, req.Generation, req.Attempt, r.Command[0], req.Context)
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, classifyExit(err, stderr.String())
	}
	return &Output{Report: strings.TrimSpace(stdout.String())}, nil
}

func (r *CommandRunner) buildEnv(req *Request) []string {
	env := make([]string, 0, len(baseEnv)+len(r.TrustedEnv)+8)
	for _, key := range baseEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if req.Context == policy.Trusted {
		for _, key := range r.TrustedEnv {
			if v, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+v)
			}
		}
		env = append(env, "GITHUB_TOKEN="+req.Credential.Token)
	}
	env = append(env,
		"FLASHGATE_REPO="+req.Repo,
		"FLASHGATE_PR="+strconv.Itoa(req.Number),
		"FLASHGATE_BASE_SHA="+req.BaseSHA,
		"FLASHGATE_HEAD_SHA="+req.HeadSHA,
		"FLASHGATE_HEAD_REF="+req.HeadRef,
		"FLASHGATE_GENERATION="+strconv.FormatUint(req.Generation, 10),
		"FLASHGATE_CONTEXT="+string(req.Context),
	)
	return env
}

func classifyExit(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	if len(detail) > 500 {
		detail = detail[len(detail)-500:]
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == ExitTempFail {
			return Transient(fmt.Errorf("runner asked for retry: %s", detail))
		}
		return NonRetryable("runner exited with code %d: %s", exitErr.ExitCode(), detail)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return NonRetryable("runner command not found: %v", err)
	}
	return Transient(fmt.Errorf("runner failed to start: %w", err))
}

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
