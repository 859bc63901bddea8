package github

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const markerPrefix = "<!-- flashgate:"

var markerPattern = regexp.MustCompile(`<!-- flashgate:subject=([^;\s]+);generation=(\d+)(?:;revision=([0-9a-fA-F]+))? -->`)

// ReportKey identifies one report comment: a subject and the generation it
// belongs to. Rejections carry generation 0 and the head revision instead.
type ReportKey struct {
	Repo       string
	Number     int
	Subject    string
	Generation uint64
	Revision   string
}

// Marker is the hidden tag embedded in the comment body.
func (k ReportKey) Marker() string {
	if k.Revision != "" {
		return fmt.Sprintf("%ssubject=%s;generation=%d;revision=%s -->", markerPrefix, k.Subject, k.Generation, k.Revision)
	}
	return fmt.Sprintf("%ssubject=%s;generation=%d -->", markerPrefix, k.Subject, k.Generation)
}

func (k ReportKey) String() string {
	if k.Revision != "" {
		return fmt.Sprintf("%s@%s", k.Subject, k.Revision)
	}
	return fmt.Sprintf("%s gen=%d", k.Subject, k.Generation)
}

// parseMarker extracts the report key fields from a comment body.
func parseMarker(body string) (subject string, generation uint64, revision string, ok bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return "", 0, "", false
	}
	gen, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return m[1], gen, m[3], true
}

// matches reports whether body carries k's marker.
func (k ReportKey) matches(body string) bool {
	subject, generation, revision, ok := parseMarker(body)
	return ok && subject == k.Subject && generation == k.Generation && revision == k.Revision
}

// ReportStatus is the lifecycle state shown in a report.
type ReportStatus string

const (
	ReportRunning   ReportStatus = "running"
	ReportSucceeded ReportStatus = "succeeded"
	ReportFailed    ReportStatus = "failed"
	ReportRejected  ReportStatus = "rejected"
)

// Report is the content of one report comment.
type Report struct {
	Status     ReportStatus
	Author     string
	HeadSHA    string
	Generation uint64
	Context    string
	Attempts   int
	Duration   time.Duration
	// Details is the optimizer output, the failure cause or the rejection reason.
	Details string
}

// Render renders the comment body without the marker.
func (r *Report) Render() string {
	author := r.Author
	if author == "" {
		author = "user"
	}
	rev := r.HeadSHA
	if len(rev) > 7 {
		rev = rev[:7]
	}

	var sections []string
	switch r.Status {
	case ReportRunning:
		return fmt.Sprintf("Flashgate is optimizing @%s's changes at `%s` (%s) <img src=\"https://github.githubassets.com/images/spinners/octocat-spinner-32.gif\" width=\"20\" height=\"20\" alt=\"running\" />", author, rev, r.Context)
	case ReportSucceeded:
		header := fmt.Sprintf("**Flashgate finished @%s's changes at `%s`**", author, rev)
		if r.Duration > 0 {
			header = fmt.Sprintf("**Flashgate finished @%s's changes at `%s` in %s**", author, rev, formatDuration(r.Duration))
		}
		sections = append(sections, header)
		if r.Details != "" {
			sections = append(sections, "", r.Details)
		}
	case ReportFailed:
		sections = append(sections, fmt.Sprintf("**Flashgate failed on `%s` after %d attempt(s)**", rev, r.Attempts))
		if r.Details != "" {
			sections = append(sections, "", "```", r.Details, "```")
		}
	case ReportRejected:
		sections = append(sections,
			fmt.Sprintf("**Flashgate will not run on `%s`**", rev),
			"",
			fmt.Sprintf("Reason: `%s`", r.Details),
			"",
			"Changes to the automation's own configuration need a maintainer's approval of this exact revision.")
	default:
		sections = append(sections, "**Flashgate status**")
	}

	sections = append(sections, "", footer(r))
	return strings.Join(sections, "\n")
}

func footer(r *Report) string {
	if r.Generation > 0 {
		return fmt.Sprintf("*Run %d • %s context*", r.Generation, r.Context)
	}
	return "*Flashgate admission check*"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
