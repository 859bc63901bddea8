// Package testing provides an in-memory GitHub REST fake for tests.
package testing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v66/github"
)

// PullRequest is the fake's view of one pull request.
type PullRequest struct {
	Number  int
	State   string // "open" or "closed"
	Author  string
	BaseRef string
	BaseSHA string
	HeadRef string
	HeadSHA string
	Files   []File
}

// File is one entry of a pull request's changed file list.
type File struct {
	Filename         string
	PreviousFilename string
	Status           string
}

// Comment is an issue comment held by the fake.
type Comment struct {
	ID     int64
	Number int
	Body   string
	User   string
}

// Collaborator is a repository collaborator and its role.
type Collaborator struct {
	Login      string
	Permission string // admin, maintain, push, triage, pull
}

// Server is a go-github client backed by a local httptest server that
// serves the endpoints the gate uses:
//
//   - GET    /repos/{owner}/{repo}/pulls/{number}
//   - GET    /repos/{owner}/{repo}/pulls/{number}/files
//   - GET    /repos/{owner}/{repo}/compare/{base}...{head}
//   - GET    /repos/{owner}/{repo}/issues/{number}/comments
//   - POST   /repos/{owner}/{repo}/issues/{number}/comments
//   - PATCH  /repos/{owner}/{repo}/issues/comments/{id}
//   - DELETE /repos/{owner}/{repo}/issues/comments/{id}
//   - GET    /repos/{owner}/{repo}/collaborators
//
// Any owner/repo is accepted; state is keyed by pull request number only.
type Server struct {
	Client *gh.Client
	// BotLogin is the author recorded on comments the client creates.
	BotLogin string

	srv *httptest.Server

	mu            sync.Mutex
	pulls         map[int]*PullRequest
	compare       map[string]string
	compareFiles  map[string][]File
	onFilesListed func(number int)
	comments      map[int64]*Comment
	nextID        int64
	collaborators []Collaborator
	failures      map[string]int
	calls         map[string]int
}

// NewServer starts a fake. Call Close when done.
func NewServer() *Server {
	s := &Server{
		BotLogin:     "flashgate[bot]",
		pulls:        make(map[int]*PullRequest),
		compare:      make(map[string]string),
		compareFiles: make(map[string][]File),
		comments:     make(map[int64]*Comment),
		nextID:       1000,
		failures:     make(map[string]int),
		calls:        make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls/{number}", s.getPull)
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls/{number}/files", s.listFiles)
	mux.HandleFunc("GET /repos/{owner}/{repo}/compare/{basehead}", s.compareCommits)
	mux.HandleFunc("GET /repos/{owner}/{repo}/issues/{number}/comments", s.listComments)
	mux.HandleFunc("POST /repos/{owner}/{repo}/issues/{number}/comments", s.createComment)
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/issues/comments/{id}", s.editComment)
	mux.HandleFunc("DELETE /repos/{owner}/{repo}/issues/comments/{id}", s.deleteComment)
	mux.HandleFunc("GET /repos/{owner}/{repo}/collaborators", s.listCollaborators)

	s.srv = httptest.NewServer(s.intercept(mux))

	client := gh.NewClient(s.srv.Client())
	base, _ := url.Parse(s.srv.URL + "/")
	client.BaseURL = base
	client.UploadURL = base
	s.Client = client
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// URL is the server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// AddPull registers or replaces a pull request.
func (s *Server) AddPull(pr PullRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr.State == "" {
		pr.State = "open"
	}
	cp := pr
	cp.Files = append([]File(nil), pr.Files...)
	s.pulls[pr.Number] = &cp
}

// SetCompare sets the compare status ("ahead", "behind", ...) for base...head.
// Unset pairs answer 404.
func (s *Server) SetCompare(base, head, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compare[base+"..."+head] = status
}

// SetCompareFiles pins the files the comparison of base...head reports.
// Without it the comparison reports the files of the pull request whose
// head is head.
func (s *Server) SetCompareFiles(base, head string, files ...File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compareFiles[base+"..."+head] = append([]File(nil), files...)
}

// MoveHead points a pull request at a new head revision, as a push would.
func (s *Server) MoveHead(number int, sha string, files ...File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.pulls[number]; ok {
		pr.HeadSHA = sha
		pr.Files = append([]File(nil), files...)
	}
}

// OnFilesListed registers fn to run each time a page of a pull request's
// file listing has been read, before the page is returned.
func (s *Server) OnFilesListed(fn func(number int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFilesListed = fn
}

// SetCollaborators replaces the collaborator list.
func (s *Server) SetCollaborators(c ...Collaborator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collaborators = append([]Collaborator(nil), c...)
}

// FailNext makes the next n requests with the given method answer 502.
func (s *Server) FailNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] += n
}

// Calls returns how many requests with method reached the server.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// SeedComment stores a comment as if someone else had posted it.
func (s *Server) SeedComment(number int, user, body string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.comments[s.nextID] = &Comment{ID: s.nextID, Number: number, Body: body, User: user}
	return s.nextID
}

// Comments returns the comments on a pull request ordered by ID.
func (s *Server) Comments(number int) []Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commentsLocked(number)
}

func (s *Server) commentsLocked(number int) []Comment {
	var out []Comment
	for _, c := range s.comments {
		if c.Number == number {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method]++
		fail := s.failures[r.Method] > 0
		if fail {
			s.failures[r.Method]--
		}
		s.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Bad Gateway"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) (*PullRequest, bool) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		http.NotFound(w, r)
		return nil, false
	}
	s.mu.Lock()
	pr, ok := s.pulls[n]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return nil, false
	}
	return pr, true
}

func (s *Server) getPull(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.pull(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"number": pr.Number,
		"state":  pr.State,
		"user":   map[string]any{"login": pr.Author, "type": "User"},
		"base":   map[string]any{"ref": pr.BaseRef, "sha": pr.BaseSHA},
		"head":   map[string]any{"ref": pr.HeadRef, "sha": pr.HeadSHA},
	})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.pull(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	files := append([]File(nil), pr.Files...)
	s.mu.Unlock()

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 30
	}
	start := (page - 1) * perPage
	if start > len(files) {
		start = len(files)
	}
	end := start + perPage
	if end > len(files) {
		end = len(files)
	}
	if end < len(files) {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", `<`+s.srv.URL+next.RequestURI()+`>; rel="next"`)
	}

	listed := filesJSON(files[start:end])

	s.mu.Lock()
	hook := s.onFilesListed
	s.mu.Unlock()
	if hook != nil {
		hook(pr.Number)
	}
	writeJSON(w, http.StatusOK, listed)
}

// maxCompareFiles is the host's cap on files in a comparison.
const maxCompareFiles = 300

func (s *Server) compareCommits(w http.ResponseWriter, r *http.Request) {
	basehead := r.PathValue("basehead")
	s.mu.Lock()
	status, ok := s.compare[basehead]
	files, pinned := s.compareFiles[basehead]
	if ok && !pinned {
		_, head, _ := strings.Cut(basehead, "...")
		for _, pr := range s.pulls {
			if pr.HeadSHA == head {
				files = append([]File(nil), pr.Files...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No common ancestor"})
		return
	}
	if len(files) > maxCompareFiles {
		files = files[:maxCompareFiles]
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "files": filesJSON(files)})
}

func filesJSON(files []File) []map[string]any {
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		item := map[string]any{"filename": f.Filename, "status": f.Status}
		if f.PreviousFilename != "" {
			item["previous_filename"] = f.PreviousFilename
		}
		out = append(out, item)
	}
	return out
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.PathValue("number"))
	s.mu.Lock()
	comments := s.commentsLocked(n)
	s.mu.Unlock()
	out := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		out = append(out, commentJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.PathValue("number"))
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}
	s.mu.Lock()
	s.nextID++
	c := &Comment{ID: s.nextID, Number: n, Body: body.Body, User: s.BotLogin}
	s.comments[c.ID] = c
	out := commentJSON(*c)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) editComment(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	c.Body = body.Body
	writeJSON(w, http.StatusOK, commentJSON(*c))
}

func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	delete(s.comments, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCollaborators(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		out = append(out, map[string]any{
			"login":       c.Login,
			"type":        "User",
			"role_name":   c.Permission,
			"permissions": permissionsFor(c.Permission),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func permissionsFor(role string) map[string]bool {
	levels := []string{"pull", "triage", "push", "maintain", "admin"}
	perms := make(map[string]bool, len(levels))
	// Each role implies every level below it.
	reached := false
	for i := len(levels) - 1; i >= 0; i-- {
		if strings.EqualFold(levels[i], role) {
			reached = true
		}
		perms[levels[i]] = reached
	}
	return perms
}

func commentJSON(c Comment) map[string]any {
	now := time.Now().UTC().Format(time.RFC3339)
	return map[string]any{
		"id":         c.ID,
		"body":       c.Body,
		"user":       map[string]any{"login": c.User},
		"created_at": now,
		"updated_at": now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
