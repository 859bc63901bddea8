package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

// ClientSource hands out a REST client authorised for one repository.
// *AppAuth implements it with installation tokens.
type ClientSource interface {
	Client(ctx context.Context, repo string) (*gh.Client, error)
}

// StaticClient serves the same client for every repository.
type StaticClient struct {
	C *gh.Client
}

// Client implements ClientSource.
func (s StaticClient) Client(context.Context, string) (*gh.Client, error) {
	if s.C == nil {
		return nil, fmt.Errorf("github client is not configured")
	}
	return s.C, nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", repo)
	}
	return parts[0], parts[1], nil
}
