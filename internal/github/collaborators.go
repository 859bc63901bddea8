package github

import (
	"context"
	"fmt"
	"sort"

	gh "github.com/google/go-github/v66/github"
)

// MaintainerLogins lists collaborators of repo holding admin or maintain
// permission, sorted.
func MaintainerLogins(ctx context.Context, clients ClientSource, repo string) ([]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	client, err := clients.Client(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("github client for %s: %w", repo, err)
	}

	var logins []string
	opts := &gh.ListCollaboratorsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		var users []*gh.User
		var resp *gh.Response
		err := retryWithBackoff(ctx, func() error {
			var listErr error
			users, resp, listErr = client.Repositories.ListCollaborators(ctx, owner, name, opts)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("list collaborators %s: %w", repo, err)
		}
		for _, u := range users {
			perms := u.Permissions
			if perms["admin"] || perms["maintain"] {
				logins = append(logins, u.GetLogin())
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	sort.Strings(logins)
	return logins, nil
}
