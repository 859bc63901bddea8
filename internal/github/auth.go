package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v66/github"
)

const defaultAPIBase = "https://api.github.com"

// tokenRefreshMargin renews cached tokens this long before they expire.
const tokenRefreshMargin = 5 * time.Minute

// AuthProvider defines the interface for GitHub authentication
type AuthProvider interface {
	GetInstallationToken(ctx context.Context, repo string) (*InstallationToken, error)
}

// AppAuth holds GitHub App authentication configuration
type AppAuth struct {
	AppID      string
	PrivateKey string

	// APIBase overrides https://api.github.com (tests, GHES).
	APIBase    string
	HTTPClient *http.Client

	mu    sync.Mutex
	cache map[string]*InstallationToken
}

// InstallationToken represents a GitHub App installation access token
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

func (t *InstallationToken) fresh(now time.Time) bool {
	return t != nil && t.Token != "" && now.Add(tokenRefreshMargin).Before(t.ExpiresAt)
}

// GenerateJWT creates a JWT token for GitHub App authentication
func (a *AppAuth) GenerateJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	appID, err := strconv.ParseInt(a.AppID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid app ID: %w", err)
	}

	// Backdate iat to tolerate clock drift between us and GitHub.
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(appID, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signedToken, nil
}

// GetInstallationToken returns an installation access token for a
// repository, reusing a cached one while it is fresh.
func (a *AppAuth) GetInstallationToken(ctx context.Context, repo string) (*InstallationToken, error) {
	a.mu.Lock()
	cached := a.cache[repo]
	a.mu.Unlock()
	if cached.fresh(time.Now()) {
		return cached, nil
	}

	jwtToken, err := a.GenerateJWT()
	if err != nil {
		return nil, err
	}

	installationID, err := a.getInstallationID(ctx, jwtToken, repo)
	if err != nil {
		return nil, err
	}

	token, err := a.getInstallationAccessToken(ctx, jwtToken, installationID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.cache == nil {
		a.cache = make(map[string]*InstallationToken)
	}
	a.cache[repo] = token
	a.mu.Unlock()
	return token, nil
}

// Client returns a REST client authenticated as the installation for repo.
func (a *AppAuth) Client(ctx context.Context, repo string) (*gh.Client, error) {
	token, err := a.GetInstallationToken(ctx, repo)
	if err != nil {
		return nil, err
	}
	client := gh.NewClient(a.httpClient()).WithAuthToken(token.Token)
	if a.APIBase != "" {
		client, err = client.WithEnterpriseURLs(a.APIBase, a.APIBase)
		if err != nil {
			return nil, fmt.Errorf("configure api base: %w", err)
		}
	}
	return client, nil
}

func (a *AppAuth) apiBase() string {
	if a.APIBase != "" {
		return strings.TrimSuffix(a.APIBase, "/")
	}
	return defaultAPIBase
}

func (a *AppAuth) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *AppAuth) newRequest(ctx context.Context, method, url, jwtToken string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return req, nil
}

// getInstallationID retrieves the installation ID for a repository
func (a *AppAuth) getInstallationID(ctx context.Context, jwtToken, repo string) (int64, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid repo format: %s (expected owner/repo)", repo)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/installation", a.apiBase(), parts[0], parts[1])
	req, err := a.newRequest(ctx, http.MethodGet, url, jwtToken)
	if err != nil {
		return 0, err
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get installation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("GitHub API error: %d - %s", resp.StatusCode, string(body))
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.ID, nil
}

// getInstallationAccessToken retrieves an installation access token
func (a *AppAuth) getInstallationAccessToken(ctx context.Context, jwtToken string, installationID int64) (*InstallationToken, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiBase(), installationID)
	req, err := a.newRequest(ctx, http.MethodPost, url, jwtToken)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub API error: %d - %s", resp.StatusCode, string(body))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &InstallationToken{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
	}, nil
}
