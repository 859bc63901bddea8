package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	gh "github.com/google/go-github/v66/github"
)

func errorResponse(status int) error {
	return &gh.ErrorResponse{Response: &http.Response{StatusCode: status, Request: testRequest()}}
}

func testRequest() *http.Request {
	return &http.Request{Method: http.MethodGet, URL: &url.URL{Path: "/test"}}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error should not retry", nil, false},
		{"EOF error should retry", errors.New("Post \"https://api.github.com/graphql\": EOF"), true},
		{"timeout error should retry", errors.New("request timeout after 30s"), true},
		{"connection reset should retry", errors.New("read tcp: connection reset by peer"), true},
		{"no such host should retry", errors.New("dial tcp: lookup api.github.com: no such host"), true},
		{"authentication error should not retry", errors.New("HTTP 401: Bad credentials"), false},
		{"permission denied should not retry", errors.New("permission denied"), false},
		{"server error response should retry", errorResponse(http.StatusBadGateway), true},
		{"not found response should not retry", errorResponse(http.StatusNotFound), false},
		{"rate limit should retry", &gh.RateLimitError{Response: &http.Response{Request: testRequest()}}, true},
		{"wrapped server error should retry", fmt.Errorf("create comment: %w", errorResponse(503)), true},
		{"cancellation should not retry", fmt.Errorf("edit: %w", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.expected {
				t.Errorf("IsRetryableError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryWithBackoffCustom_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := retryWithBackoffCustom(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("EOF")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoffCustom_NonRetryableError(t *testing.T) {
	attempts := 0
	err := retryWithBackoffCustom(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		return errorResponse(http.StatusUnauthorized)
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryWithBackoffCustom_ExhaustedRetries(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := retryWithBackoffCustom(context.Background(), 2, 20*time.Millisecond, func() error {
		attempts++
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	// initial + 2 retries, waiting 20ms + 40ms
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if time.Since(start) < 60*time.Millisecond {
		t.Errorf("Expected exponential delays, finished in %v", time.Since(start))
	}
}

func TestRetryWithBackoffCustom_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryWithBackoffCustom(ctx, 5, time.Hour, func() error {
		attempts++
		cancel()
		return errors.New("EOF")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}
