package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Kayzwer/codeflash/internal/config"
	"github.com/Kayzwer/codeflash/internal/policy"
)

func newTestExplainer(t *testing.T) *Explainer {
	t.Helper()
	pol, err := config.ParsePolicy([]byte("allowlist:\n  maint: maintainer\n  friend: semi-trusted\nsensitive_paths:\n  - \".automation/**\"\n"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	e, err := NewExplainer(pol)
	if err != nil {
		t.Fatalf("NewExplainer: %v", err)
	}
	return e
}

func TestExplain(t *testing.T) {
	e := newTestExplainer(t)

	tests := []struct {
		name    string
		params  ExplainParams
		verdict string
		rule    string
	}{
		{
			name:    "external author ordinary change",
			params:  ExplainParams{Actor: "external123", Paths: []string{"src/app.py"}},
			verdict: "admit(sandboxed)",
			rule:    "none",
		},
		{
			name:    "approved sensitive change",
			params:  ExplainParams{Actor: "external123", Paths: []string{".automation/trigger.yaml"}, Origin: "approved"},
			verdict: "admit(trusted)",
			rule:    "approved-revision",
		},
		{
			name:    "unapproved sensitive change",
			params:  ExplainParams{Actor: "external123", Paths: []string{".automation/trigger.yaml"}},
			verdict: "reject(" + policy.ReasonUnauthorizedSensitive + ")",
			rule:    "none",
		},
		{
			name:    "approval on closed pull request",
			params:  ExplainParams{Actor: "external123", Paths: []string{".automation/trigger.yaml"}, Origin: "approved", Closed: true},
			verdict: "reject(" + policy.ReasonUnauthorizedSensitive + ")",
			rule:    "none",
		},
		{
			name:    "maintainer",
			params:  ExplainParams{Actor: "Maint", Paths: []string{"src/app.py"}, Kind: "manual-dispatch"},
			verdict: "admit(trusted)",
			rule:    "allowlisted-maintainer",
		},
		{
			name:    "contributor ordinary change",
			params:  ExplainParams{Actor: "friend", Paths: []string{"README.md"}},
			verdict: "admit(sandboxed)",
			rule:    "allowlisted-contributor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Explain(tt.params)
			if err != nil {
				t.Fatalf("Explain() error = %v", err)
			}
			if got.Verdict != tt.verdict || got.Rule != tt.rule {
				t.Fatalf("Explain() = %+v, want verdict %s rule %s", got, tt.verdict, tt.rule)
			}
		})
	}
}

func TestHandleExplain_ReturnsJSON(t *testing.T) {
	e := newTestExplainer(t)

	res, _, err := e.HandleExplain(context.Background(), nil, ExplainParams{
		Actor: "external123",
		Paths: []string{".automation/trigger.yaml"},
	})
	if err != nil {
		t.Fatalf("HandleExplain() error = %v", err)
	}
	if res.IsError {
		t.Fatal("unexpected error result")
	}
	text := res.Content[0].(*mcp.TextContent).Text

	var got Explanation
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("decode %q: %v", text, err)
	}
	if got.Admitted || !got.Sensitive || got.SensitivePath != ".automation/trigger.yaml" || got.Tier != "untrusted" {
		t.Fatalf("explanation = %+v", got)
	}
}

func TestHandleExplain_InvalidInput(t *testing.T) {
	e := newTestExplainer(t)

	tests := []struct {
		name   string
		params ExplainParams
		want   string
	}{
		{"missing actor", ExplainParams{Paths: []string{"a"}}, "actor"},
		{"unknown kind", ExplainParams{Actor: "a", Kind: "push"}, "kind"},
		{"unknown origin", ExplainParams{Actor: "a", Origin: "magic"}, "origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _, err := e.HandleExplain(context.Background(), nil, tt.params)
			if err != nil {
				t.Fatalf("HandleExplain() error = %v", err)
			}
			if !res.IsError {
				t.Fatal("expected error result")
			}
			if text := res.Content[0].(*mcp.TextContent).Text; !strings.Contains(text, tt.want) {
				t.Fatalf("error text = %q, want mention of %q", text, tt.want)
			}
		})
	}
}
