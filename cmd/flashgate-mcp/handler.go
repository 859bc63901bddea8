package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Kayzwer/codeflash/internal/admission"
	"github.com/Kayzwer/codeflash/internal/change"
	"github.com/Kayzwer/codeflash/internal/config"
	"github.com/Kayzwer/codeflash/internal/policy"
	"github.com/Kayzwer/codeflash/internal/trust"
)

// ExplainParams defines the input parameters for the tool
type ExplainParams struct {
	Actor  string   `json:"actor" jsonschema:"Login of the pull request author"`
	Paths  []string `json:"paths" jsonschema:"Changed file paths"`
	Origin string   `json:"origin,omitempty" jsonschema:"Delivery origin: direct (default) or approved"`
	Kind   string   `json:"kind,omitempty" jsonschema:"Event kind: first-open, update (default) or manual-dispatch"`
	Closed bool     `json:"closed,omitempty" jsonschema:"Whether the pull request is closed"`
}

// Explanation is the tool's JSON answer.
type Explanation struct {
	Verdict       string `json:"verdict"`
	Admitted      bool   `json:"admitted"`
	Context       string `json:"context,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Tier          string `json:"tier"`
	Rule          string `json:"rule"`
	Sensitive     bool   `json:"sensitive"`
	SensitivePath string `json:"sensitive_path,omitempty"`
}

// Explainer answers explain_admission calls against a fixed policy.
type Explainer struct {
	pipeline *admission.Pipeline
}

// NewExplainer builds the admission pipeline for pol.
func NewExplainer(pol *config.Policy) (*Explainer, error) {
	tiers, err := pol.Tiers()
	if err != nil {
		return nil, err
	}
	return &Explainer{
		pipeline: admission.New(
			trust.NewClassifier(trust.NewAllowlist(tiers)),
			policy.NewGate(pol.Namespace()),
		),
	}, nil
}

// Explain runs the admission pipeline on a synthetic event.
func (e *Explainer) Explain(params ExplainParams) (*Explanation, error) {
	kind := change.EventKind(params.Kind)
	if kind == "" {
		kind = change.KindUpdate
	}
	res, err := e.pipeline.Evaluate(change.RawEvent{
		Kind:    kind,
		Actor:   params.Actor,
		Repo:    "explain/local",
		Number:  1,
		BaseSHA: "base",
		HeadSHA: "head",
		Paths:   params.Paths,
		Open:    !params.Closed,
		Origin:  change.Origin(params.Origin),
	})
	if err != nil {
		return nil, err
	}

	v := res.Verdict()
	return &Explanation{
		Verdict:       v.String(),
		Admitted:      v.Admitted,
		Context:       string(v.Context),
		Reason:        v.Reason,
		Tier:          res.Tier.String(),
		Rule:          res.Rule,
		Sensitive:     res.Decision.Sensitive,
		SensitivePath: res.Decision.SensitivePath,
	}, nil
}

// HandleExplain handles the explain_admission tool call
func (e *Explainer) HandleExplain(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params ExplainParams,
) (*mcp.CallToolResult, any, error) {
	log.Printf("[Flashgate MCP] explain_admission actor=%q paths=%d origin=%q", params.Actor, len(params.Paths), params.Origin)

	explanation, err := e.Explain(params)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
			},
			IsError: true,
		}, nil, nil
	}

	data, err := json.MarshalIndent(explanation, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode explanation: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}
