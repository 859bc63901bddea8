package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/Kayzwer/codeflash/internal/config"
)

func main() {
	_ = godotenv.Load()

	defaultPolicy := os.Getenv("POLICY_FILE")
	if defaultPolicy == "" {
		defaultPolicy = "flashgate.yaml"
	}
	policyPath := pflag.String("policy", defaultPolicy, "policy file to explain decisions against")
	pflag.Parse()

	// 1. Load the admission policy
	pol, err := config.LoadPolicy(*policyPath)
	if err != nil {
		log.Fatalf("[Flashgate MCP] %v", err)
	}
	explainer, err := NewExplainer(pol)
	if err != nil {
		log.Fatalf("[Flashgate MCP] %v", err)
	}
	log.Printf("[Flashgate MCP] Policy: %s (%d allowlisted)", *policyPath, len(pol.Allowlist))

	// 2. Create MCP server
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "flashgate-admission",
		Version: "v1.0.0",
	}, nil)

	// 3. Register explain_admission tool
	tool := &mcp.Tool{
		Name:        "explain_admission",
		Description: "Explain whether flashgate would run on a pull request, in which context, and which trust rule decided it",
	}
	mcp.AddTool(server, tool, explainer.HandleExplain)
	log.Println("[Flashgate MCP] Registered tool: explain_admission")

	// 4. Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Start server with stdio transport
	log.Println("[Flashgate MCP] Starting on stdio transport...")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("[Flashgate MCP] Server error: %v", err)
	}
	log.Println("[Flashgate MCP] Server stopped gracefully")
}
