package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/appraise/internal/gateway"
	"github.com/kalambet/appraise/internal/storage"
)

// RatesURI is the MCP resource listing the model price table.
const RatesURI = "appraise://rates"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Runner Runner
	Rates  map[string]gateway.Rate
}

// NewMCPServer creates an MCP server exposing the pipeline to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"appraise",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("appraise runs property appraisal cases through intake, research, comparables, report writing, QA and compliance."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_pipeline",
			mcp.WithDescription("Run the six-stage appraisal pipeline for a case and return the per-stage results."),
			mcp.WithString("tenant_id", mcp.Description("Tenant that owns the case"), mcp.Required()),
			mcp.WithString("case_id", mcp.Description("Case to appraise"), mcp.Required()),
		),
		mcpRunPipeline(deps),
	)

	s.AddTool(
		mcp.NewTool("get_case",
			mcp.WithDescription("Return a case with its status, property data and accumulated AI cost."),
			mcp.WithString("tenant_id", mcp.Description("Tenant that owns the case"), mcp.Required()),
			mcp.WithString("case_id", mcp.Description("Case ID"), mcp.Required()),
			mcp.WithBoolean("include_report", mcp.Description("Also return the latest report")),
		),
		mcpGetCase(deps),
	)

	s.AddResource(
		mcp.NewResource(
			RatesURI,
			"Model Rates",
			mcp.WithResourceDescription("USD price per million input and output tokens, by model"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRates(deps),
	)

	return s
}

func caseArgs(req mcp.CallToolRequest) (tenantID, caseID string, res *mcp.CallToolResult) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil || tenantID == "" {
		return "", "", mcpError("tenant_id is required")
	}
	caseID, err = req.RequireString("case_id")
	if err != nil || caseID == "" {
		return "", "", mcpError("case_id is required")
	}
	return tenantID, caseID, nil
}

func mcpRunPipeline(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, caseID, bad := caseArgs(req)
		if bad != nil {
			return bad, nil
		}

		res := deps.Runner.RunPipeline(ctx, caseID, tenantID)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !res.Success && len(res.Steps) == 0 {
			return mcpError(res.Error), nil
		}
		return mcpText(string(b)), nil
	}
}

type caseView struct {
	storage.Case
	Report *storage.Report `json:"report,omitempty"`
}

func mcpGetCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, caseID, bad := caseArgs(req)
		if bad != nil {
			return bad, nil
		}

		c, err := deps.Store.GetCase(ctx, caseID, tenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("case %s not found", caseID)), nil
			}
			return mcpError(fmt.Sprintf("failed to load case: %v", err)), nil
		}

		view := caseView{Case: c}
		if req.GetBool("include_report", false) {
			r, err := deps.Store.LatestReport(ctx, tenantID, caseID)
			switch {
			case err == nil:
				view.Report = &r
			case !errors.Is(err, storage.ErrNotFound):
				return mcpError(fmt.Sprintf("failed to load report: %v", err)), nil
			}
		}

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal case: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRates(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Rates)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rates: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
