package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chartq/chartq/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Resolver QueryService
	// Owner scopes every MCP call; the stdio transport has no per-request
	// identity. Empty means the default owner.
	Owner string
}

func (d MCPDeps) owner() string {
	if d.Owner != "" {
		return d.Owner
	}
	return "default"
}

// NewMCPServer creates an MCP server with the chartq tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chartq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("chartq: ask questions about a patient's medical documents with page-accurate citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_patient_file",
			mcp.WithDescription("Ask a natural-language question about a patient's documents. Returns the answer with page-numbered citations."),
			mcp.WithString("patient_id", mcp.Description("Patient identifier"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskPatientFile(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List a patient's documents with their processing status and page counts."),
			mcp.WithString("patient_id", mcp.Description("Patient identifier"), mcp.Required()),
		),
		mcpListDocuments(deps),
	)

	return s
}

func mcpAskPatientFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		patientID, err := req.RequireString("patient_id")
		if err != nil {
			return mcpError("patient_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		res, err := deps.Resolver.Ask(ctx, deps.owner(), patientID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		patientID, err := req.RequireString("patient_id")
		if err != nil {
			return mcpError("patient_id is required"), nil
		}

		docs, err := deps.Store.GetDocumentsForPatient(deps.owner(), patientID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}

		results := make([]documentResponse, len(docs))
		for i, d := range docs {
			results[i] = toDocumentResponse(d)
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
