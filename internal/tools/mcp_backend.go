package tools

import (
	"context"
	"encoding/json"

	"github.com/cephiq/agentloop/internal/mcp"
)

// MCPBackend routes tool execution to an MCP server session.
type MCPBackend struct {
	client *mcp.Client
}

// NewMCPBackend wraps an MCP client as a dispatcher backend.
func NewMCPBackend(client *mcp.Client) *MCPBackend {
	return &MCPBackend{client: client}
}

// Execute invokes the tool over MCP and flattens the result into the
// dispatcher's map shape. Tool-level failures come back as
// {success:false, error} results.
func (b *MCPBackend) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	result, err := b.client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}

	if result.IsError {
		return map[string]any{"success": false, "error": result.Text()}, nil
	}

	if len(result.StructuredContent) > 0 {
		var structured map[string]any
		if err := json.Unmarshal(result.StructuredContent, &structured); err == nil {
			if _, ok := structured["success"]; !ok {
				structured["success"] = true
			}
			return structured, nil
		}
	}

	return map[string]any{"success": true, "content": result.Text()}, nil
}
