package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Core     Core
	Attempts AttemptLog // optional; if nil, recent_attempts returns an error
	Version  string
}

// NewMCPServer creates an MCP server exposing the delivery queue to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"fieldsync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fieldsync delivers geotagged photo captures to an upload endpoint, queueing them while offline."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report pending captures, lifetime totals, connectivity and the last run."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_queue",
			mcp.WithDescription("List queued captures with their attempt counts."),
			mcp.WithBoolean("pending_only", mcp.Description("Only include captures not yet uploaded")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 50)")),
		),
		mcpListQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Run the delivery queue now and report how many captures were uploaded."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_attempts",
			mcp.WithDescription("Show recent upload attempts, optionally for one capture."),
			mcp.WithString("entry_id", mcp.Description("Capture id; omit for all captures")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of attempts (default 20)")),
		),
		mcpRecentAttempts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"fieldsync://status",
			"Queue Status",
			mcp.WithResourceDescription("Current queue snapshot as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap := deps.Core.Snapshot()
		text := fmt.Sprintf("pending: %d\nqueued: %d\ncaptured: %d\nuploaded: %d\nconnected: %t\nrunning: %t",
			snap.Pending, snap.Queued, snap.TotalCaptured, snap.TotalUploaded, snap.Connected, snap.Running)
		if !snap.LastRunAt.IsZero() {
			text += fmt.Sprintf("\nlast run: %s (%s, %d uploaded)",
				snap.LastRunAt.Format(time.RFC3339), snap.LastRunTrigger, snap.LastRunUploaded)
			if snap.LastRunError != "" {
				text += "\nlast error: " + snap.LastRunError
			}
		}
		return mcpText(text), nil
	}
}

func mcpListQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pendingOnly := req.GetBool("pending_only", false)
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}

		entries, err := deps.Core.Entries(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading queue: %v", err)), nil
		}

		views := make([]EntryView, 0, len(entries))
		for _, e := range entries {
			if pendingOnly && e.Uploaded {
				continue
			}
			views = append(views, newEntryView(e))
			if len(views) == limit {
				break
			}
		}
		if len(views) == 0 {
			return mcpText("The queue is empty."), nil
		}

		b, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("encoding queue: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		uploaded, dropped, err := deps.Core.SyncNow(ctx)
		switch {
		case dropped:
			return mcpText("A run is already in progress."), nil
		case err != nil:
			return mcpError(fmt.Sprintf("sync stopped after %d uploads: %v", uploaded, err)), nil
		}
		return mcpText(fmt.Sprintf("Uploaded %d captures.", uploaded)), nil
	}
}

func mcpRecentAttempts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Attempts == nil {
			return mcpError("attempt log is not enabled"), nil
		}
		entryID := req.GetString("entry_id", "")
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		attempts, err := deps.Attempts.RecentAttempts(entryID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("reading attempts: %v", err)), nil
		}
		if len(attempts) == 0 {
			return mcpText("No attempts recorded."), nil
		}

		var text string
		for _, a := range attempts {
			outcome := "failed"
			if a.Success {
				outcome = "ok"
			}
			line := fmt.Sprintf("%s %s %s", a.AttemptedAt.Format(time.RFC3339), a.EntryID, outcome)
			if a.StatusCode != 0 {
				line += fmt.Sprintf(" status=%d", a.StatusCode)
			}
			if a.Error != "" {
				line += " error=" + a.Error
			}
			text += line + "\n"
		}
		return mcpText(text), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Core.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("marshaling snapshot: %w", err)
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
