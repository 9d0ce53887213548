package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const statsResourceURI = "imgdex://stats"

// NewMCPServer creates an MCP server exposing search, duplicate detection
// and catalog stats.
func NewMCPServer(svc *Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"imgdex",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("imgdex: local image similarity search and near-duplicate detection."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_similar_images",
			mcp.WithDescription("Find the indexed images most similar to the image at the given local path."),
			mcp.WithString("path", mcp.Description("Absolute path of the query image"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default from config)")),
		),
		mcpSearchSimilar(svc),
	)

	s.AddTool(
		mcp.NewTool("find_duplicates",
			mcp.WithDescription("Group near-duplicate images in the index and choose one survivor per group."),
			mcp.WithNumber("threshold", mcp.Description("Similarity threshold in (0, 1]")),
			mcp.WithNumber("neighbors", mcp.Description("Neighbours examined per image")),
			mcp.WithString("strategy", mcp.Description("Survivor strategy: largest, first or alphabetical")),
		),
		mcpFindDuplicates(svc),
	)

	s.AddTool(
		mcp.NewTool("catalog_stats",
			mcp.WithDescription("Return per-status image counts and index status."),
		),
		mcpCatalogStats(svc),
	)

	s.AddResource(
		mcp.NewResource(
			statsResourceURI,
			"Catalog Stats",
			mcp.WithResourceDescription("Per-status image counts and index status as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(svc),
	)

	return s
}

func mcpSearchSimilar(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		if svc.deps.Holder.Current() == nil {
			return mcpError("no index loaded; run build-index first"), nil
		}

		results := svc.deps.Search.SearchByImage(ctx, path, svc.topK(req.GetInt("top_k", 0)))
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindDuplicates(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.Duplicates(ctx, DuplicatesRequest{
			Threshold: req.GetFloat("threshold", 0),
			Neighbors: req.GetInt("neighbors", 0),
			Strategy:  req.GetString("strategy", ""),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		b, err := json.Marshal(res.Report())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCatalogStats(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := svc.Stats()
		if err != nil {
			return mcpError(err.Error()), nil
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(svc *Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := svc.Stats()
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
