package mcpserver

import (
	"context"
	"fmt"

	"builder/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPageTools() {
	// ── list_pages ─────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("list_pages",
		mcp.WithDescription("List all stored pages"),
	), s.handleListPages)

	// ── create_page ────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("create_page",
		mcp.WithDescription("Create a page with an empty body and make it the active page"),
		mcp.WithString("title", mcp.Description("Page title"), mcp.Required()),
		mcp.WithString("route", mcp.Description("URL route, e.g. /about (default /)")),
	), s.handleCreatePage)

	// ── open_page ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("open_page",
		mcp.WithDescription("Open a page for editing and make it the active page. Tools that accept pageId default to it."),
		mcp.WithString("pageId", mcp.Description("ID of the page"), mcp.Required()),
	), s.handleOpenPage)

	// ── save_page ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("save_page",
		mcp.WithDescription("Save the draft of an open page, optionally publishing it"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithBoolean("publish", mcp.Description("Also publish the draft (default false)")),
	), s.handleSavePage)
}

func (s *Server) handleListPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pages, err := s.pages.ListPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	type pageSummary struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Route     string `json:"route"`
		Published bool   `json:"published"`
	}
	summaries := make([]pageSummary, 0, len(pages))
	for _, p := range pages {
		summaries = append(summaries, pageSummary{ID: p.ID, Title: p.Title, Route: p.Route, Published: p.Published})
	}
	return jsonResult(summaries)
}

func (s *Server) handleCreatePage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := requireString(req, "title")
	if err != nil {
		return nil, err
	}
	page, err := s.pages.CreatePage(ctx, title, req.GetString("route", "/"))
	if err != nil {
		return nil, err
	}
	s.setActivePage(page.ID)
	return jsonResult(map[string]string{"id": page.ID, "title": page.Title, "route": page.Route})
}

func (s *Server) handleOpenPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageID, err := requireString(req, "pageId")
	if err != nil {
		return nil, err
	}
	c, err := s.pages.Open(ctx, pageID)
	if err != nil {
		return nil, err
	}
	s.setActivePage(pageID)
	return jsonResult(outline(c.Root()))
}

func (s *Server) handleSavePage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageID, err := s.resolvePageID(req)
	if err != nil {
		return nil, err
	}
	if req.GetBool("publish", false) {
		if err := s.pages.Publish(ctx, pageID); err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("Page %s saved and published", pageID)), nil
	}
	if err := s.pages.Save(ctx, pageID, service.TriggerManual); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Page %s saved", pageID)), nil
}
