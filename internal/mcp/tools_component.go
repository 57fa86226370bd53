package mcpserver

import (
	"context"
	"fmt"

	"builder/internal/block"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerComponentTools() {
	// ── extend_component ───────────────────────────────
	s.mcp.AddTool(mcp.NewTool("extend_component",
		mcp.WithDescription("Turn a block into an instance of a component. Its own overrides are cleared and its children are bound to the template by position."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
		mcp.WithString("name", mcp.Description("Component name"), mcp.Required()),
	), s.handleExtendComponent)

	// ── reset_component ────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("reset_component",
		mcp.WithDescription("Discard every local change of a component instance and rebuild it from the template"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Instance block ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleResetComponent)

	// ── sync_component ─────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("sync_component",
		mcp.WithDescription("Add template nodes missing from instances without touching overrides. With blockId only that instance is synced; with name every instance in every page is."),
		mcp.WithString("pageId", mcp.Description("Page ID for blockId (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Instance block ID")),
		mcp.WithString("name", mcp.Description("Component to sync in all pages")),
	), s.handleSyncComponent)

	// ── save_component ─────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("save_component",
		mcp.WithDescription("Save a component template, either from a block of an open page (which then becomes an instance) or from serialized block JSON"),
		mcp.WithString("name", mcp.Description("Component name"), mcp.Required()),
		mcp.WithString("pageId", mcp.Description("Page of blockId (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block to save as the template")),
		mcp.WithString("block", mcp.Description("Serialized template root, used instead of blockId")),
	), s.handleSaveComponent)
}

func (s *Server) handleExtendComponent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if err := c.ExtendComponent(ctx, id, name); err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return textResult(fmt.Sprintf("Block %s now extends %s", id, name)), nil
}

func (s *Server) handleResetComponent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	if err := c.ResetComponent(ctx, id); err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return textResult(fmt.Sprintf("Instance %s reset", id)), nil
}

func (s *Server) handleSyncComponent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("blockId", ""); id != "" {
		c, err := s.canvasFor(ctx, req)
		if err != nil {
			return nil, err
		}
		n, err := c.SyncComponent(ctx, id)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			s.emitTreeChanged(ctx, c.PageID())
		}
		return jsonResult(map[string]any{"blockId": id, "inserted": n})
	}

	name, err := requireString(req, "name")
	if err != nil {
		return nil, fmt.Errorf("blockId or name is required")
	}
	report, err := s.components.SyncEverywhere(ctx, name)
	if err != nil {
		return nil, err
	}
	return jsonResult(report)
}

func (s *Server) handleSaveComponent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if raw := req.GetString("block", ""); raw != "" {
		root, err := block.Parse([]byte(raw))
		if err != nil {
			return nil, err
		}
		doc, err := s.components.Save(ctx, name, root)
		if err != nil {
			return nil, err
		}
		return jsonResult(map[string]string{"name": doc.Name, "componentName": doc.ComponentName})
	}

	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, fmt.Errorf("blockId or block is required")
	}
	pageID, err := s.resolvePageID(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.pages.Open(ctx, pageID); err != nil {
		return nil, err
	}
	doc, err := s.components.SaveFromBlock(ctx, pageID, id, name)
	if err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, pageID)
	return jsonResult(map[string]string{"name": doc.Name, "componentName": doc.ComponentName, "instance": id})
}
