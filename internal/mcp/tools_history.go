package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerHistoryTools() {
	s.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Undo the last change on a page"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
	), s.handleUndo)

	s.mcp.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Redo the last undone change on a page"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
	), s.handleRedo)
}

type historyResult struct {
	Applied  bool     `json:"applied"`
	Undo     int      `json:"undo"`
	Redo     int      `json:"redo"`
	Selected []string `json:"selected"`
}

func (s *Server) handleUndo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	ok, err := c.Undo()
	if err != nil {
		return nil, err
	}
	if ok {
		s.emitTreeChanged(ctx, c.PageID())
	}
	undo, redo := c.HistoryLen()
	return jsonResult(historyResult{Applied: ok, Undo: undo, Redo: redo, Selected: c.Selection()})
}

func (s *Server) handleRedo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	ok, err := c.Redo()
	if err != nil {
		return nil, err
	}
	if ok {
		s.emitTreeChanged(ctx, c.PageID())
	}
	undo, redo := c.HistoryLen()
	return jsonResult(historyResult{Applied: ok, Undo: undo, Redo: redo, Selected: c.Selection()})
}
