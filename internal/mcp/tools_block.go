package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"builder/internal/block"
	"builder/internal/inherit"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/samber/lo"
)

func (s *Server) registerBlockTools() {
	// ── get_tree ───────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("get_tree",
		mcp.WithDescription("Get the block tree of a page. Without blockId an outline of the whole page is returned; with blockId the full block JSON."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block to return in full (optional)")),
	), s.handleGetTree)

	// ── add_block ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("add_block",
		mcp.WithDescription("Add a block under a parent. Use either a factory template or a serialized block."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("parentId", mcp.Description("Parent block ID (default root)")),
		mcp.WithString("template",
			mcp.Description("Factory template: html, text, image, video, container, fit-container, repeater (default container)"),
		),
		mcp.WithString("element", mcp.Description("Override the element of the new block, e.g. h1 or section")),
		mcp.WithString("block", mcp.Description("Serialized block JSON, used instead of template")),
		mcp.WithNumber("index", mcp.Description("Position among the parent's children (default: append)")),
	), s.handleAddBlock)

	// ── remove_block ───────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("remove_block",
		mcp.WithDescription("Remove a block and its subtree. The root cannot be removed. "+
			"Blocks inside a component instance, and blocks removed while a tablet or mobile breakpoint is active, are hidden instead."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
		mcp.WithBoolean("force", mcp.Description("Remove outside the desktop breakpoint instead of hiding")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRemoveBlock)

	// ── duplicate_block ────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("duplicate_block",
		mcp.WithDescription("Duplicate a block next to itself and select the copy"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
	), s.handleDuplicateBlock)

	// ── move_block ─────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("move_block",
		mcp.WithDescription("Move a block to another index, optionally under a new parent"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
		mcp.WithString("parentId", mcp.Description("New parent (optional, defaults to the current parent)")),
		mcp.WithNumber("index", mcp.Description("Target index among the siblings"), mcp.Required()),
	), s.handleMoveBlock)

	// ── set_style ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("set_style",
		mcp.WithDescription("Set a style property at the active breakpoint. An empty value removes it."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
		mcp.WithString("property", mcp.Description("CSS property, camelCase or kebab-case"), mcp.Required()),
		mcp.WithString("value", mcp.Description("CSS value")),
	), s.handleSetStyle)

	// ── get_style ──────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("get_style",
		mcp.WithDescription("Read a style property at the active breakpoint, resolved through the block's component"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
		mcp.WithString("property", mcp.Description("CSS property"), mcp.Required()),
		mcp.WithString("mode",
			mcp.Description("effective (default), native (only the breakpoint's own layer) or cascading (what wider breakpoints give)"),
			mcp.Enum("effective", "native", "cascading"),
		),
	), s.handleGetStyle)

	// ── set_attribute ──────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("set_attribute",
		mcp.WithDescription("Set an HTML attribute. An empty value removes it."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockId", mcp.Description("Block ID"), mcp.Required()),
		mcp.WithString("name", mcp.Description("Attribute name"), mcp.Required()),
		mcp.WithString("value", mcp.Description("Attribute value")),
	), s.handleSetAttribute)

	// ── set_breakpoint ─────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Switch the breakpoint style edits apply to"),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("breakpoint", mcp.Description("desktop, tablet or mobile"), mcp.Required(),
			mcp.Enum(string(block.Desktop), string(block.Tablet), string(block.Mobile))),
	), s.handleSetBreakpoint)

	// ── select_blocks ──────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("select_blocks",
		mcp.WithDescription("Replace the selection. Unknown ids are ignored; an empty list clears it."),
		mcp.WithString("pageId", mcp.Description("Page ID (optional, defaults to active page)")),
		mcp.WithString("blockIds", mcp.Description("Comma-separated block IDs")),
	), s.handleSelectBlocks)
}

func boolPtr(v bool) *bool { return &v }

// node is the outline view of a block.
type node struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Element     string  `json:"element"`
	Component   string  `json:"component,omitempty"`
	Children    []*node `json:"children,omitempty"`
}

func outline(b *block.Block) *node {
	n := &node{ID: b.ID, Description: b.Description(), Element: b.Element, Component: b.ExtendedFromComponent}
	for _, child := range b.Children {
		n.Children = append(n.Children, outline(child))
	}
	return n
}

// ── Handlers ───────────────────────────────────────────────

func (s *Server) handleGetTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if id := req.GetString("blockId", ""); id != "" {
		b, err := c.Block(id)
		if err != nil {
			return nil, err
		}
		return jsonResult(b)
	}
	return jsonResult(outline(c.Root()))
}

func (s *Server) handleAddBlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}

	var child *block.Block
	if raw := req.GetString("block", ""); raw != "" {
		if child, err = block.Parse([]byte(raw)); err != nil {
			return nil, err
		}
	} else {
		tpl := req.GetString("template", block.TemplateContainer)
		if tpl == block.TemplateBody {
			return nil, fmt.Errorf("a page has exactly one body")
		}
		if child, err = block.FromTemplate(tpl); err != nil {
			return nil, err
		}
	}
	if el := req.GetString("element", ""); el != "" {
		child.Element = el
	}

	parentID := req.GetString("parentId", block.RootID)
	id, err := c.AddChild(parentID, child, int(req.GetFloat("index", -1)), true)
	if err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return jsonResult(map[string]string{"blockId": id, "parentId": parentID})
}

func (s *Server) handleRemoveBlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	removed, err := c.Remove(id, req.GetBool("force", false))
	if err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	if !removed {
		return textResult(fmt.Sprintf("Hid block %s", id)), nil
	}
	return textResult(fmt.Sprintf("Removed block %s", id)), nil
}

func (s *Server) handleDuplicateBlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	copyID, err := c.Duplicate(id)
	if err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return jsonResult(map[string]string{"blockId": copyID})
}

func (s *Server) handleMoveBlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	index := int(req.GetFloat("index", 0))
	if parentID := req.GetString("parentId", ""); parentID != "" {
		err = c.MoveTo(id, parentID, index)
	} else {
		err = c.MoveChild(id, index)
	}
	if err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return textResult(fmt.Sprintf("Moved block %s to index %d under %s", id, index, c.Parent(id))), nil
}

func (s *Server) handleSetStyle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	property, err := requireString(req, "property")
	if err != nil {
		return nil, err
	}
	if err := c.SetStyle(id, property, req.GetString("value", "")); err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return textResult(fmt.Sprintf("Set %s on %s at %s", property, id, c.Breakpoint())), nil
}

func (s *Server) handleGetStyle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "blockId")
	if err != nil {
		return nil, err
	}
	property, err := requireString(req, "property")
	if err != nil {
		return nil, err
	}
	mode, err := styleMode(req.GetString("mode", "effective"))
	if err != nil {
		return nil, err
	}
	value, err := c.Style(id, property, mode)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]string{
		"blockId":    id,
		"property":   property,
		"breakpoint": string(c.Breakpoint()),
		"value":      value,
	})
}

func styleMode(s string) (inherit.StyleMode, error) {
	switch strings.ToLower(s) {
	case "", "effective":
		return inherit.Effective, nil
	case "native":
		return inherit.NativeOnly, nil
	case "cascading":
		return inherit.Cascading, nil
	default:
		return 0, fmt.Errorf("unknown style mode %q", s)
	}
}

func (s *Server) handleSetAttribute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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
	if err := c.SetAttribute(id, name, req.GetString("value", "")); err != nil {
		return nil, err
	}
	s.emitTreeChanged(ctx, c.PageID())
	return textResult(fmt.Sprintf("Set attribute %s on %s", name, id)), nil
}

func (s *Server) handleSetBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := requireString(req, "breakpoint")
	if err != nil {
		return nil, err
	}
	bp := block.ParseBreakpoint(raw)
	c.SetBreakpoint(bp)
	return textResult(fmt.Sprintf("Breakpoint set to %s", bp)), nil
}

func (s *Server) handleSelectBlocks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.canvasFor(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := lo.Compact(lo.Map(strings.Split(req.GetString("blockIds", ""), ","), func(id string, _ int) string {
		return strings.TrimSpace(id)
	}))
	c.Select(ids...)
	return jsonResult(map[string]any{"selected": c.Selection()})
}
