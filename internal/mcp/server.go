package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"builder/internal/canvas"
	"builder/internal/logging"
	"builder/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Server exposes page editing to AI agents over MCP.
type Server struct {
	mcp     *server.MCPServer
	emitter service.EventEmitter
	log     *zap.Logger

	pages      *service.PageService
	components *service.ComponentService

	// Active page, set by open_page and create_page.
	mu           sync.Mutex
	activePageID string
}

// Deps holds what the app layer hands to the MCP server.
type Deps struct {
	Emitter    service.EventEmitter
	Pages      *service.PageService
	Components *service.ComponentService
	Logger     *zap.Logger
	Version    string
}

// New creates the server and registers every tool and resource.
func New(deps Deps) *Server {
	log := logging.OrNop(deps.Logger).Named("mcp")
	emitter := deps.Emitter
	if emitter == nil {
		emitter = service.LogEmitter{Logger: log}
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		emitter:    emitter,
		log:        log,
		pages:      deps.Pages,
		components: deps.Components,
	}

	s.mcp = server.NewMCPServer(
		"builder-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithRecovery(),
	)

	s.registerPageTools()
	s.registerBlockTools()
	s.registerComponentTools()
	s.registerHistoryTools()
	s.registerResources()
	return s
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.log.Info("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// emitTreeChanged tells listeners that the tree of pageID changed.
func (s *Server) emitTreeChanged(ctx context.Context, pageID string) {
	s.emitter.Emit(ctx, "mcp:tree-changed", map[string]string{"pageId": pageID})
}

func textResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) setActivePage(id string) {
	s.mu.Lock()
	s.activePageID = id
	s.mu.Unlock()
}

// resolvePageID returns the pageId argument or the active page.
func (s *Server) resolvePageID(req mcp.CallToolRequest) (string, error) {
	if pid := req.GetString("pageId", ""); pid != "" {
		return pid, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activePageID != "" {
		return s.activePageID, nil
	}
	return "", fmt.Errorf("no pageId provided and no active page (use open_page first)")
}

// canvasFor returns the session of the requested page, opening it if needed.
func (s *Server) canvasFor(ctx context.Context, req mcp.CallToolRequest) (*canvas.Canvas, error) {
	pageID, err := s.resolvePageID(req)
	if err != nil {
		return nil, err
	}
	return s.pages.Open(ctx, pageID)
}

func requireString(req mcp.CallToolRequest, key string) (string, error) {
	v := req.GetString(key, "")
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
