package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	componentsURI = "builder://components"
	pagePrefix    = "builder://page/"
	treeSuffix    = "/tree"
)

func (s *Server) registerResources() {
	// ── builder://components ───────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		componentsURI,
		"Component templates",
		mcp.WithMIMEType("application/json"),
	), s.handleComponentsResource)

	// ── builder://page/{pageId}/tree ───────────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			pagePrefix+"{pageId}"+treeSuffix,
			"Serialized block tree of a page",
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handlePageTreeResource,
	)
}

func (s *Server) handleComponentsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	names, err := s.components.List(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: componentsURI, MIMEType: "application/json", Text: string(data)},
	}, nil
}

// handlePageTreeResource serves the live tree of an open page, or the stored
// draft of a closed one.
func (s *Server) handlePageTreeResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	pageID := pageIDFromURI(uri)
	if pageID == "" {
		return nil, fmt.Errorf("could not extract pageId from URI: %s", uri)
	}

	var text string
	if c, err := s.pages.Canvas(pageID); err == nil {
		data, err := c.Serialize()
		if err != nil {
			return nil, err
		}
		text = string(data)
	} else {
		p, err := s.pages.GetPage(ctx, pageID)
		if err != nil {
			return nil, err
		}
		text = p.DraftBlocks
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: text},
	}, nil
}

// pageIDFromURI extracts the id from "builder://page/{id}/tree".
func pageIDFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, pagePrefix)
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, treeSuffix)
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}
