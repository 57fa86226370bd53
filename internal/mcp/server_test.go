package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"builder/internal/block"
	"builder/internal/component"
	"builder/internal/config"
	"builder/internal/service"
	"builder/internal/storage"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *service.MockEmitter) {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "builder.db"))
	require.NoError(t, err)

	pageStore := storage.NewPageStore(db)
	src := storage.NewComponentStore(db)
	registry := component.NewRegistry(src, nil, nil)
	emitter := &service.MockEmitter{}
	cfg := config.HistoryConfig{Capacity: 20, Debounce: 10 * time.Millisecond}
	pages := service.NewPageService(pageStore, nil, registry, cfg, emitter, nil, nil)
	components := service.NewComponentService(registry, src, pageStore, pages, emitter, nil, nil)

	t.Cleanup(func() {
		_ = pages.CloseAll(context.Background())
		db.Close()
	})
	return New(Deps{Emitter: emitter, Pages: pages, Components: components}), emitter
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &v))
	return v
}

func TestServer_EditingFlow(t *testing.T) {
	ctx := context.Background()
	s, emitter := newTestServer(t)

	res, err := s.handleCreatePage(ctx, call(map[string]any{"title": "Home"}))
	require.NoError(t, err)
	page := decode[map[string]string](t, res)
	assert.Equal(t, "/", page["route"])

	// No pageId: the created page is active.
	res, err = s.handleAddBlock(ctx, call(map[string]any{"template": "text", "element": "h1"}))
	require.NoError(t, err)
	added := decode[map[string]string](t, res)
	id := added["blockId"]
	require.NotEmpty(t, id)
	assert.Equal(t, block.RootID, added["parentId"])
	// Let the insertion settle into its own history entry.
	time.Sleep(50 * time.Millisecond)

	_, err = s.handleSetStyle(ctx, call(map[string]any{"blockId": id, "property": "font-size", "value": "32px"}))
	require.NoError(t, err)

	res, err = s.handleGetStyle(ctx, call(map[string]any{"blockId": id, "property": "fontSize"}))
	require.NoError(t, err)
	assert.Equal(t, "32px", decode[map[string]string](t, res)["value"])

	res, err = s.handleUndo(ctx, call(nil))
	require.NoError(t, err)
	undone := decode[historyResult](t, res)
	assert.True(t, undone.Applied)
	assert.Equal(t, 1, undone.Redo)

	res, err = s.handleGetStyle(ctx, call(map[string]any{"blockId": id, "property": "fontSize"}))
	require.NoError(t, err)
	assert.NotEqual(t, "32px", decode[map[string]string](t, res)["value"])

	res, err = s.handleRedo(ctx, call(map[string]any{"pageId": page["id"]}))
	require.NoError(t, err)
	assert.True(t, decode[historyResult](t, res).Applied)

	res, err = s.handleGetTree(ctx, call(nil))
	require.NoError(t, err)
	tree := decode[node](t, res)
	assert.Equal(t, block.RootID, tree.ID)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "h1", tree.Children[0].Element)

	_, err = s.handleSavePage(ctx, call(map[string]any{"publish": true}))
	require.NoError(t, err)
	assert.Contains(t, emitter.Names(), service.EventPagePublished)
	assert.Contains(t, emitter.Names(), "mcp:tree-changed")
}

func TestServer_StructuralErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	_, err := s.handleAddBlock(ctx, call(nil))
	assert.Error(t, err, "no active page yet")

	_, err = s.handleCreatePage(ctx, call(map[string]any{"title": "Home"}))
	require.NoError(t, err)

	_, err = s.handleRemoveBlock(ctx, call(map[string]any{"blockId": block.RootID}))
	assert.ErrorIs(t, err, block.ErrRootImmutable)

	_, err = s.handleAddBlock(ctx, call(map[string]any{"template": "body"}))
	assert.Error(t, err)

	_, err = s.handleGetStyle(ctx, call(map[string]any{"blockId": block.RootID, "property": "color", "mode": "weird"}))
	assert.Error(t, err)

	_, err = s.handleSyncComponent(ctx, call(nil))
	assert.Error(t, err)
}

func TestServer_ComponentTools(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	_, err := s.handleCreatePage(ctx, call(map[string]any{"title": "Home"}))
	require.NoError(t, err)
	res, err := s.handleAddBlock(ctx, call(map[string]any{"template": "container"}))
	require.NoError(t, err)
	id := decode[map[string]string](t, res)["blockId"]

	_, err = s.handleSaveComponent(ctx, call(map[string]any{"name": "card", "blockId": id}))
	require.NoError(t, err)

	res, err = s.handleGetTree(ctx, call(map[string]any{"blockId": id}))
	require.NoError(t, err)
	assert.Equal(t, "card", decode[block.Block](t, res).ExtendedFromComponent)

	res, err = s.handleSyncComponent(ctx, call(map[string]any{"name": "card"}))
	require.NoError(t, err)
	report := decode[service.SyncReport](t, res)
	assert.Equal(t, "card", report.Component)
	assert.Zero(t, report.Inserted)

	_, err = s.handleResetComponent(ctx, call(map[string]any{"blockId": id}))
	require.NoError(t, err)
}

func TestServer_SelectBlocks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	_, err := s.handleCreatePage(ctx, call(map[string]any{"title": "Home"}))
	require.NoError(t, err)

	res, err := s.handleSelectBlocks(ctx, call(map[string]any{"blockIds": " root , ghost,"}))
	require.NoError(t, err)
	assert.Equal(t, []any{block.RootID}, decode[map[string]any](t, res)["selected"])
}

func TestPageIDFromURI_ParsesResourceURI(t *testing.T) {
	assert.Equal(t, "abc-123", pageIDFromURI("builder://page/abc-123/tree"))
	assert.Empty(t, pageIDFromURI("builder://page/a/b/tree"))
	assert.Empty(t, pageIDFromURI("notes://page/abc/tree"))
}
