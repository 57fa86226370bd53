package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"builder/internal/block"
	"builder/internal/component"
	"builder/internal/config"
	"builder/internal/domain"
	"builder/internal/service"
	"builder/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─────────────────────────────────────────────────────────────
// Fixture
// ─────────────────────────────────────────────────────────────

type env struct {
	pages      *service.PageService
	components *service.ComponentService
	registry   *component.Registry
	db         *storage.DB
	pageStore  *storage.PageStore
	history    *storage.HistoryStore
	emitter    *service.MockEmitter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "builder.db"))
	require.NoError(t, err)

	e := &env{
		db:        db,
		pageStore: storage.NewPageStore(db),
		history:   storage.NewHistoryStore(db),
		emitter:   &service.MockEmitter{},
	}
	src := storage.NewComponentStore(db)
	e.registry = component.NewRegistry(src, nil, nil)
	cfg := config.HistoryConfig{Capacity: 50, Debounce: 10 * time.Millisecond, Persist: true}
	e.pages = service.NewPageService(e.pageStore, e.history, e.registry, cfg, e.emitter, nil, nil)
	e.components = service.NewComponentService(e.registry, src, e.pageStore, e.pages, e.emitter, nil, nil)

	t.Cleanup(func() {
		e.pages.StopAutosave()
		_ = e.pages.CloseAll(context.Background())
		db.Close()
	})
	return e
}

func cardTemplate(childIDs ...string) *block.Block {
	root := &block.Block{ID: "c-root", Element: "div", BaseStyles: block.StyleMap{"padding": "4px"}}
	for _, id := range childIDs {
		root.Children = append(root.Children, &block.Block{ID: id, Element: "p", InnerHTML: id})
	}
	return root
}

// addInstance appends an empty div to the root of pageID and binds it to name.
func (e *env) addInstance(t *testing.T, pageID, name string) string {
	t.Helper()
	ctx := context.Background()
	c, err := e.pages.Open(ctx, pageID)
	require.NoError(t, err)
	id, err := c.AddChild(block.RootID, block.New("div"), -1, false)
	require.NoError(t, err)
	require.NoError(t, c.ExtendComponent(ctx, id, name))
	return id
}

// ─────────────────────────────────────────────────────────────
// Pages
// ─────────────────────────────────────────────────────────────

func TestPageService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	p, err := e.pages.CreatePage(ctx, "Home", "/")
	require.NoError(t, err)
	root, err := block.Parse([]byte(p.DraftBlocks))
	require.NoError(t, err)
	assert.Equal(t, block.RootID, root.ID)

	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	again, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	assert.Same(t, c, again, "opening twice returns the same session")
	assert.Equal(t, []string{p.ID}, e.pages.OpenPages())

	assert.False(t, c.IsDirty())
	id, err := c.AddChild(block.RootID, block.New("section"), -1, true)
	require.NoError(t, err)
	assert.True(t, c.IsDirty())

	require.NoError(t, e.pages.Save(ctx, p.ID, service.TriggerManual))
	assert.False(t, c.IsDirty())

	stored, err := e.pages.GetPage(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.DraftBlocks, id)

	require.NoError(t, e.pages.Publish(ctx, p.ID))
	stored, err = e.pages.GetPage(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Published)
	assert.Equal(t, stored.DraftBlocks, stored.PublishedBlocks)

	require.NoError(t, e.pages.Close(ctx, p.ID))
	_, err = e.pages.Canvas(p.ID)
	assert.ErrorIs(t, err, service.ErrPageNotOpen)
	assert.ErrorIs(t, e.pages.Close(ctx, p.ID), service.ErrPageNotOpen)

	assert.Equal(t, []string{
		service.EventPageOpened,
		service.EventPageSaved,
		service.EventPageSaved,
		service.EventPagePublished,
		service.EventPageClosed,
	}, e.emitter.Names())
}

func TestPageService_CloseSavesChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "About", "/about")
	require.NoError(t, err)

	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, c.SetStyle(block.RootID, "color", "red"))
	require.NoError(t, e.pages.Close(ctx, p.ID))

	stored, err := e.pages.GetPage(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.DraftBlocks, `"color":"red"`)
}

func TestPageService_SaveDirtyOnlyWritesChangedPages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, err := e.pages.CreatePage(ctx, "A", "/a")
	require.NoError(t, err)
	b, err := e.pages.CreatePage(ctx, "B", "/b")
	require.NoError(t, err)

	ca, err := e.pages.Open(ctx, a.ID)
	require.NoError(t, err)
	_, err = e.pages.Open(ctx, b.ID)
	require.NoError(t, err)

	require.NoError(t, ca.SetStyle(block.RootID, "color", "blue"))
	n, err := e.pages.SaveDirty(ctx, service.TriggerAutosave)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.pages.SaveDirty(ctx, service.TriggerAutosave)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPageService_Autosave(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "Blog", "/blog")
	require.NoError(t, err)
	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)

	assert.Error(t, e.pages.StartAutosave("not a schedule"))
	require.NoError(t, e.pages.StartAutosave("@every 1s"))
	require.NoError(t, c.SetStyle(block.RootID, "color", "green"))

	assert.Eventually(t, func() bool {
		return !c.IsDirty()
	}, 5*time.Second, 50*time.Millisecond)

	stored, err := e.pages.GetPage(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.DraftBlocks, `"color":"green"`)
}

func TestPageService_HistorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "Home", "/")
	require.NoError(t, err)

	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, c.SetStyle(block.RootID, "color", "red"))
	require.NoError(t, c.Commit())
	require.NoError(t, e.pages.Close(ctx, p.ID))

	entries, err := e.history.ListEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "baseline plus one commit")

	c, err = e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	undo, redo := c.HistoryLen()
	assert.Equal(t, 1, undo)
	assert.Zero(t, redo)

	ok, err := c.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	styles, err := c.Styles(block.RootID)
	require.NoError(t, err)
	assert.NotEqual(t, "red", styles["color"])
}

func TestPageService_ReopenAfterUndoThenCommit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "Home", "/")
	require.NoError(t, err)

	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	color := func() string {
		styles, err := c.Styles(block.RootID)
		require.NoError(t, err)
		return styles["color"]
	}
	for _, v := range []string{"red", "blue"} {
		require.NoError(t, c.SetStyle(block.RootID, "color", v))
		require.NoError(t, c.Commit())
	}
	ok, err := c.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.SetStyle(block.RootID, "color", "green"))
	require.NoError(t, c.Commit())
	require.NoError(t, e.pages.Close(ctx, p.ID))

	c, err = e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "green", color())
	undo, redo := c.HistoryLen()
	assert.Equal(t, 2, undo)
	assert.Zero(t, redo, "the undone branch is gone")

	ok, err = c.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "red", color(), "undo skips the discarded blue entry")
}

func TestPageService_ReopenKeepsRedo(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "Home", "/")
	require.NoError(t, err)

	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	for _, v := range []string{"red", "blue"} {
		require.NoError(t, c.SetStyle(block.RootID, "color", v))
		require.NoError(t, c.Commit())
	}
	ok, err := c.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.pages.Close(ctx, p.ID))

	c, err = e.pages.Open(ctx, p.ID)
	require.NoError(t, err)
	undo, redo := c.HistoryLen()
	assert.Equal(t, 2, undo)
	assert.Equal(t, 1, redo)

	ok, err = c.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	styles, err := c.Styles(block.RootID)
	require.NoError(t, err)
	assert.Equal(t, "blue", styles["color"])
}

func TestPageService_DeletePageClosesSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "Tmp", "/tmp")
	require.NoError(t, err)
	_, err = e.pages.Open(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, e.pages.DeletePage(ctx, p.ID))
	assert.Empty(t, e.pages.OpenPages())
	_, err = e.pages.Open(ctx, p.ID)
	assert.Error(t, err)
}

// ─────────────────────────────────────────────────────────────
// Components
// ─────────────────────────────────────────────────────────────

func TestComponentService_SyncEverywhere(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.components.Save(ctx, "card", cardTemplate("t1"))
	require.NoError(t, err)

	open, err := e.pages.CreatePage(ctx, "Open", "/open")
	require.NoError(t, err)
	stored, err := e.pages.CreatePage(ctx, "Stored", "/stored")
	require.NoError(t, err)

	openInstance := e.addInstance(t, open.ID, "card")
	storedInstance := e.addInstance(t, stored.ID, "card")
	require.NoError(t, e.pages.Close(ctx, stored.ID))

	_, err = e.components.Save(ctx, "card", cardTemplate("t1", "t2"))
	require.NoError(t, err)

	report, err := e.components.SyncEverywhere(ctx, "card")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Canvases)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 2, report.Inserted)

	c, err := e.pages.Canvas(open.ID)
	require.NoError(t, err)
	inst, err := c.Block(openInstance)
	require.NoError(t, err)
	assert.Len(t, inst.Children, 2)

	page, err := e.pages.GetPage(ctx, stored.ID)
	require.NoError(t, err)
	root, err := block.Parse([]byte(page.DraftBlocks))
	require.NoError(t, err)
	synced := block.NewTree(root).Find(storedInstance)
	require.NotNil(t, synced)
	assert.Len(t, synced.Children, 2)

	assert.Contains(t, e.emitter.Names(), service.EventComponentSynced)

	report, err = e.components.SyncEverywhere(ctx, "card")
	require.NoError(t, err)
	assert.Zero(t, report.Inserted, "a second run has nothing to add")
}

func TestComponentService_SyncEverywhereUnknownComponent(t *testing.T) {
	e := newEnv(t)
	_, err := e.components.SyncEverywhere(context.Background(), "ghost")
	assert.ErrorIs(t, err, component.ErrNotFound)

	_, err = e.components.SyncEverywhere(context.Background(), "../bad")
	assert.ErrorIs(t, err, component.ErrInvalidName)
}

// stalledPages holds ListPages until release is closed.
type stalledPages struct {
	*storage.PageStore
	entered chan struct{}
	release chan struct{}
}

func (p *stalledPages) ListPages(ctx context.Context) ([]domain.Page, error) {
	close(p.entered)
	<-p.release
	return p.PageStore.ListPages(ctx)
}

func TestComponentService_WaitCoversBackgroundSync(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.components.Save(ctx, "card", cardTemplate("t1"))
	require.NoError(t, err)

	pages := &stalledPages{PageStore: e.pageStore, entered: make(chan struct{}), release: make(chan struct{})}
	components := service.NewComponentService(e.registry, storage.NewComponentStore(e.db), pages, e.pages, e.emitter, nil, nil)

	components.SyncInBackground("card", time.Minute)
	<-pages.entered
	assert.Equal(t, []string{"card"}, components.Running())
	_, err = components.SyncEverywhere(ctx, "card")
	assert.ErrorIs(t, err, service.ErrSyncRunning)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, components.Wait(short), context.DeadlineExceeded, "the run still holds the store")

	close(pages.release)
	require.NoError(t, components.Wait(ctx))
	assert.Empty(t, components.Running())
}

func TestComponentService_DeleteRefusesUsedComponent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.components.Save(ctx, "card", cardTemplate("t1"))
	require.NoError(t, err)
	_, err = e.components.Save(ctx, "badge", cardTemplate())
	require.NoError(t, err)

	p, err := e.pages.CreatePage(ctx, "Home", "/")
	require.NoError(t, err)
	e.addInstance(t, p.ID, "card")

	used, err := e.components.IsUsed(ctx, "card")
	require.NoError(t, err)
	assert.True(t, used)
	assert.ErrorIs(t, e.components.Delete(ctx, "card"), service.ErrComponentInUse)

	// Still used once the page is closed and only the stored draft has it.
	require.NoError(t, e.pages.Close(ctx, p.ID))
	assert.ErrorIs(t, e.components.Delete(ctx, "card"), service.ErrComponentInUse)

	names, err := e.components.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"badge", "card"}, names)

	require.NoError(t, e.components.Delete(ctx, "badge"))
	_, err = e.components.Get(ctx, "badge")
	assert.ErrorIs(t, err, component.ErrNotFound)
}

func TestComponentService_UsedByOtherTemplate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.components.Save(ctx, "badge", cardTemplate())
	require.NoError(t, err)
	outer := cardTemplate()
	outer.ID = "o-root"
	outer.Children = []*block.Block{{ID: "o1", Element: "div", ExtendedFromComponent: "badge"}}
	_, err = e.components.Save(ctx, "panel", outer)
	require.NoError(t, err)

	used, err := e.components.IsUsed(ctx, "badge")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestComponentService_SaveFromBlock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p, err := e.pages.CreatePage(ctx, "Home", "/")
	require.NoError(t, err)
	c, err := e.pages.Open(ctx, p.ID)
	require.NoError(t, err)

	section := &block.Block{ID: "hero", Element: "section", BaseStyles: block.StyleMap{"color": "red"}}
	section.Children = []*block.Block{{ID: "title", Element: "h1", InnerHTML: "Hi"}}
	_, err = c.AddChild(block.RootID, section, -1, false)
	require.NoError(t, err)

	doc, err := e.components.SaveFromBlock(ctx, p.ID, "hero", "hero")
	require.NoError(t, err)
	assert.NotEqual(t, "hero", doc.Block.ID, "the template gets its own ids")
	assert.Len(t, doc.Block.Children, 1)

	inst, err := c.Block("hero")
	require.NoError(t, err)
	assert.Equal(t, "hero", inst.ExtendedFromComponent)
	styles, err := c.Styles("hero")
	require.NoError(t, err)
	assert.Equal(t, "red", styles["color"], "styles now come from the template")

	_, err = e.components.SaveFromBlock(ctx, p.ID, block.RootID, "body")
	assert.ErrorIs(t, err, block.ErrRootImmutable)
}

func TestUsesComponent_ScansSerializedTree(t *testing.T) {
	data := `{"blockId":"root","children":[{"blockId":"a","children":[{"blockId":"b","extendedFromComponent":"card"}]}]}`
	assert.True(t, service.UsesComponent(data, "card"))
	assert.False(t, service.UsesComponent(data, "hero"))
	assert.False(t, service.UsesComponent("", "card"))
	assert.False(t, service.UsesComponent("{broken", "card"))
}
