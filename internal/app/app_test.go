package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"builder/internal/block"
	"builder/internal/config"
	"builder/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "builder.db")
	cfg.History.Debounce = 10 * time.Millisecond
	cfg.Autosave.Schedule = "@every 1s"
	return cfg
}

func TestApp_ExportPage(t *testing.T) {
	ctx := context.Background()
	a, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NoError(t, a.Start())

	p, err := a.Pages().CreatePage(ctx, "Home", "/")
	require.NoError(t, err)

	data, err := a.ExportPage(ctx, p.ID, false)
	require.NoError(t, err)
	root, err := block.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, block.RootID, root.ID)

	_, err = a.ExportPage(ctx, p.ID, true)
	assert.Error(t, err, "never published")
}

func TestApp_FileComponentsAreWatched(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Components.Dir = filepath.Join(t.TempDir(), "components")
	cfg.Autosave.Enabled = false

	a, err := New(cfg, logging.NewDevelopment())
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NotNil(t, a.watcher)

	tpl := &block.Block{ID: "c-root", Element: "div", Children: []*block.Block{{ID: "t1", Element: "p"}}}
	_, err = a.Components().Save(ctx, "card", tpl)
	require.NoError(t, err)

	p, err := a.Pages().CreatePage(ctx, "Home", "/")
	require.NoError(t, err)
	c, err := a.Pages().Open(ctx, p.ID)
	require.NoError(t, err)
	id, err := c.AddChild(block.RootID, block.New("div"), -1, false)
	require.NoError(t, err)
	require.NoError(t, c.ExtendComponent(ctx, id, "card"))

	tpl.Children = append(tpl.Children, &block.Block{ID: "t2", Element: "p"})
	_, err = a.Components().Save(ctx, "card", tpl)
	require.NoError(t, err)

	// The file write reaches the watcher, which syncs the open page.
	assert.Eventually(t, func() bool {
		b, err := c.Block(id)
		return err == nil && len(b.Children) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_StartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Autosave.Schedule = "every so often"
	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())
	assert.Error(t, a.Start())
}

func TestApp_CloseWaitsForTemplateSync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Autosave.Enabled = false
	a, err := New(cfg, nil)
	require.NoError(t, err)

	tpl := &block.Block{ID: "c-root", Element: "div", Children: []*block.Block{{ID: "t1", Element: "p"}}}
	_, err = a.Components().Save(ctx, "card", tpl)
	require.NoError(t, err)
	for range 5 {
		_, err := a.Pages().CreatePage(ctx, "Page", "")
		require.NoError(t, err)
	}

	a.onTemplateChanged("card")
	require.NoError(t, a.Close(ctx))
	assert.Empty(t, a.Components().Running())
}
