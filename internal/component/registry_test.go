package component_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"builder/internal/block"
	"builder/internal/component"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves templates from memory and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	docs    map[string]*component.Document
	err     error
	gate    chan struct{}
	fetches atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{docs: map[string]*component.Document{}}
}

func (s *fakeSource) put(name string, root *block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = &component.Document{Name: name, ComponentName: "Display " + name, Block: root}
}

func (s *fakeSource) FetchByName(ctx context.Context, name string) (*component.Document, error) {
	s.fetches.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	doc, ok := s.docs[name]
	if !ok {
		return nil, component.ErrNotFound
	}
	return doc, nil
}

func (s *fakeSource) Save(ctx context.Context, name string, root *block.Block) (*component.Document, error) {
	s.put(name, root)
	return &component.Document{Name: name, Block: root}, nil
}

func cardTemplate() *block.Block {
	root := block.MustTemplate(block.TemplateContainer)
	root.SetStyle(block.Desktop, "color", "red")
	return root
}

func TestRegistry_LoadCaches(t *testing.T) {
	src := newFakeSource()
	src.put("card", cardTemplate())
	reg := component.NewRegistry(src, nil, nil)

	doc, err := reg.Load(context.Background(), "card")
	require.NoError(t, err)
	assert.Equal(t, "red", doc.Block.BaseStyles["color"])
	assert.False(t, doc.Missing)

	_, err = reg.Load(context.Background(), "card")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.fetches.Load())
	assert.Equal(t, "Display card", reg.ComponentName("card"))
	assert.Equal(t, "other", reg.ComponentName("other"))
}

func TestRegistry_LoadSingleFlight(t *testing.T) {
	src := newFakeSource()
	src.put("card", cardTemplate())
	src.gate = make(chan struct{})
	reg := component.NewRegistry(src, nil, nil)

	var wg sync.WaitGroup
	results := make([]*component.Document, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := reg.Load(context.Background(), "card")
			assert.NoError(t, err)
			results[i] = doc
		}()
	}
	assert.Eventually(t, func() bool { return src.fetches.Load() == 1 }, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.fetches.Load())
	for _, doc := range results {
		assert.Equal(t, results[0].Block.ID, doc.Block.ID)
	}
}

func TestRegistry_LoadNotFoundCachesPlaceholder(t *testing.T) {
	src := newFakeSource()
	reg := component.NewRegistry(src, nil, nil)

	doc, err := reg.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, doc.Missing)
	assert.Equal(t, "missing-component", doc.Block.BlockName)

	_, err = reg.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.fetches.Load(), "not-found is not retried")

	src.put("ghost", cardTemplate())
	reg.Invalidate("ghost")
	doc, err = reg.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, doc.Missing)
}

func TestRegistry_LoadErrorRetries(t *testing.T) {
	src := newFakeSource()
	src.put("card", cardTemplate())
	src.err = errors.New("connection reset")
	reg := component.NewRegistry(src, nil, nil)

	doc, err := reg.Load(context.Background(), "card")
	require.Error(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.Missing)
	assert.NotNil(t, reg.Template("card"), "placeholder keeps the tree renderable")

	src.err = nil
	doc, err = reg.Load(context.Background(), "card")
	require.NoError(t, err)
	assert.False(t, doc.Missing)
	assert.Equal(t, int32(2), src.fetches.Load())
}

func TestRegistry_SetStoresPrivateCopy(t *testing.T) {
	reg := component.NewRegistry(newFakeSource(), nil, nil)
	root := cardTemplate()
	reg.Set(&component.Document{Name: "card", Block: root})

	root.BaseStyles["color"] = "blue"
	assert.Equal(t, "red", reg.Template("card").BaseStyles["color"])
}

func TestRegistry_InvalidateNotifies(t *testing.T) {
	reg := component.NewRegistry(newFakeSource(), nil, nil)
	var got []string
	reg.OnChange(func(name string) { got = append(got, name) })

	reg.Set(&component.Document{Name: "card", Block: cardTemplate()})
	reg.Invalidate("card")
	assert.Equal(t, []string{"card", "card"}, got)
	assert.Nil(t, reg.Template("card"))
}

func TestRegistry_Save(t *testing.T) {
	src := newFakeSource()
	reg := component.NewRegistry(src, nil, nil)

	_, err := reg.Save(context.Background(), "bad name!", cardTemplate())
	assert.ErrorIs(t, err, component.ErrInvalidName)

	doc, err := reg.Save(context.Background(), "card", cardTemplate())
	require.NoError(t, err)
	assert.Equal(t, "card", doc.ComponentName)
	assert.Equal(t, []string{"card"}, reg.Names())
	assert.Equal(t, int32(0), src.fetches.Load())
}

func TestRegistry_LoadAll(t *testing.T) {
	src := newFakeSource()
	src.put("a", cardTemplate())
	src.put("b", cardTemplate())
	reg := component.NewRegistry(src, nil, nil)

	require.NoError(t, reg.LoadAll(context.Background(), []string{"a", "b", "c"}))
	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())
	doc, _ := reg.Lookup("c")
	assert.True(t, doc.Missing)
}
