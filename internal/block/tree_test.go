package block_test

import (
	"testing"

	"builder/internal/block"
	"builder/internal/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*block.Tree, *block.Block, *block.Block) {
	t.Helper()
	tree := block.NewTree(block.MustTemplate(block.TemplateBody))
	a, err := tree.AddChild(idgen.RootID, &block.Block{ID: "a", Element: "div"}, -1)
	require.NoError(t, err)
	b, err := tree.AddChild(idgen.RootID, &block.Block{ID: "b", Element: "div"}, -1)
	require.NoError(t, err)
	return tree, a, b
}

func TestTree_NewDefaultsToBody(t *testing.T) {
	tree := block.NewTree(nil)
	assert.Equal(t, idgen.RootID, tree.Root().ID)
	assert.True(t, tree.Root().IsRoot())
	assert.Equal(t, 1, tree.Len())
}

func TestTree_NewFixesDuplicateIDs(t *testing.T) {
	root := block.MustTemplate(block.TemplateBody)
	root.Children = []*block.Block{
		{ID: "x", Element: "div"},
		{ID: "x", Element: "p"},
		{ID: "root", Element: "p"},
	}
	tree := block.NewTree(root)
	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, "x", root.Children[0].ID)
	assert.NotEqual(t, "x", root.Children[1].ID)
	assert.NotEqual(t, idgen.RootID, root.Children[2].ID)
}

func TestTree_AddChildClampsIndex(t *testing.T) {
	tree, a, b := newTestTree(t)

	c, err := tree.AddChild(idgen.RootID, &block.Block{ID: "c", Element: "div"}, 99)
	require.NoError(t, err)
	assert.Equal(t, []*block.Block{a, b, c}, tree.Root().Children)

	d, err := tree.AddChild(idgen.RootID, &block.Block{ID: "d", Element: "div"}, 0)
	require.NoError(t, err)
	assert.Equal(t, d, tree.Root().FirstChild())
	assert.Equal(t, tree.Root(), tree.Parent("d"))
}

func TestTree_AddChildUnknownParent(t *testing.T) {
	tree, _, _ := newTestTree(t)
	_, err := tree.AddChild("nope", block.New("div"), -1)
	assert.ErrorIs(t, err, block.ErrBlockNotFound)
}

func TestTree_AddChildRejectsCycle(t *testing.T) {
	tree, a, _ := newTestTree(t)
	_, err := tree.AddChild(a.ID, a, -1)
	assert.Error(t, err)
}

func TestTree_RemoveChild(t *testing.T) {
	tree, a, b := newTestTree(t)
	_, err := tree.AddChild(a.ID, &block.Block{ID: "a1", Element: "p"}, -1)
	require.NoError(t, err)

	_, err = tree.RemoveChild(b.ID, a.ID)
	assert.ErrorIs(t, err, block.ErrNotAChild)

	removed, err := tree.RemoveChild(idgen.RootID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, removed)
	assert.Nil(t, tree.Find("a1"), "descendants leave the index too")
	assert.Equal(t, []*block.Block{b}, tree.Root().Children)
}

func TestTree_RemoveRoot(t *testing.T) {
	tree, _, _ := newTestTree(t)
	_, err := tree.Remove(idgen.RootID)
	assert.ErrorIs(t, err, block.ErrRootImmutable)
}

func TestTree_ReplaceChildKeepsPosition(t *testing.T) {
	tree, a, b := newTestTree(t)
	repl := &block.Block{ID: "r", Element: "section"}
	require.NoError(t, tree.ReplaceChild(idgen.RootID, a.ID, repl))
	assert.Equal(t, []*block.Block{repl, b}, tree.Root().Children)
	assert.Nil(t, tree.Find(a.ID))
}

func TestTree_Move(t *testing.T) {
	tree, a, b := newTestTree(t)
	require.NoError(t, tree.Move(b.ID, a.ID, 0))
	assert.Equal(t, a, tree.Parent(b.ID))
	assert.ErrorIs(t, tree.Move(a.ID, b.ID, 0), block.ErrCycle)
	assert.ErrorIs(t, tree.Move(idgen.RootID, a.ID, 0), block.ErrRootImmutable)
}

func TestTree_SiblingAndAncestors(t *testing.T) {
	tree, a, b := newTestTree(t)
	assert.Equal(t, b, tree.Sibling(a.ID, true))
	assert.Nil(t, tree.Sibling(a.ID, false))

	child, err := tree.AddChild(b.ID, block.New("p"), -1)
	require.NoError(t, err)
	assert.Equal(t, []*block.Block{b, tree.Root()}, tree.Ancestors(child.ID))
}

func TestTree_OnChangeFires(t *testing.T) {
	tree, a, _ := newTestTree(t)
	calls := 0
	tree.SetOnChange(func() { calls++ })

	require.NoError(t, tree.Update(a.ID, func(b *block.Block) { b.SetStyle(block.Desktop, "color", "red") }))
	_, err := tree.AddChild(a.ID, block.New("p"), -1)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTree_SetChildren(t *testing.T) {
	tree, a, _ := newTestTree(t)
	_, err := tree.AddChild(a.ID, &block.Block{ID: "old", Element: "p"}, -1)
	require.NoError(t, err)

	require.NoError(t, tree.SetChildren(a.ID, []*block.Block{{ID: "new", Element: "p"}}))
	assert.Nil(t, tree.Find("old"))
	assert.Equal(t, a, tree.Parent("new"))
}

func TestTree_RepeaterParent(t *testing.T) {
	tree, a, _ := newTestTree(t)
	require.NoError(t, tree.Update(a.ID, func(b *block.Block) { b.ConvertToRepeater() }))
	inner, err := tree.AddChild(a.ID, &block.Block{ID: "inner", Element: "div"}, -1)
	require.NoError(t, err)
	leaf, err := tree.AddChild(inner.ID, &block.Block{ID: "leaf", Element: "p"}, -1)
	require.NoError(t, err)

	assert.Same(t, a, tree.RepeaterParent(leaf.ID))
	assert.True(t, tree.IsInsideRepeater(leaf.ID))
	assert.False(t, tree.IsInsideRepeater(a.ID))
}
