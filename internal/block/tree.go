package block

import (
	"errors"
	"fmt"

	"builder/internal/idgen"
)

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrNotAChild          = errors.New("block is not a child of the given parent")
	ErrCannotHaveChildren = errors.New("block cannot have children")
	ErrRootImmutable      = errors.New("root block cannot be removed or moved")
	ErrCycle              = errors.New("block cannot be placed inside itself")
)

// Tree indexes a block hierarchy by id and tracks each node's parent.
//
// Tree is not safe for concurrent use; the canvas that owns it serializes access.
// Pointers returned by Find are live: field edits through them are allowed,
// structural edits (Children, ID) must go through the Tree. Call MarkChanged
// after direct field edits so observers see them.
type Tree struct {
	root     *Block
	index    map[string]*Block
	parents  map[string]string
	onChange func()
}

// NewTree indexes root. A nil root is replaced by an empty body block.
// Duplicate ids inside the hierarchy are regenerated.
func NewTree(root *Block) *Tree {
	t := &Tree{}
	t.reset(root)
	return t
}

func (t *Tree) reset(root *Block) {
	if root == nil {
		root = &Block{Element: "div", OriginalElement: ElementBody}
		root.normalize()
	}
	root.ID = idgen.RootID
	t.root = root
	t.index = map[string]*Block{root.ID: root}
	t.parents = map[string]string{}
	for _, c := range root.Children {
		t.adopt(root, c)
	}
}

// adopt indexes n (and its subtree) under parent, fixing missing or colliding ids.
func (t *Tree) adopt(parent, n *Block) {
	n.normalize()
	if n.ID == "" || n.ID == idgen.RootID {
		n.ID = newID()
	}
	if _, taken := t.index[n.ID]; taken {
		n.ID = newID()
	}
	t.index[n.ID] = n
	t.parents[n.ID] = parent.ID
	for _, c := range n.Children {
		t.adopt(n, c)
	}
}

func (t *Tree) forget(n *Block) {
	n.Walk(func(d *Block) bool {
		delete(t.index, d.ID)
		delete(t.parents, d.ID)
		return true
	})
}

// SetOnChange registers a callback invoked after every mutation.
func (t *Tree) SetOnChange(fn func()) { t.onChange = fn }

// MarkChanged notifies observers of an edit made through a live pointer.
func (t *Tree) MarkChanged() {
	if t.onChange != nil {
		t.onChange()
	}
}

func (t *Tree) Root() *Block { return t.root }
func (t *Tree) Len() int     { return len(t.index) }

// Find returns the block with id, or nil.
func (t *Tree) Find(id string) *Block { return t.index[id] }

func (t *Tree) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Parent returns the parent of id, or nil for the root and unknown ids.
func (t *Tree) Parent(id string) *Block {
	pid, ok := t.parents[id]
	if !ok {
		return nil
	}
	return t.index[pid]
}

// Ancestors returns the chain from the direct parent of id up to the root.
func (t *Tree) Ancestors(id string) []*Block {
	var out []*Block
	for p := t.Parent(id); p != nil; p = t.Parent(p.ID) {
		out = append(out, p)
	}
	return out
}

// RepeaterParent returns the closest repeater above id, or nil.
func (t *Tree) RepeaterParent(id string) *Block {
	for _, p := range t.Ancestors(id) {
		if p.IsRepeater() {
			return p
		}
	}
	return nil
}

func (t *Tree) IsInsideRepeater(id string) bool { return t.RepeaterParent(id) != nil }

// Sibling returns the next (or previous) sibling of id.
func (t *Tree) Sibling(id string, next bool) *Block {
	parent := t.Parent(id)
	if parent == nil {
		return nil
	}
	i := parent.ChildIndex(id)
	if next {
		i++
	} else {
		i--
	}
	if i < 0 || i >= len(parent.Children) {
		return nil
	}
	return parent.Children[i]
}

// Update applies fn to the block with id and notifies observers.
func (t *Tree) Update(id string, fn func(*Block)) error {
	b := t.Find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	fn(b)
	t.MarkChanged()
	return nil
}

// AddChild inserts a detached block under parentID at index, clamped to
// [0, len(children)]. A negative index appends. The inserted block is returned
// with any id fixups applied.
func (t *Tree) AddChild(parentID string, child *Block, index int) (*Block, error) {
	parent := t.Find(parentID)
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, parentID)
	}
	if child.Contains(parent) {
		return nil, ErrCycle
	}
	if existing := t.Find(child.ID); existing == child {
		return nil, fmt.Errorf("add child %s: block is already attached", child.ID)
	}
	t.insert(parent, child, index)
	t.MarkChanged()
	return child, nil
}

func (t *Tree) insert(parent, child *Block, index int) {
	if index < 0 || index > len(parent.Children) {
		index = len(parent.Children)
	}
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[index+1:], parent.Children[index:])
	parent.Children[index] = child
	t.adopt(parent, child)
}

// AddChildAfter inserts child right after siblingID under the same parent.
func (t *Tree) AddChildAfter(siblingID string, child *Block) (*Block, error) {
	parent := t.Parent(siblingID)
	if parent == nil {
		return nil, fmt.Errorf("%w: parent of %s", ErrBlockNotFound, siblingID)
	}
	return t.AddChild(parent.ID, child, parent.ChildIndex(siblingID)+1)
}

// RemoveChild detaches the direct child childID from parentID.
func (t *Tree) RemoveChild(parentID, childID string) (*Block, error) {
	parent := t.Find(parentID)
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, parentID)
	}
	i := parent.ChildIndex(childID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotAChild, childID, parentID)
	}
	child := t.detach(parent, i)
	t.MarkChanged()
	return child, nil
}

func (t *Tree) detach(parent *Block, i int) *Block {
	child := parent.Children[i]
	parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
	t.forget(child)
	return child
}

// Remove detaches id from wherever it sits.
func (t *Tree) Remove(id string) (*Block, error) {
	if id == t.root.ID {
		return nil, ErrRootImmutable
	}
	parent := t.Parent(id)
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	return t.RemoveChild(parent.ID, id)
}

// ReplaceChild swaps the direct child oldID for replacement at the same position.
func (t *Tree) ReplaceChild(parentID, oldID string, replacement *Block) error {
	parent := t.Find(parentID)
	if parent == nil {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, parentID)
	}
	i := parent.ChildIndex(oldID)
	if i < 0 {
		return fmt.Errorf("%w: %s in %s", ErrNotAChild, oldID, parentID)
	}
	t.detach(parent, i)
	t.insert(parent, replacement, i)
	t.MarkChanged()
	return nil
}

// SetChildren drops every child of parentID and adopts children instead.
func (t *Tree) SetChildren(parentID string, children []*Block) error {
	parent := t.Find(parentID)
	if parent == nil {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, parentID)
	}
	for len(parent.Children) > 0 {
		t.detach(parent, len(parent.Children)-1)
	}
	for _, c := range children {
		t.insert(parent, c, -1)
	}
	t.MarkChanged()
	return nil
}

// Move reparents id under newParentID at index (clamped).
func (t *Tree) Move(id, newParentID string, index int) error {
	if id == t.root.ID {
		return ErrRootImmutable
	}
	b := t.Find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	target := t.Find(newParentID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, newParentID)
	}
	if b.Contains(target) {
		return ErrCycle
	}
	parent := t.Parent(id)
	t.detach(parent, parent.ChildIndex(id))
	t.insert(target, b, index)
	t.MarkChanged()
	return nil
}

// Replace swaps the whole hierarchy for root.
func (t *Tree) Replace(root *Block) {
	t.reset(root)
	t.MarkChanged()
}

// Walk visits every block depth-first with its depth below the root.
func (t *Tree) Walk(fn func(b *Block, depth int) bool) {
	var visit func(b *Block, depth int) bool
	visit = func(b *Block, depth int) bool {
		if !fn(b, depth) {
			return false
		}
		for _, c := range b.Children {
			if !visit(c, depth+1) {
				return false
			}
		}
		return true
	}
	visit(t.root, 0)
}
