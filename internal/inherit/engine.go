package inherit

import (
	"errors"
	"fmt"
	"slices"

	"builder/internal/block"
	"builder/internal/idgen"
	"builder/internal/logging"

	"go.uber.org/zap"
)

var (
	// ErrNotInstance is returned when reset or sync targets a block that does
	// not extend a component.
	ErrNotInstance = errors.New("block is not a component instance")
	// ErrTemplateNotLoaded is returned when a component template is not
	// cached. Callers load templates through the registry first.
	ErrTemplateNotLoaded = errors.New("component template not loaded")
)

// Engine aligns instance subtrees with their component templates.
// Templates are only read; every write lands in the instance tree.
type Engine struct {
	templates Templates
	log       *zap.Logger
}

func NewEngine(templates Templates, logger *zap.Logger) *Engine {
	return &Engine{
		templates: templates,
		log:       logging.OrNop(logger).Named("inherit"),
	}
}

func (e *Engine) template(name string) (*block.Block, error) {
	if e.templates != nil {
		if tpl := e.templates.Template(name); tpl != nil {
			return tpl, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotLoaded, name)
}

// requireTemplates checks that every named template, and every component
// those templates use, is loaded. The tree is only touched once it passes.
func (e *Engine) requireTemplates(names ...string) error {
	seen := map[string]bool{}
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		tpl, err := e.template(name)
		if err != nil {
			return err
		}
		var nestedErr error
		tpl.Walk(func(n *block.Block) bool {
			if n.ExtendedFromComponent != "" {
				nestedErr = visit(n.ExtendedFromComponent)
			}
			return nestedErr == nil
		})
		return nestedErr
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// nestedNames lists the components extended below b.
func nestedNames(b *block.Block) []string {
	var names []string
	for _, child := range b.Children {
		child.Walk(func(n *block.Block) bool {
			if n.ExtendedFromComponent != "" {
				names = append(names, n.ExtendedFromComponent)
			}
			return true
		})
	}
	return names
}

// path tracks the components being expanded so a template that contains an
// instance of itself is not expanded again.
type path []string

func (p path) with(name string) path {
	return append(slices.Clip(p), name)
}

func (p path) has(name string) bool {
	return slices.Contains(p, name)
}

// ─────────────────────────────────────────────────────────────
// Extend
// ─────────────────────────────────────────────────────────────

// Extend turns block id into an instance of component name.
//
// Own overrides are wiped on the instance and on every descendant that is not
// a nested instance. Children are paired with template children by position:
// each is tagged as a descendant of name and bound to its counterpart. Nested
// instances keep their overrides and are re-extended from their own component.
// Template children with no positional counterpart are appended as fresh
// bound copies, extra instance children are kept but left unbound.
func (e *Engine) Extend(t *block.Tree, id, name string) error {
	if id == idgen.RootID {
		return block.ErrRootImmutable
	}
	b := t.Find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", block.ErrBlockNotFound, id)
	}
	if err := e.requireTemplates(append(nestedNames(b), name)...); err != nil {
		return err
	}
	tpl, _ := e.template(name)
	b.ExtendedFromComponent = name
	e.extend(t, b, name, tpl.Children, true, path{name})
	t.MarkChanged()
	e.log.Debug("extended block", zap.String("block", id), zap.String("component", name))
	return nil
}

func (e *Engine) extend(t *block.Tree, b *block.Block, name string, tplChildren []*block.Block, resetOverrides bool, p path) {
	if resetOverrides {
		b.ClearOverrides()
	}
	for i, child := range slices.Clone(b.Children) {
		child.IsChildOfComponent = name
		var tc *block.Block
		if i < len(tplChildren) {
			tc = tplChildren[i]
		}
		switch {
		case child.ExtendedFromComponent != "":
			if tc != nil {
				child.ReferenceBlockID = tc.ID
			}
			if nested, err := e.template(child.ExtendedFromComponent); err == nil && !p.has(child.ExtendedFromComponent) {
				e.extend(t, child, child.ExtendedFromComponent, nested.Children, false, p.with(child.ExtendedFromComponent))
			}
		case tc != nil:
			child.ReferenceBlockID = tc.ID
			e.extend(t, child, name, tc.Children, resetOverrides, p)
		}
	}
	for i := len(b.Children); i < len(tplChildren); i++ {
		cp := e.boundCopy(tplChildren[i], name, resetOverrides, p)
		if _, err := t.AddChild(b.ID, cp, -1); err != nil {
			e.log.Warn("append template child", zap.String("block", b.ID), zap.Error(err))
		}
	}
}

// ─────────────────────────────────────────────────────────────
// Reset
// ─────────────────────────────────────────────────────────────

// Reset discards every local customization of instance id and rebuilds its
// subtree as fresh bound copies of the template. The instance keeps its id.
// Callers wrap it in a history batch so it lands as one undo step.
func (e *Engine) Reset(t *block.Tree, id string) error {
	b := t.Find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", block.ErrBlockNotFound, id)
	}
	if b.ExtendedFromComponent == "" {
		return fmt.Errorf("%w: %s", ErrNotInstance, id)
	}
	name := b.ExtendedFromComponent
	if err := e.requireTemplates(name); err != nil {
		return err
	}
	tpl, _ := e.template(name)
	scratch := &block.Block{}
	e.rebuild(scratch, name, tpl.Children, true, path{name})
	b.ClearOverrides()
	if err := t.SetChildren(id, scratch.Children); err != nil {
		return err
	}
	e.log.Debug("reset instance", zap.String("block", id), zap.String("component", name))
	return nil
}

// rebuild replaces b's children with bound copies of tplChildren.
func (e *Engine) rebuild(b *block.Block, name string, tplChildren []*block.Block, resetOverrides bool, p path) {
	if resetOverrides {
		b.ClearOverrides()
	}
	b.Children = make([]*block.Block, 0, len(tplChildren))
	for _, tc := range tplChildren {
		cp := tc.CloneNode()
		cp.ID = idgen.BlockID()
		cp.IsChildOfComponent = name
		cp.ReferenceBlockID = tc.ID
		b.Children = append(b.Children, cp)

		if nestedName := tc.ExtendedFromComponent; nestedName != "" {
			if nested, err := e.template(nestedName); err == nil && !p.has(nestedName) {
				e.rebuild(cp, nestedName, nested.Children, false, p.with(nestedName))
			}
			continue
		}
		e.rebuild(cp, name, tc.Children, resetOverrides, p)
	}
}

// boundCopy is a detached fresh copy of one template node bound to it.
func (e *Engine) boundCopy(tc *block.Block, name string, resetOverrides bool, p path) *block.Block {
	scratch := &block.Block{}
	e.rebuild(scratch, name, []*block.Block{tc}, resetOverrides, p)
	return scratch.Children[0]
}

// ─────────────────────────────────────────────────────────────
// Sync
// ─────────────────────────────────────────────────────────────

// Sync merges template changes into instance id without touching overrides.
//
// Every template child with no bound counterpart anywhere in the instance gets
// a fresh bound copy inserted at the template's position. Instance children
// whose template node was deleted are kept: instances never lose content
// because the template shrank. Nested instances are synced against their own
// component. Returns the number of inserted blocks.
func (e *Engine) Sync(t *block.Tree, id string) (int, error) {
	b := t.Find(id)
	if b == nil {
		return 0, fmt.Errorf("%w: %s", block.ErrBlockNotFound, id)
	}
	if b.ExtendedFromComponent == "" {
		return 0, fmt.Errorf("%w: %s", ErrNotInstance, id)
	}
	name := b.ExtendedFromComponent
	if err := e.requireTemplates(append(nestedNames(b), name)...); err != nil {
		return 0, err
	}
	tpl, _ := e.template(name)
	inserted := e.sync(t, b, b, name, tpl.Children, path{name})
	if inserted > 0 {
		e.log.Debug("synced instance",
			zap.String("block", id), zap.String("component", name), zap.Int("inserted", inserted))
	}
	return inserted, nil
}

func (e *Engine) sync(t *block.Tree, instance, b *block.Block, name string, tplChildren []*block.Block, p path) int {
	inserted := 0
	for i, tc := range tplChildren {
		if FindComponentBlock(tc.ID, instance.Children) != nil {
			continue
		}
		cp := e.boundCopy(tc, name, true, p)
		if _, err := t.AddChild(b.ID, cp, i); err != nil {
			e.log.Warn("insert template child", zap.String("block", b.ID), zap.Error(err))
			continue
		}
		inserted++
	}

	for _, child := range slices.Clone(b.Children) {
		if nestedName := child.ExtendedFromComponent; nestedName != "" {
			if nested, err := e.template(nestedName); err == nil && !p.has(nestedName) {
				inserted += e.sync(t, child, child, nestedName, nested.Children, p.with(nestedName))
			}
			continue
		}
		idx := slices.IndexFunc(tplChildren, func(tc *block.Block) bool { return tc.ID == child.ReferenceBlockID })
		if idx < 0 {
			continue
		}
		inserted += e.sync(t, instance, child, name, tplChildren[idx].Children, p)
	}
	return inserted
}

// SyncAll syncs every instance of component name in the tree, nested ones included.
func (e *Engine) SyncAll(t *block.Tree, name string) (int, error) {
	total := 0
	for _, id := range Instances(t, name) {
		n, err := e.Sync(t, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Instances lists the ids of every block extending name.
func Instances(t *block.Tree, name string) []string {
	var ids []string
	t.Walk(func(b *block.Block, _ int) bool {
		if b.ExtendedFromComponent == name {
			ids = append(ids, b.ID)
		}
		return true
	})
	return ids
}
