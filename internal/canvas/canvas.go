// Package canvas is an editing session over one page tree.
//
// A Canvas owns the live block tree, the selection, the active breakpoint and
// the history of the page. Every exported method takes the session lock, so a
// Canvas may be shared between the MCP server, the autosave job and component
// sync runs.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"builder/internal/block"
	"builder/internal/component"
	"builder/internal/history"
	"builder/internal/idgen"
	"builder/internal/inherit"
	"builder/internal/logging"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	// duplicateOffset shifts an absolutely positioned duplicate off its original.
	duplicateOffset = 20
	nudgeStep       = 10
	defaultDisplay  = "flex"
	lastDisplayKey  = "__last_display"
)

// ErrLeavesInstance is returned when a move would take a component
// descendant out of the instance it belongs to.
var ErrLeavesInstance = errors.New("block cannot leave its component instance")

// Components is what a session needs from the component registry.
type Components interface {
	inherit.Templates
	LoadAll(ctx context.Context, names []string) error
}

// Direction for Nudge.
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// Options configures a session.
type Options struct {
	History history.Options
	Logger  *zap.Logger
}

// Canvas is one open page.
type Canvas struct {
	mu sync.Mutex

	pageID     string
	tree       *block.Tree
	selected   []string
	editable   string
	breakpoint block.Breakpoint

	components Components
	resolver   *inherit.Resolver
	engine     *inherit.Engine
	history    *history.Manager
	log        *zap.Logger

	revision uint64
	saved    uint64
}

// New opens a session over root. A nil root starts from an empty body.
func New(pageID string, root *block.Block, components Components, opts Options) (*Canvas, error) {
	log := logging.OrNop(opts.Logger).With(zap.String("page", pageID))
	c := &Canvas{
		pageID:     pageID,
		tree:       block.NewTree(root),
		selected:   []string{},
		breakpoint: block.Desktop,
		components: components,
		resolver:   inherit.NewResolver(components),
		engine:     inherit.NewEngine(components, log),
		log:        log.Named("canvas"),
	}
	if opts.History.Logger == nil {
		opts.History.Logger = log
	}
	h, err := history.New(source{c}, &c.mu, opts.History)
	if err != nil {
		return nil, err
	}
	c.history = h
	c.tree.SetOnChange(c.onTreeChange)
	return c, nil
}

func (c *Canvas) onTreeChange() {
	c.revision++
	c.history.NotifyChange()
}

func (c *Canvas) PageID() string { return c.pageID }

// source adapts the session to history.Source. The history manager only calls
// it with the session lock held.
type source struct{ c *Canvas }

func (s source) Capture() (history.Snapshot, error) {
	data, err := block.Serialize(s.c.tree.Root())
	if err != nil {
		return history.Snapshot{}, err
	}
	return history.Snapshot{Block: string(data), SelectedBlockIDs: slices.Clone(s.c.selected)}, nil
}

func (s source) Apply(snap history.Snapshot) error {
	root, err := block.Parse([]byte(snap.Block))
	if err != nil {
		return err
	}
	s.c.tree.Replace(root)
	s.c.editable = ""
	s.c.setSelection(snap.SelectedBlockIDs)
	return nil
}

func (c *Canvas) find(id string) (*block.Block, error) {
	b := c.tree.Find(id)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", block.ErrBlockNotFound, id)
	}
	return b, nil
}

// ─────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────

// Root returns a deep copy of the current tree.
func (c *Canvas) Root() *block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Root().Clone()
}

// Block returns a deep copy of the block with id.
func (c *Canvas) Block(id string) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// Parent returns the id of the parent of id, "" for the root.
func (c *Canvas) Parent(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.tree.Parent(id); p != nil {
		return p.ID
	}
	return ""
}

// Serialize returns the JSON form of the tree for persistence.
func (c *Canvas) Serialize() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return block.Serialize(c.tree.Root())
}

// Style resolves property on id at the active breakpoint.
func (c *Canvas) Style(id, property string, mode inherit.StyleMode) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return "", err
	}
	v, _ := c.resolver.Style(b, block.KebabToCamel(property), c.breakpoint, mode)
	return v, nil
}

// Styles returns the merged effective styles of id at the active breakpoint.
func (c *Canvas) Styles(id string) (block.StyleMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return nil, err
	}
	return c.resolver.Styles(b, c.breakpoint), nil
}

// Attribute resolves one attribute of id through its component.
func (c *Canvas) Attribute(id, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return "", err
	}
	v, _ := c.resolver.Attribute(b, name)
	return v, nil
}

// Resolved returns id's own fields with content and attributes filled from its component.
func (c *Canvas) Resolved(id string) (*block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return nil, err
	}
	return c.resolver.Resolved(b), nil
}

// UsedComponentNames lists every component the page depends on.
func (c *Canvas) UsedComponentNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver.UsedComponentNames(c.tree.Root())
}

// Instances lists the blocks extending component name.
func (c *Canvas) Instances(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return inherit.Instances(c.tree, name)
}

// ─────────────────────────────────────────────────────────────
// Selection & breakpoint
// ─────────────────────────────────────────────────────────────

func (c *Canvas) Selection() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.selected)
}

// Select replaces the selection. Unknown ids are ignored.
func (c *Canvas) Select(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setSelection(ids)
}

func (c *Canvas) setSelection(ids []string) {
	c.selected = lo.Uniq(lo.Filter(ids, func(id string, _ int) bool { return c.tree.Contains(id) }))
	c.history.NotifySelection(c.selected)
}

// Editable returns the id of the text block last opened for inline editing.
func (c *Canvas) Editable() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editable
}

func (c *Canvas) Breakpoint() block.Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakpoint
}

// SetBreakpoint selects the style layer that style writes go to.
func (c *Canvas) SetBreakpoint(bp block.Breakpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakpoint = bp
}

// ─────────────────────────────────────────────────────────────
// Structure
// ─────────────────────────────────────────────────────────────

// AddChild inserts child under parentID at index (clamped, negative appends)
// and returns the id it was stored under.
func (c *Canvas) AddChild(parentID string, child *block.Block, index int, selectChild bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addChild(parentID, child, index, selectChild)
}

func (c *Canvas) addChild(parentID string, child *block.Block, index int, selectChild bool) (string, error) {
	if child == nil {
		return "", errors.New("add child: nil block")
	}
	parent, err := c.find(parentID)
	if err != nil {
		return "", err
	}
	if !c.resolver.CanHaveChildren(parent) {
		return "", fmt.Errorf("%w: %s", block.ErrCannotHaveChildren, parentID)
	}
	added, err := c.tree.AddChild(parentID, child, index)
	if err != nil {
		return "", err
	}
	c.afterInsert(parent, added, selectChild)
	return added.ID, nil
}

// afterInsert selects the new block, opens text for editing and gives the
// parent a positioning context when the child is positioned.
func (c *Canvas) afterInsert(parent, child *block.Block, selectChild bool) {
	if selectChild {
		c.setSelection([]string{child.ID})
	}
	if child.IsText() {
		c.editable = child.ID
		c.setSelection([]string{child.ID})
	}
	switch c.resolver.StyleValue(child, "position", c.breakpoint) {
	case "absolute", "fixed":
		if c.resolver.StyleValue(parent, "position", c.breakpoint) == "" {
			parent.SetStyle(c.breakpoint, "position", "relative")
			c.tree.MarkChanged()
		}
	}
}

// AddChildAfter inserts child right after siblingID.
func (c *Canvas) AddChildAfter(siblingID string, child *block.Block) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent := c.tree.Parent(siblingID)
	if parent == nil {
		return "", fmt.Errorf("%w: parent of %s", block.ErrBlockNotFound, siblingID)
	}
	return c.addChild(parent.ID, child, parent.ChildIndex(siblingID)+1, true)
}

// RemoveChild detaches childID from parentID. A component descendant is
// hidden instead and removed reports false.
func (c *Canvas) RemoveChild(parentID, childID string) (removed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.find(parentID); err != nil {
		return false, err
	}
	if p := c.tree.Parent(childID); p == nil || p.ID != parentID {
		return false, fmt.Errorf("%w: %s in %s", block.ErrNotAChild, childID, parentID)
	}
	return c.remove(childID, true)
}

// Remove takes id off the page. Component descendants are only hidden: the
// next sync of their instance would bring them back. Outside desktop the
// block is hidden at the active breakpoint unless force is set.
func (c *Canvas) Remove(id string, force bool) (removed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove(id, force)
}

func (c *Canvas) remove(id string, force bool) (bool, error) {
	if id == idgen.RootID {
		return false, block.ErrRootImmutable
	}
	b, err := c.find(id)
	if err != nil {
		return false, err
	}
	if b.IsChildOfComponent != "" || (c.breakpoint != block.Desktop && !force) {
		hide := false
		c.setVisible(b, &hide)
		return false, nil
	}
	if _, err := c.tree.Remove(id); err != nil {
		return false, err
	}
	c.pruneSelection()
	return true, nil
}

func (c *Canvas) pruneSelection() {
	if !c.tree.Contains(c.editable) {
		c.editable = ""
	}
	if slices.ContainsFunc(c.selected, func(id string) bool { return !c.tree.Contains(id) }) {
		c.setSelection(c.selected)
	}
}

// ReplaceChild swaps oldID for replacement at the same position.
func (c *Canvas) ReplaceChild(parentID, oldID string, replacement *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.tree.ReplaceChild(parentID, oldID, replacement); err != nil {
		return err
	}
	c.pruneSelection()
	return nil
}

// MoveChild reorders id within its parent.
func (c *Canvas) MoveChild(id string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent := c.tree.Parent(id)
	if parent == nil {
		if id == idgen.RootID {
			return block.ErrRootImmutable
		}
		return fmt.Errorf("%w: %s", block.ErrBlockNotFound, id)
	}
	return c.tree.Move(id, parent.ID, index)
}

// MoveTo reparents id under parentID at index. A component descendant may
// only move within its own instance.
func (c *Canvas) MoveTo(id, parentID string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent, err := c.find(parentID)
	if err != nil {
		return err
	}
	if !c.resolver.CanHaveChildren(parent) {
		return fmt.Errorf("%w: %s", block.ErrCannotHaveChildren, parentID)
	}
	if b := c.tree.Find(id); b != nil && b.IsChildOfComponent != "" {
		inst := c.instanceOf(b)
		if inst == nil || (inst.ID != parentID && !slices.Contains(c.tree.Ancestors(parentID), inst)) {
			return fmt.Errorf("%w: %s", ErrLeavesInstance, id)
		}
	}
	return c.tree.Move(id, parentID, index)
}

// instanceOf returns the instance root that descendant b belongs to.
func (c *Canvas) instanceOf(b *block.Block) *block.Block {
	for _, a := range c.tree.Ancestors(b.ID) {
		if a.ExtendedFromComponent == b.IsChildOfComponent {
			return a
		}
	}
	return nil
}

// Duplicate inserts a fresh-id copy of id right after it, or at the end of
// the root for the root itself, and selects the copy. It is one history entry.
func (c *Canvas) Duplicate(id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return "", err
	}

	token := c.history.Pause()
	defer func() {
		if rerr := c.history.Resume(token, true, false); rerr != nil {
			c.log.Error("resume after duplicate", zap.Error(rerr))
		}
	}()

	cp := b.Copy()
	if c.resolver.StyleValue(cp, "position", c.breakpoint) == "absolute" {
		for _, prop := range []string{"left", "top"} {
			v := px(c.resolver.StyleValue(cp, prop, c.breakpoint)) + duplicateOffset
			cp.SetStyle(c.breakpoint, prop, formatPx(v))
		}
	}

	var added *block.Block
	if parent := c.tree.Parent(id); parent != nil {
		added, err = c.tree.AddChild(parent.ID, cp, parent.ChildIndex(id)+1)
	} else {
		cp.OriginalElement = ""
		added, err = c.tree.AddChild(c.tree.Root().ID, cp, -1)
	}
	if err != nil {
		return "", err
	}
	c.setSelection([]string{added.ID})
	return added.ID, nil
}

// ─────────────────────────────────────────────────────────────
// Properties
// ─────────────────────────────────────────────────────────────

// Update applies fn to id and records the change.
func (c *Canvas) Update(id string, fn func(*block.Block)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Update(id, fn)
}

// SetStyle writes property into the active breakpoint's layer. An empty
// value deletes it from that layer.
func (c *Canvas) SetStyle(id, property, value string) error {
	return c.Update(id, func(b *block.Block) {
		b.SetStyle(c.breakpoint, property, value)
	})
}

// RemoveStyle deletes property from every breakpoint layer of id.
func (c *Canvas) RemoveStyle(id, property string) error {
	return c.Update(id, func(b *block.Block) { b.RemoveStyle(block.KebabToCamel(property)) })
}

// SetAttribute sets an attribute on id. An empty value removes it.
func (c *Canvas) SetAttribute(id, name, value string) error {
	return c.Update(id, func(b *block.Block) {
		if value == "" {
			b.RemoveAttribute(name)
			return
		}
		b.SetAttribute(name, value)
	})
}

func (c *Canvas) SetInnerHTML(id, html string) error {
	return c.Update(id, func(b *block.Block) { b.InnerHTML = html })
}

func (c *Canvas) SetDataKey(id, field, value string) error {
	return c.Update(id, func(b *block.Block) { b.SetDataKey(field, value) })
}

// Nudge moves an absolutely or fixed positioned block by a fixed step.
// Blocks in normal flow are left alone.
func (c *Canvas) Nudge(id string, dir Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return err
	}
	switch c.resolver.StyleValue(b, "position", c.breakpoint) {
	case "absolute", "fixed":
	default:
		return nil
	}
	prop, delta := "top", float64(nudgeStep)
	switch dir {
	case Up:
		delta = -delta
	case Left:
		prop, delta = "left", -delta
	case Right:
		prop = "left"
	case Down:
	default:
		return fmt.Errorf("unknown direction %q", dir)
	}
	v := px(c.resolver.StyleValue(b, prop, c.breakpoint)) + delta
	b.SetStyle(c.breakpoint, prop, formatPx(v))
	c.tree.MarkChanged()
	return nil
}

// ToggleVisibility hides or shows id at the active breakpoint. A nil show
// flips the current state. The display value in use is remembered so
// showing again restores it.
func (c *Canvas) ToggleVisibility(id string, show *bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.find(id)
	if err != nil {
		return err
	}
	c.setVisible(b, show)
	return nil
}

func (c *Canvas) setVisible(b *block.Block, show *bool) {
	bp := c.breakpoint
	display := c.resolver.StyleValue(b, "display", bp)
	if (display == "none" && (show == nil || *show)) || (show != nil && *show) {
		restore := c.resolver.StyleValue(b, lastDisplayKey, bp)
		if restore == "" {
			restore = defaultDisplay
		}
		b.SetStyle(bp, "display", restore)
		b.SetStyle(bp, lastDisplayKey, "")
	} else {
		if display != "none" {
			b.SetStyle(bp, lastDisplayKey, display)
		}
		b.SetStyle(bp, "display", "none")
	}
	c.tree.MarkChanged()
}

// IsVisible reports whether id displays at the active breakpoint.
func (c *Canvas) IsVisible(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.tree.Find(id)
	return b != nil && c.resolver.IsVisible(b, c.breakpoint)
}

// ─────────────────────────────────────────────────────────────
// Components
// ─────────────────────────────────────────────────────────────

// ExtendComponent binds id to component name. The template and every
// component it uses are loaded first; on a fetch error the tree is left as is.
func (c *Canvas) ExtendComponent(ctx context.Context, id, name string) error {
	if err := component.ValidateName(name); err != nil {
		return err
	}
	if err := c.loadInstance(ctx, id, name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Batch(func() error {
		return c.engine.Extend(c.tree, id, name)
	})
}

// loadTemplates loads names and every component their templates use.
func (c *Canvas) loadTemplates(ctx context.Context, names []string) error {
	seen := map[string]bool{}
	for len(names) > 0 {
		names = lo.Uniq(lo.Filter(names, func(n string, _ int) bool { return !seen[n] }))
		if len(names) == 0 {
			return nil
		}
		if err := c.components.LoadAll(ctx, names); err != nil {
			return err
		}
		var next []string
		for _, n := range names {
			seen[n] = true
			if tpl := c.components.Template(n); tpl != nil {
				next = append(next, c.resolver.UsedComponentNames(tpl)...)
			}
		}
		names = next
	}
	return nil
}

// loadInstance loads the templates block id depends on, plus extra.
func (c *Canvas) loadInstance(ctx context.Context, id string, extra ...string) error {
	c.mu.Lock()
	b, err := c.find(id)
	var names []string
	if err == nil {
		names = append(c.resolver.UsedComponentNames(b), extra...)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.loadTemplates(ctx, names)
}

// ResetComponent rebuilds instance id from its template as one history entry.
func (c *Canvas) ResetComponent(ctx context.Context, id string) error {
	if err := c.loadInstance(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.history.Batch(func() error {
		return c.engine.Reset(c.tree, id)
	})
	c.pruneSelection()
	return err
}

// SyncComponent adds template nodes missing from instance id.
func (c *Canvas) SyncComponent(ctx context.Context, id string) (int, error) {
	if err := c.loadInstance(ctx, id); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	err := c.history.Batch(func() error {
		var err error
		n, err = c.engine.Sync(c.tree, id)
		return err
	})
	return n, err
}

// SyncAll syncs every instance of name on the page.
func (c *Canvas) SyncAll(ctx context.Context, name string) (int, error) {
	if err := c.loadInstance(ctx, idgen.RootID, name); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	err := c.history.Batch(func() error {
		var err error
		n, err = c.engine.SyncAll(c.tree, name)
		return err
	})
	return n, err
}

// ─────────────────────────────────────────────────────────────
// History
// ─────────────────────────────────────────────────────────────

func (c *Canvas) Undo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Undo()
}

func (c *Canvas) Redo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Redo()
}

// HistoryLen returns the sizes of the undo and redo stacks.
func (c *Canvas) HistoryLen() (undo, redo int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Len()
}

// Pause suspends history tracking until the token is passed to Resume.
func (c *Canvas) Pause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Pause()
}

func (c *Canvas) Resume(token string, commitNow, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Resume(token, commitNow, force)
}

// Commit records any pending change now instead of after the quiet period.
func (c *Canvas) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Flush()
}

// SeedHistory installs persisted entries around the current state: undo
// oldest first, redo in the order it would be redone.
func (c *Canvas) SeedHistory(undo, redo []history.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Seed(undo, redo)
}

// LoadRemote replaces the whole tree with an already merged remote version.
// It creates no history entry: both stacks are cleared and the selection is dropped.
func (c *Canvas) LoadRemote(root *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.history.Suppress(func() error {
		c.tree.Replace(root)
		c.editable = ""
		c.selected = []string{}
		return nil
	})
	if err != nil {
		return err
	}
	return c.history.Rebase()
}

// ─────────────────────────────────────────────────────────────
// Save tracking
// ─────────────────────────────────────────────────────────────

// Export serializes the tree together with the revision it reflects.
func (c *Canvas) Export() ([]byte, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := block.Serialize(c.tree.Root())
	return data, c.revision, err
}

// Revision increases with every tree change.
func (c *Canvas) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// IsDirty reports whether the tree changed since the last MarkSaved.
func (c *Canvas) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision != c.saved
}

// MarkSaved records that the tree as of rev has been persisted.
func (c *Canvas) MarkSaved(rev uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rev > c.saved {
		c.saved = rev
	}
}

// Close stops history tracking. The session must not be used afterwards.
func (c *Canvas) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Dispose()
	c.tree.SetOnChange(nil)
}

// px reads a pixel length such as "12px"; anything unparsable is 0.
func px(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "px"), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatPx(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}
