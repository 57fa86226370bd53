// Package inherit binds blocks to component templates.
//
// The Resolver computes effective values: what a block sets itself wins,
// anything else comes from the template node the block corresponds to. The
// Engine keeps instance subtrees structurally aligned with their templates.
package inherit

import (
	"maps"
	"slices"
	"strings"

	"builder/internal/block"

	"github.com/samber/lo"
)

// Templates provides component template roots by name. A nil result means
// the template is unknown or not loaded yet.
type Templates interface {
	Template(name string) *block.Block
}

// maxDepth bounds component-through-component resolution so a template that
// extends itself cannot loop forever.
const maxDepth = 32

// StyleMode selects how Style resolves.
type StyleMode int

const (
	// Effective resolves own layers with breakpoint fallback, then the template.
	Effective StyleMode = iota
	// NativeOnly reads only the exact layer of the breakpoint.
	NativeOnly
	// Cascading reports what the wider breakpoints would resolve to.
	Cascading
)

// Resolver computes effective block values through component templates.
type Resolver struct {
	templates Templates
}

func NewResolver(templates Templates) *Resolver {
	return &Resolver{templates: templates}
}

// Reference returns the template node b takes its values from, or nil.
// Instance roots read from their component's root; descendants read from
// the node their ReferenceBlockID points at.
func (r *Resolver) Reference(b *block.Block) *block.Block {
	if r == nil || r.templates == nil {
		return nil
	}
	switch {
	case b.ExtendedFromComponent != "":
		return r.templates.Template(b.ExtendedFromComponent)
	case b.IsChildOfComponent != "" && b.ReferenceBlockID != "":
		root := r.templates.Template(b.IsChildOfComponent)
		if root == nil {
			return nil
		}
		return FindBlock(b.ReferenceBlockID, []*block.Block{root})
	}
	return nil
}

// chain calls fn on b and then on each reference up the template chain until
// fn returns true.
func (r *Resolver) chain(b *block.Block, fn func(*block.Block) bool) {
	for depth := 0; b != nil && depth <= maxDepth; depth++ {
		if fn(b) || !b.IsExtendedFromComponent() {
			return
		}
		next := r.Reference(b)
		if next == b {
			return
		}
		b = next
	}
}

// Style resolves property for bp.
func (r *Resolver) Style(b *block.Block, property string, bp block.Breakpoint, mode StyleMode) (string, bool) {
	switch mode {
	case NativeOnly:
		return b.NativeStyle(property, bp)
	case Cascading:
		if bp == block.Mobile {
			if v, ok := r.Style(b, property, block.Tablet, Effective); ok {
				return v, true
			}
		}
		return r.Style(b, property, block.Desktop, Effective)
	}

	var (
		value string
		found bool
	)
	r.chain(b, func(n *block.Block) bool {
		value, found = n.LocalStyle(property, bp)
		return found
	})
	return value, found
}

// StyleValue is Style in Effective mode returning "" on a miss.
func (r *Resolver) StyleValue(b *block.Block, property string, bp block.Breakpoint) string {
	v, _ := r.Style(b, property, bp, Effective)
	return v
}

// Styles merges template styles, then own base, tablet, mobile and raw layers.
func (r *Resolver) Styles(b *block.Block, bp block.Breakpoint) block.StyleMap {
	return r.styles(b, bp, 0)
}

func (r *Resolver) styles(b *block.Block, bp block.Breakpoint, depth int) block.StyleMap {
	out := block.StyleMap{}
	if b.IsExtendedFromComponent() && depth < maxDepth {
		if ref := r.Reference(b); ref != nil && ref != b {
			maps.Copy(out, r.styles(ref, bp, depth+1))
		}
	}
	maps.Copy(out, b.BaseStyles)
	if bp == block.Mobile || bp == block.Tablet {
		maps.Copy(out, b.TabletStyles)
		if bp == block.Mobile {
			maps.Copy(out, b.MobileStyles)
		}
	}
	maps.Copy(out, b.RawStyles)
	return out
}

// StateStyles returns the "state:property" entries of Styles with the prefix stripped.
func (r *Resolver) StateStyles(b *block.Block, state string, bp block.Breakpoint) block.StyleMap {
	prefix := state + ":"
	out := block.StyleMap{}
	for k, v := range r.Styles(b, bp) {
		if prop, ok := strings.CutPrefix(k, prefix); ok {
			out[prop] = v
		}
	}
	return out
}

// layered merges the values picked by get along the template chain, own values last.
func (r *Resolver) layered(b *block.Block, get func(*block.Block) map[string]string) map[string]string {
	var stack []map[string]string
	r.chain(b, func(n *block.Block) bool {
		stack = append(stack, get(n))
		return false
	})
	out := map[string]string{}
	for _, m := range slices.Backward(stack) {
		maps.Copy(out, m)
	}
	return out
}

// Attributes returns template attributes overlaid with own attributes.
func (r *Resolver) Attributes(b *block.Block) block.AttributeMap {
	return r.layered(b, func(n *block.Block) map[string]string { return n.Attributes })
}

// Attribute returns one effective attribute.
func (r *Resolver) Attribute(b *block.Block, name string) (string, bool) {
	v, ok := r.Attributes(b)[name]
	return v, ok
}

func (r *Resolver) CustomAttributes(b *block.Block) block.AttributeMap {
	return r.layered(b, func(n *block.Block) map[string]string { return n.CustomAttributes })
}

func (r *Resolver) RawStyles(b *block.Block) block.StyleMap {
	return r.layered(b, func(n *block.Block) map[string]string { return n.RawStyles })
}

// Classes returns template classes followed by own classes.
func (r *Resolver) Classes(b *block.Block) []string {
	var stack [][]string
	r.chain(b, func(n *block.Block) bool {
		stack = append(stack, n.Classes)
		return false
	})
	out := []string{}
	for _, c := range slices.Backward(stack) {
		out = append(out, c...)
	}
	return out
}

// firstNonEmpty returns the first non-empty value along the template chain.
func (r *Resolver) firstNonEmpty(b *block.Block, get func(*block.Block) string) string {
	var out string
	r.chain(b, func(n *block.Block) bool {
		out = get(n)
		return out != ""
	})
	return out
}

func (r *Resolver) InnerHTML(b *block.Block) string {
	return r.firstNonEmpty(b, func(n *block.Block) string { return n.InnerHTML })
}

func (r *Resolver) Element(b *block.Block) string {
	return r.firstNonEmpty(b, func(n *block.Block) string { return n.Element })
}

// DataKey returns one field of the data binding, falling back to the template.
func (r *Resolver) DataKey(b *block.Block, field string) string {
	return r.firstNonEmpty(b, func(n *block.Block) string {
		if n.DataKey == nil {
			return ""
		}
		switch field {
		case "key":
			return n.DataKey.Key
		case "type":
			return n.DataKey.Type
		case "property":
			return n.DataKey.Property
		}
		return ""
	})
}

// VisibilityCondition prefers the template's condition over the block's own.
func (r *Resolver) VisibilityCondition(b *block.Block) string {
	if b.IsExtendedFromComponent() {
		if ref := r.Reference(b); ref != nil && ref.VisibilityCondition != "" {
			return ref.VisibilityCondition
		}
	}
	return b.VisibilityCondition
}

// Resolved returns a detached copy of b's own fields with element, content
// and attributes filled from the template, for classification and export.
func (r *Resolver) Resolved(b *block.Block) *block.Block {
	v := b.CloneNode()
	v.Element = r.Element(b)
	v.InnerHTML = r.InnerHTML(b)
	v.Attributes = r.Attributes(b)
	v.CustomAttributes = r.CustomAttributes(b)
	v.Classes = r.Classes(b)
	return v
}

// CanHaveChildren classifies b by its effective element.
func (r *Resolver) CanHaveChildren(b *block.Block) bool {
	return r.Resolved(b).CanHaveChildren()
}

// IsVisible reports whether the effective display at bp is not "none".
func (r *Resolver) IsVisible(b *block.Block, bp block.Breakpoint) bool {
	return r.StyleValue(b, "display", bp) != "none"
}

// UsedComponentNames lists every component b or its subtree depends on,
// including components used inside those templates.
func (r *Resolver) UsedComponentNames(b *block.Block) []string {
	seen := map[string]struct{}{}
	var visit func(n *block.Block, depth int)
	visit = func(n *block.Block, depth int) {
		n.Walk(func(d *block.Block) bool {
			for _, name := range []string{d.ExtendedFromComponent, d.IsChildOfComponent} {
				if name == "" {
					continue
				}
				if _, ok := seen[name]; ok {
					continue
				}
				seen[name] = struct{}{}
				if r.templates == nil || depth >= maxDepth {
					continue
				}
				if tpl := r.templates.Template(name); tpl != nil {
					visit(tpl, depth+1)
				}
			}
			return true
		})
	}
	visit(b, 0)
	names := lo.Keys(seen)
	slices.Sort(names)
	return names
}

// FindBlock searches blocks and their descendants by id.
func FindBlock(id string, blocks []*block.Block) *block.Block {
	for _, b := range blocks {
		if b == nil {
			continue
		}
		if b.ID == id {
			return b
		}
		if found := FindBlock(id, b.Children); found != nil {
			return found
		}
	}
	return nil
}

// FindComponentBlock searches blocks and their descendants for the node bound
// to the template node id. It matches ReferenceBlockID, never the block's own id.
func FindComponentBlock(id string, blocks []*block.Block) *block.Block {
	for _, b := range blocks {
		if b == nil {
			continue
		}
		if b.ReferenceBlockID == id {
			return b
		}
		if found := FindComponentBlock(id, b.Children); found != nil {
			return found
		}
	}
	return nil
}
