package block

import (
	"slices"
	"strings"
)

// ─────────────────────────────────────────────────────────────
// Block: a node of the page element tree
// ─────────────────────────────────────────────────────────────

// Breakpoint selects one of the style layers.
type Breakpoint string

const (
	Desktop Breakpoint = "desktop"
	Tablet  Breakpoint = "tablet"
	Mobile  Breakpoint = "mobile"
)

// ParseBreakpoint maps free-form input to a Breakpoint. Anything unknown is Desktop.
func ParseBreakpoint(s string) Breakpoint {
	switch Breakpoint(strings.ToLower(strings.TrimSpace(s))) {
	case Tablet:
		return Tablet
	case Mobile:
		return Mobile
	default:
		return Desktop
	}
}

// Element kinds with special meaning.
const (
	ElementBody    = "body"
	ElementRawHTML = "__raw_html__"
)

// DataKey binds a block's content or one of its properties to an external data field.
type DataKey struct {
	Key      string `json:"key,omitempty"`
	Type     string `json:"type,omitempty"`     // "key" | "attribute" | "style"
	Property string `json:"property,omitempty"` // innerHTML, src, href, ...
}

// IsZero reports whether no field of the binding is set.
func (d *DataKey) IsZero() bool {
	return d == nil || (d.Key == "" && d.Type == "" && d.Property == "")
}

// Binding is the inheritance state of a block.
type Binding int

const (
	// Plain is an ordinary authored block.
	Plain Binding = iota
	// ComponentRoot extends a component directly.
	ComponentRoot
	// ComponentDescendant lives inside a component instance subtree.
	ComponentDescendant
)

func (b Binding) String() string {
	switch b {
	case ComponentRoot:
		return "component-root"
	case ComponentDescendant:
		return "component-descendant"
	default:
		return "plain"
	}
}

// Block is a node of the page tree. Children are owned exclusively by their
// parent; parent navigation goes through the Tree that indexes the node.
type Block struct {
	ID                      string `json:"blockId"`
	BlockName               string `json:"blockName,omitempty"`
	Element                 string `json:"element,omitempty"`
	OriginalElement         string `json:"originalElement,omitempty"`
	ElementBeforeConversion string `json:"elementBeforeConversion,omitempty"`

	BaseStyles   StyleMap `json:"baseStyles"`
	RawStyles    StyleMap `json:"rawStyles"`
	MobileStyles StyleMap `json:"mobileStyles"`
	TabletStyles StyleMap `json:"tabletStyles"`

	Attributes       AttributeMap `json:"attributes"`
	CustomAttributes AttributeMap `json:"customAttributes"`
	Classes          []string     `json:"classes"`
	Children         []*Block     `json:"children"`

	DataKey       *DataKey  `json:"dataKey,omitempty"`
	DynamicValues []DataKey `json:"dynamicValues"`

	ExtendedFromComponent string `json:"extendedFromComponent,omitempty"`
	IsChildOfComponent    string `json:"isChildOfComponent,omitempty"`
	ReferenceBlockID      string `json:"referenceBlockId,omitempty"`

	InnerHTML           string `json:"innerHTML,omitempty"`
	IsRepeaterBlock     bool   `json:"isRepeaterBlock,omitempty"`
	VisibilityCondition string `json:"visibilityCondition,omitempty"`
}

// New creates an empty block of the given element with a fresh id.
func New(element string) *Block {
	b := &Block{Element: element}
	b.normalize()
	b.ID = newID()
	return b
}

// Binding reports the inheritance state derived from the component fields.
func (b *Block) Binding() Binding {
	switch {
	case b.ExtendedFromComponent != "":
		return ComponentRoot
	case b.IsChildOfComponent != "":
		return ComponentDescendant
	default:
		return Plain
	}
}

// ── Classification ─────────────────────────────────────────

var (
	textElements      = []string{"span", "h1", "p", "b", "h2", "h3", "h4", "h5", "h6", "label", "a", "cite"}
	headerElements    = []string{"h1", "h2", "h3", "h4", "h5", "h6"}
	containerElements = []string{"section", "div"}
)

func (b *Block) IsRoot() bool      { return b.OriginalElement == ElementBody }
func (b *Block) IsHTML() bool      { return b.OriginalElement == ElementRawHTML }
func (b *Block) IsImage() bool     { return b.Element == "img" }
func (b *Block) IsForm() bool      { return b.Element == "form" }
func (b *Block) IsButton() bool    { return b.Element == "button" }
func (b *Block) IsLink() bool      { return b.Element == "a" }
func (b *Block) IsDiv() bool       { return b.Element == "div" }
func (b *Block) IsText() bool      { return slices.Contains(textElements, b.Element) }
func (b *Block) IsHeader() bool    { return slices.Contains(headerElements, b.Element) }
func (b *Block) IsContainer() bool { return slices.Contains(containerElements, b.Element) }
func (b *Block) IsRepeater() bool  { return b.IsRepeaterBlock }
func (b *Block) IsIframe() bool    { return strings.HasPrefix(b.InnerHTML, "<iframe") }

func (b *Block) IsVideo() bool {
	return b.Element == "video" || strings.HasPrefix(b.InnerHTML, "<video")
}

func (b *Block) IsSVG() bool {
	return b.Element == "svg" || strings.HasPrefix(b.InnerHTML, "<svg")
}

func (b *Block) IsInput() bool {
	return b.OriginalElement == "input" || b.Element == "input" || b.Element == "textarea"
}

// IsExtendedFromComponent reports whether the block takes values from a template,
// either as an instance root or as a descendant of one.
func (b *Block) IsExtendedFromComponent() bool {
	return b.ExtendedFromComponent != "" || b.IsChildOfComponent != ""
}

// CanHaveChildren is false for atomic elements and for component instance
// roots, whose children come from the template.
func (b *Block) CanHaveChildren() bool {
	return !(b.IsImage() ||
		b.IsSVG() ||
		b.IsInput() ||
		b.IsVideo() ||
		(b.IsText() && !b.IsLink()) ||
		b.ExtendedFromComponent != "")
}

// ── Style layers ───────────────────────────────────────────

// Layer returns the own style layer for bp, allocating it if needed.
func (b *Block) Layer(bp Breakpoint) StyleMap {
	switch bp {
	case Mobile:
		if b.MobileStyles == nil {
			b.MobileStyles = StyleMap{}
		}
		return b.MobileStyles
	case Tablet:
		if b.TabletStyles == nil {
			b.TabletStyles = StyleMap{}
		}
		return b.TabletStyles
	default:
		if b.BaseStyles == nil {
			b.BaseStyles = StyleMap{}
		}
		return b.BaseStyles
	}
}

// NativeStyle returns the value literally set in the layer for bp.
func (b *Block) NativeStyle(property string, bp Breakpoint) (string, bool) {
	var layer StyleMap
	switch bp {
	case Mobile:
		layer = b.MobileStyles
	case Tablet:
		layer = b.TabletStyles
	default:
		layer = b.BaseStyles
	}
	v, ok := layer[property]
	return v, ok
}

// LocalStyle resolves property from the own layers, falling back from bp
// toward desktop (mobile → tablet → base).
func (b *Block) LocalStyle(property string, bp Breakpoint) (string, bool) {
	switch bp {
	case Mobile:
		if v := b.MobileStyles[property]; v != "" {
			return v, true
		}
		fallthrough
	case Tablet:
		if v := b.TabletStyles[property]; v != "" {
			return v, true
		}
	}
	v := b.BaseStyles[property]
	return v, v != ""
}

// SetStyle writes property into the layer for bp. An empty value deletes it.
func (b *Block) SetStyle(bp Breakpoint, property, value string) {
	property = KebabToCamel(property)
	layer := b.Layer(bp)
	if value == "" {
		delete(layer, property)
		return
	}
	layer[property] = value
}

// SetBaseStyle writes property into the desktop layer regardless of breakpoint.
func (b *Block) SetBaseStyle(property, value string) {
	b.SetStyle(Desktop, property, value)
}

// RemoveStyle deletes property from every breakpoint layer.
func (b *Block) RemoveStyle(property string) {
	delete(b.BaseStyles, property)
	delete(b.MobileStyles, property)
	delete(b.TabletStyles, property)
}

// HasOverrides reports whether the tablet or mobile layer holds any value.
func (b *Block) HasOverrides(bp Breakpoint) bool {
	switch bp {
	case Mobile:
		return len(b.MobileStyles) > 0
	case Tablet:
		return len(b.TabletStyles) > 0
	}
	return false
}

// ResetOverrides clears the tablet or mobile layer.
func (b *Block) ResetOverrides(bp Breakpoint) {
	switch bp {
	case Mobile:
		b.MobileStyles = StyleMap{}
	case Tablet:
		b.TabletStyles = StyleMap{}
	}
}

// ── Attributes ─────────────────────────────────────────────

func (b *Block) SetAttribute(name, value string) {
	if b.Attributes == nil {
		b.Attributes = AttributeMap{}
	}
	b.Attributes[name] = value
}

func (b *Block) RemoveAttribute(name string) {
	delete(b.Attributes, name)
}

func (b *Block) SetCustomAttribute(name, value string) {
	if b.CustomAttributes == nil {
		b.CustomAttributes = AttributeMap{}
	}
	if value == "" {
		delete(b.CustomAttributes, name)
		return
	}
	b.CustomAttributes[name] = value
}

// ── Conversions ────────────────────────────────────────────

// ConvertToLink turns the block into an anchor, remembering the previous element.
func (b *Block) ConvertToLink() {
	b.ElementBeforeConversion = b.Element
	b.Element = "a"
}

// UnsetLink drops link attributes and restores the pre-conversion element.
func (b *Block) UnsetLink() {
	b.RemoveAttribute("href")
	b.RemoveAttribute("target")
	if b.ElementBeforeConversion != "" {
		b.Element = b.ElementBeforeConversion
	}
}

// ConvertToRepeater marks the block as a repeater with a wrapping column layout.
func (b *Block) ConvertToRepeater() {
	b.SetBaseStyle("display", "flex")
	b.SetBaseStyle("flexDirection", "column")
	b.SetBaseStyle("alignItems", "flex-start")
	b.SetBaseStyle("justifyContent", "flex-start")
	b.SetBaseStyle("flexWrap", "wrap")
	b.SetBaseStyle("height", "fit-content")
	b.SetBaseStyle("gap", "20px")
	b.IsRepeaterBlock = true
}

// ── Data bindings ──────────────────────────────────────────

// SetDataKey updates one field of the data binding. Clearing "key" removes the binding.
func (b *Block) SetDataKey(field, value string) {
	if b.DataKey == nil || b.dataKeyField(field) == "" {
		if b.DataKey == nil {
			b.DataKey = &DataKey{}
		}
		if b.DataKey.Type == "" {
			b.DataKey.Type = "key"
			if b.IsImage() || b.IsLink() {
				b.DataKey.Type = "attribute"
			}
		}
		if b.DataKey.Property == "" {
			switch {
			case b.IsLink():
				b.DataKey.Property = "href"
			case b.IsImage():
				b.DataKey.Property = "src"
			default:
				b.DataKey.Property = "innerHTML"
			}
		}
	}
	switch field {
	case "key":
		if value == "" {
			b.DataKey = nil
			return
		}
		b.DataKey.Key = value
	case "type":
		b.DataKey.Type = value
	case "property":
		b.DataKey.Property = value
	}
}

func (b *Block) dataKeyField(field string) string {
	if b.DataKey == nil {
		return ""
	}
	switch field {
	case "key":
		return b.DataKey.Key
	case "type":
		return b.DataKey.Type
	case "property":
		return b.DataKey.Property
	}
	return ""
}

// DynamicKey returns the data key bound to (property, kind), or "" with false.
func (b *Block) DynamicKey(property, kind string) (string, bool) {
	for _, v := range b.DynamicValues {
		if v.Property == property && v.Type == kind {
			return v.Key, true
		}
	}
	return "", false
}

// SetDynamicValue binds (property, kind) to key, replacing an existing binding.
func (b *Block) SetDynamicValue(property, kind, key string) {
	for i, v := range b.DynamicValues {
		if v.Property == property && v.Type == kind {
			b.DynamicValues[i].Key = key
			return
		}
	}
	b.DynamicValues = append(b.DynamicValues, DataKey{Property: property, Type: kind, Key: key})
}

// RemoveDynamicValue drops the binding for (property, kind).
func (b *Block) RemoveDynamicValue(property, kind string) {
	b.DynamicValues = slices.DeleteFunc(b.DynamicValues, func(v DataKey) bool {
		return v.Property == property && v.Type == kind
	})
}

// ── Overrides ──────────────────────────────────────────────

// ClearOverrides wipes everything an instance can override locally.
func (b *Block) ClearOverrides() {
	b.InnerHTML = ""
	b.Element = ""
	b.BaseStyles = StyleMap{}
	b.RawStyles = StyleMap{}
	b.MobileStyles = StyleMap{}
	b.TabletStyles = StyleMap{}
	b.Attributes = AttributeMap{}
	b.CustomAttributes = AttributeMap{}
	b.Classes = []string{}
	b.DataKey = nil
}

// HasOwnOverrides reports whether any overridable field is set on the block itself.
func (b *Block) HasOwnOverrides() bool {
	return b.InnerHTML != "" ||
		b.Element != "" ||
		len(b.BaseStyles) > 0 ||
		len(b.RawStyles) > 0 ||
		len(b.MobileStyles) > 0 ||
		len(b.TabletStyles) > 0 ||
		len(b.Attributes) > 0 ||
		len(b.CustomAttributes) > 0 ||
		len(b.Classes) > 0 ||
		!b.DataKey.IsZero()
}

// ── Children ───────────────────────────────────────────────

// ChildIndex returns the position of the direct child with id, or -1.
func (b *Block) ChildIndex(id string) int {
	return slices.IndexFunc(b.Children, func(c *Block) bool { return c.ID == id })
}

func (b *Block) HasChildren() bool { return len(b.Children) > 0 }

func (b *Block) FirstChild() *Block {
	if len(b.Children) == 0 {
		return nil
	}
	return b.Children[0]
}

func (b *Block) LastChild() *Block {
	if len(b.Children) == 0 {
		return nil
	}
	return b.Children[len(b.Children)-1]
}

// Walk visits b and its descendants depth-first, stopping early when fn returns false.
func (b *Block) Walk(fn func(*Block) bool) bool {
	if !fn(b) {
		return false
	}
	for _, c := range b.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Contains reports whether target is b or one of its descendants (by identity).
func (b *Block) Contains(target *Block) bool {
	found := false
	b.Walk(func(n *Block) bool {
		if n == target {
			found = true
		}
		return !found
	})
	return found
}

// Clone deep-copies the block keeping every id.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := b.CloneNode()
	c.Children = make([]*Block, 0, len(b.Children))
	for _, child := range b.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

// CloneNode copies the block's own fields with no children.
func (b *Block) CloneNode() *Block {
	c := *b
	c.BaseStyles = b.BaseStyles.Clone()
	c.RawStyles = b.RawStyles.Clone()
	c.MobileStyles = b.MobileStyles.Clone()
	c.TabletStyles = b.TabletStyles.Clone()
	c.Attributes = b.Attributes.Clone()
	c.CustomAttributes = b.CustomAttributes.Clone()
	c.Classes = append([]string{}, b.Classes...)
	c.DynamicValues = append([]DataKey{}, b.DynamicValues...)
	if b.DataKey != nil {
		dk := *b.DataKey
		c.DataKey = &dk
	}
	c.Children = []*Block{}
	return &c
}

// Copy deep-copies the block giving every node a fresh id.
func (b *Block) Copy() *Block {
	c := b.Clone()
	c.Walk(func(n *Block) bool {
		n.ID = newID()
		return true
	})
	return c
}

// Description is the label shown in the layers outline.
func (b *Block) Description() string {
	if b.IsHTML() && b.BlockName == "" {
		if m := htmlTagPattern.FindStringSubmatch(b.InnerHTML); m != nil {
			return m[1]
		}
		return "raw"
	}
	desc := b.BlockName
	if desc == "" {
		desc = b.OriginalElement
	}
	if desc == "" {
		desc = b.Element
	}
	if text := TextContent(b.InnerHTML); text != "" && b.BlockName == "" {
		desc += " | " + text
	}
	return desc
}
