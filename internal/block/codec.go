package block

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"builder/internal/idgen"
)

var (
	htmlTagPattern = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9-]*)`)
	anyTagPattern  = regexp.MustCompile(`<[^>]*>`)
)

var newID = idgen.BlockID

// RootID is the id of every page's body block.
const RootID = idgen.RootID

// Parse decodes a serialized block tree and normalizes legacy fields:
// "styles" becomes baseStyles, "innerText" becomes innerHTML, inline style
// attributes are dropped and the body block always carries RootID. Nodes with
// no id, or a non-root node claiming RootID, get a fresh id.
func Parse(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse block: %w", err)
	}
	b.assignMissingIDs()
	return &b, nil
}

// ParseList decodes a serialized list of top level blocks.
func ParseList(data []byte) ([]*Block, error) {
	var list []*Block
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse block list: %w", err)
	}
	out := list[:0]
	for _, b := range list {
		if b == nil {
			continue
		}
		b.assignMissingIDs()
		out = append(out, b)
	}
	return out, nil
}

// Serialize encodes the tree as JSON.
func Serialize(b *Block) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("serialize block: %w", err)
	}
	return data, nil
}

func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	aux := struct {
		*plain
		Styles    StyleMap `json:"styles"`
		InnerText string   `json:"innerText"`
	}{plain: (*plain)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(b.BaseStyles) == 0 && len(aux.Styles) > 0 {
		b.BaseStyles = aux.Styles
	}
	if b.InnerHTML == "" && aux.InnerText != "" {
		b.InnerHTML = aux.InnerText
	}
	b.normalize()
	return nil
}

// normalize fills nil collections and applies the structural fixups that do
// not need id generation.
func (b *Block) normalize() {
	if b.BaseStyles == nil {
		b.BaseStyles = StyleMap{}
	}
	if b.RawStyles == nil {
		b.RawStyles = StyleMap{}
	}
	if b.MobileStyles == nil {
		b.MobileStyles = StyleMap{}
	}
	if b.TabletStyles == nil {
		b.TabletStyles = StyleMap{}
	}
	if b.Attributes == nil {
		b.Attributes = AttributeMap{}
	}
	if b.CustomAttributes == nil {
		b.CustomAttributes = AttributeMap{}
	}
	if b.Classes == nil {
		b.Classes = []string{}
	}
	if b.DynamicValues == nil {
		b.DynamicValues = []DataKey{}
	}
	delete(b.Attributes, "style")
	if b.DataKey.IsZero() {
		b.DataKey = nil
	}

	children := make([]*Block, 0, len(b.Children))
	for _, c := range b.Children {
		if c != nil {
			children = append(children, c)
		}
	}
	b.Children = children

	if b.IsRoot() {
		b.ID = idgen.RootID
	}
}

func (b *Block) assignMissingIDs() {
	b.Walk(func(n *Block) bool {
		if n.IsRoot() {
			n.ID = idgen.RootID
		} else if n.ID == "" || n.ID == idgen.RootID {
			n.ID = newID()
		}
		return true
	})
}

// TextContent strips markup from an innerHTML fragment.
func TextContent(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(anyTagPattern.ReplaceAllString(s, "")))
}
