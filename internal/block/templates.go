package block

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/goccy/go-yaml"
)

// Template names.
const (
	TemplateHTML              = "html"
	TemplateText              = "text"
	TemplateImage             = "image"
	TemplateVideo             = "video"
	TemplateContainer         = "container"
	TemplateFitContainer      = "fit-container"
	TemplateRepeater          = "repeater"
	TemplateBody              = "body"
	TemplateFallbackComponent = "fallback-component"
	TemplateMissingComponent  = "missing-component"
	TemplateEmptyComponent    = "empty-component"
)

//go:embed templates.yaml
var templatesYAML []byte

var (
	templatesOnce sync.Once
	templates     map[string]json.RawMessage
	templatesErr  error
)

func loadTemplates() (map[string]json.RawMessage, error) {
	templatesOnce.Do(func() {
		data, err := yaml.YAMLToJSON(templatesYAML)
		if err != nil {
			templatesErr = fmt.Errorf("convert templates: %w", err)
			return
		}
		templatesErr = json.Unmarshal(data, &templates)
	})
	return templates, templatesErr
}

// TemplateNames lists every factory template.
func TemplateNames() []string {
	tpl, err := loadTemplates()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(tpl))
	for name := range tpl {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// FromTemplate builds a fresh block from the named factory template.
// Every call returns a new tree with new ids; the body template keeps RootID.
func FromTemplate(name string) (*Block, error) {
	tpl, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	raw, ok := tpl[name]
	if !ok {
		return nil, fmt.Errorf("unknown block template %q", name)
	}
	return Parse(raw)
}

// MustTemplate is FromTemplate for the built-in names.
func MustTemplate(name string) *Block {
	b, err := FromTemplate(name)
	if err != nil {
		panic(err)
	}
	return b
}
