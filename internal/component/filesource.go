package component

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"builder/internal/block"

	"github.com/tidwall/gjson"
)

// FileSource keeps one template per file: <dir>/<name>.json.
//
// A file holds either a full Document or a bare serialized block.
type FileSource struct {
	dir string
}

// NewFileSource creates dir if needed.
func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create components dir: %w", err)
	}
	return &FileSource{dir: dir}, nil
}

func (s *FileSource) Dir() string { return s.dir }

func (s *FileSource) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileSource) FetchByName(_ context.Context, name string) (*Document, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read component %s: %w", name, err)
	}
	return decodeDocument(name, data)
}

func decodeDocument(name string, data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("component %s: invalid JSON", name)
	}
	doc := &Document{Name: name}
	raw := data
	if blk := gjson.GetBytes(data, "block"); blk.Exists() {
		doc.ComponentName = gjson.GetBytes(data, "componentName").String()
		doc.Modified = gjson.GetBytes(data, "modified").Time()
		raw = []byte(blk.Raw)
		// Older exports store the block as an escaped JSON string.
		if blk.Type == gjson.String {
			raw = []byte(blk.String())
		}
	}
	root, err := block.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", name, err)
	}
	doc.Block = root
	return doc, nil
}

func (s *FileSource) Save(_ context.Context, name string, root *block.Block) (*Document, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	doc := &Document{Name: name, ComponentName: name, Block: root.Clone(), Modified: time.Now().UTC()}
	if prev, err := s.FetchByName(context.Background(), name); err == nil && prev.ComponentName != "" {
		doc.ComponentName = prev.ComponentName
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode component %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("write component %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write component %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write component %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write component %s: %w", name, err)
	}
	return doc, nil
}

// Delete removes the template file of name.
func (s *FileSource) Delete(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete component %s: %w", name, err)
	}
	return nil
}

// List returns the names of every stored template.
func (s *FileSource) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, nameFromPath(m))
	}
	return names, nil
}

func nameFromPath(p string) string {
	base := filepath.Base(p)
	return base[:len(base)-len(filepath.Ext(base))]
}
