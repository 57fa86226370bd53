// Package component caches component templates by name.
//
// A template is fetched at most once at a time per name; concurrent callers
// share the in-flight fetch. Cached templates are immutable snapshots: every
// write goes through Set, which stores a private deep copy.
package component

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"builder/internal/block"
	"builder/internal/logging"
	"builder/internal/monitoring"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned by a Source when no template has the name.
	ErrNotFound = errors.New("component not found")
	// ErrInvalidName rejects names that cannot be stored or addressed.
	ErrInvalidName = errors.New("invalid component name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,139}$`)

// ValidateName checks that name can be used as a component key.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Document is a stored component template.
type Document struct {
	Name          string       `json:"name"`
	ComponentName string       `json:"componentName,omitempty"`
	Block         *block.Block `json:"block"`
	Modified      time.Time    `json:"modified"`

	// Missing marks a placeholder standing in for a template that could not be loaded.
	Missing bool `json:"missing,omitempty"`
	// failed placeholders are retried on the next Load.
	failed bool
}

// Source is the backing store of component templates.
type Source interface {
	FetchByName(ctx context.Context, name string) (*Document, error)
	Save(ctx context.Context, name string, root *block.Block) (*Document, error)
}

// Registry caches component templates from a Source.
type Registry struct {
	src     Source
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu    sync.RWMutex
	docs  map[string]*Document
	group singleflight.Group

	listenersMu sync.Mutex
	listeners   []func(name string)
}

// NewRegistry creates a registry over src. logger and metrics may be nil.
func NewRegistry(src Source, logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		src:     src,
		log:     logging.OrNop(logger).Named("components"),
		metrics: metrics,
		docs:    make(map[string]*Document),
	}
}

// OnChange registers fn to be called after a template is replaced or invalidated.
func (r *Registry) OnChange(fn func(name string)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *Registry) notify(name string) {
	r.listenersMu.Lock()
	fns := append([]func(string){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range fns {
		fn(name)
	}
}

// Load returns the template for name, fetching it if needed.
//
// A name the source does not know resolves to a cached "missing" placeholder
// and no error; the placeholder stays until Invalidate. Any other fetch error
// caches a placeholder as well, so the tree stays renderable, but returns the
// error and retries on the next Load.
func (r *Registry) Load(ctx context.Context, name string) (*Document, error) {
	if doc, ok := r.cached(name); ok && !doc.failed {
		r.metrics.RecordFetch("hit")
		return doc, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		if doc, ok := r.cached(name); ok && !doc.failed {
			return doc, nil
		}
		return r.fetch(ctx, name)
	})
	doc, _ := v.(*Document)
	return doc, err
}

func (r *Registry) fetch(ctx context.Context, name string) (*Document, error) {
	doc, err := r.src.FetchByName(ctx, name)
	switch {
	case err == nil && doc != nil && doc.Block != nil:
		r.metrics.RecordFetch("fetched")
		return r.store(doc), nil
	case err == nil || errors.Is(err, ErrNotFound):
		r.metrics.RecordFetch("not_found")
		r.log.Warn("component not found, using placeholder", zap.String("component", name))
		return r.store(placeholder(name, false)), nil
	default:
		r.metrics.RecordFetch("error")
		r.log.Warn("component fetch failed, using placeholder",
			zap.String("component", name), zap.Error(err))
		return r.store(placeholder(name, true)), fmt.Errorf("fetch component %s: %w", name, err)
	}
}

func placeholder(name string, failed bool) *Document {
	return &Document{
		Name:          name,
		ComponentName: name,
		Block:         block.MustTemplate(block.TemplateMissingComponent),
		Missing:       true,
		failed:        failed,
	}
}

// LoadAll loads every name concurrently and returns the first error.
// Every name still ends up cached, with placeholders for failures.
func (r *Registry) LoadAll(ctx context.Context, names []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		g.Go(func() error {
			_, err := r.Load(ctx, name)
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) cached(name string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	return doc, ok
}

// Lookup returns the cached document without fetching.
func (r *Registry) Lookup(name string) (*Document, bool) {
	return r.cached(name)
}

// Template returns the cached template root, or nil when name was never loaded.
// The result is shared and must not be mutated.
func (r *Registry) Template(name string) *block.Block {
	doc, ok := r.cached(name)
	if !ok {
		return nil
	}
	return doc.Block
}

// Set stores a private copy of doc, replacing any cached entry.
func (r *Registry) Set(doc *Document) *Document {
	stored := r.store(doc)
	r.notify(doc.Name)
	return stored
}

func (r *Registry) store(doc *Document) *Document {
	cp := *doc
	cp.Block = doc.Block.Clone()
	if cp.ComponentName == "" {
		cp.ComponentName = cp.Name
	}
	r.mu.Lock()
	r.docs[cp.Name] = &cp
	n := len(r.docs)
	r.mu.Unlock()
	r.metrics.SetComponentsCached(n)
	return &cp
}

// Save writes root through the source and caches the stored result.
func (r *Registry) Save(ctx context.Context, name string, root *block.Block) (*Document, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	doc, err := r.src.Save(ctx, name, root)
	if err != nil {
		return nil, fmt.Errorf("save component %s: %w", name, err)
	}
	return r.Set(doc), nil
}

// Invalidate drops name from the cache so the next Load refetches it.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.docs, name)
	n := len(r.docs)
	r.mu.Unlock()
	r.group.Forget(name)
	r.metrics.SetComponentsCached(n)
	r.notify(name)
}

// Names lists the cached component names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.docs))
	for name := range r.docs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ComponentName returns the display name for name, or name itself if unknown.
func (r *Registry) ComponentName(name string) string {
	if doc, ok := r.cached(name); ok && doc.ComponentName != "" {
		return doc.ComponentName
	}
	return name
}
