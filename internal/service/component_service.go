package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"builder/internal/block"
	"builder/internal/component"
	"builder/internal/domain"
	"builder/internal/inherit"
	"builder/internal/logging"
	"builder/internal/monitoring"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrComponentInUse is returned when deleting a component that pages or other
// components still extend.
var ErrComponentInUse = errors.New("component is in use")

// ─────────────────────────────────────────────────────────────
// Component Service: templates and their propagation to pages
// ─────────────────────────────────────────────────────────────

// ComponentService saves component templates and pushes template additions
// into the pages that use them.
type ComponentService struct {
	registry *component.Registry
	src      component.Source
	pages    domain.PageStore
	sessions *PageService
	engine   *inherit.Engine
	emitter  EventEmitter
	log      *zap.Logger
	metrics  *monitoring.Metrics
	runs     syncRuns
}

// NewComponentService creates a ComponentService. src is the source behind
// registry; it is used for listing and deleting templates.
func NewComponentService(
	registry *component.Registry,
	src component.Source,
	pages domain.PageStore,
	sessions *PageService,
	emitter EventEmitter,
	logger *zap.Logger,
	metrics *monitoring.Metrics,
) *ComponentService {
	log := logging.OrNop(logger).Named("components")
	if emitter == nil {
		emitter = LogEmitter{Logger: log}
	}
	return &ComponentService{
		registry: registry,
		src:      src,
		pages:    pages,
		sessions: sessions,
		engine:   inherit.NewEngine(registry, log),
		emitter:  emitter,
		log:      log,
		metrics:  metrics,
	}
}

// SyncReport summarizes one SyncEverywhere run.
type SyncReport struct {
	Component string `json:"component"`
	Canvases  int    `json:"canvases"`
	Pages     int    `json:"pages"`
	Inserted  int    `json:"inserted"`
}

// List returns the names of every known template, sorted.
func (s *ComponentService) List(ctx context.Context) ([]string, error) {
	names := s.registry.Names()
	var (
		stored []string
		err    error
	)
	switch src := s.src.(type) {
	case interface {
		Names(context.Context) ([]string, error)
	}:
		stored, err = src.Names(ctx)
	case interface{ List() ([]string, error) }:
		stored, err = src.List()
	}
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	// Placeholders for missing templates sit in the cache too.
	names = lo.Filter(names, func(name string, _ int) bool {
		doc, ok := s.registry.Lookup(name)
		return ok && !doc.Missing
	})
	names = lo.Uniq(append(names, stored...))
	slices.Sort(names)
	return names, nil
}

func (s *ComponentService) Get(ctx context.Context, name string) (*component.Document, error) {
	doc, err := s.registry.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if doc.Missing {
		return nil, fmt.Errorf("%w: %s", component.ErrNotFound, name)
	}
	return doc, nil
}

// Save stores root as the template of name.
func (s *ComponentService) Save(ctx context.Context, name string, root *block.Block) (*component.Document, error) {
	doc, err := s.registry.Save(ctx, name, root)
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, EventComponentSaved, name)
	return doc, nil
}

// SaveFromBlock stores a copy of block blockID of open page pageID as
// component name, then turns the block into an instance of it.
func (s *ComponentService) SaveFromBlock(ctx context.Context, pageID, blockID, name string) (*component.Document, error) {
	c, err := s.sessions.Canvas(pageID)
	if err != nil {
		return nil, err
	}
	b, err := c.Block(blockID)
	if err != nil {
		return nil, err
	}
	if b.IsRoot() {
		return nil, block.ErrRootImmutable
	}
	tpl := b.Copy()
	if tpl.ExtendedFromComponent == name {
		return nil, fmt.Errorf("block %s already extends %s", blockID, name)
	}
	doc, err := s.Save(ctx, name, tpl)
	if err != nil {
		return nil, err
	}
	if err := c.ExtendComponent(ctx, blockID, name); err != nil {
		return doc, fmt.Errorf("extend %s: %w", blockID, err)
	}
	return doc, nil
}

// SyncEverywhere adds the nodes of template name that its instances are
// missing, in every open canvas and in the draft and published version of
// every stored page. Only one run per name is allowed at a time.
func (s *ComponentService) SyncEverywhere(ctx context.Context, name string) (*SyncReport, error) {
	if err := component.ValidateName(name); err != nil {
		return nil, err
	}
	done, err := s.runs.begin(name)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	report, err := s.syncEverywhere(ctx, name)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordSync("all", status, time.Since(start), report.Inserted)
	if err != nil {
		return report, err
	}

	s.log.Info("component synced",
		zap.String("component", name),
		zap.Int("canvases", report.Canvases),
		zap.Int("pages", report.Pages),
		zap.Int("inserted", report.Inserted))
	s.emitter.Emit(ctx, EventComponentSynced, report)
	return report, nil
}

// SyncInBackground runs SyncEverywhere for name on its own goroutine with
// timeout. A run that is already in flight or a template that does not exist
// is only logged at debug level.
func (s *ComponentService) SyncInBackground(name string, timeout time.Duration) {
	s.runs.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := s.SyncEverywhere(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, ErrSyncRunning), errors.Is(err, component.ErrNotFound):
			s.log.Debug("skip template sync", zap.String("component", name), zap.Error(err))
		default:
			s.log.Error("template sync failed", zap.String("component", name), zap.Error(err))
		}
	})
}

// Running lists the components with a sync in flight.
func (s *ComponentService) Running() []string { return s.runs.names() }

// Wait blocks until every sync run has finished or ctx is done.
func (s *ComponentService) Wait(ctx context.Context) error {
	return s.runs.wait(ctx)
}

func (s *ComponentService) syncEverywhere(ctx context.Context, name string) (*SyncReport, error) {
	report := &SyncReport{Component: name}

	doc, err := s.registry.Load(ctx, name)
	if err != nil {
		return report, err
	}
	if doc.Missing {
		return report, fmt.Errorf("%w: %s", component.ErrNotFound, name)
	}
	if used := inherit.NewResolver(s.registry).UsedComponentNames(doc.Block); len(used) > 0 {
		if err := s.registry.LoadAll(ctx, used); err != nil {
			return report, err
		}
	}

	open := map[string]bool{}
	for _, c := range s.sessions.canvases() {
		open[c.PageID()] = true
		n, err := c.SyncAll(ctx, name)
		if err != nil {
			return report, fmt.Errorf("sync page %s: %w", c.PageID(), err)
		}
		if n > 0 {
			report.Canvases++
			report.Inserted += n
		}
	}

	pages, err := s.pages.ListPages(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		touched := false
		// Open pages get their draft written by the session.
		if !open[p.ID] {
			data, n, err := s.syncStored(ctx, p.DraftBlocks, name)
			if err != nil {
				return report, fmt.Errorf("sync draft of %s: %w", p.ID, err)
			}
			if n > 0 {
				if err := s.pages.UpdateDraft(ctx, p.ID, data); err != nil {
					return report, err
				}
				report.Inserted += n
				touched = true
			}
		}
		data, n, err := s.syncStored(ctx, p.PublishedBlocks, name)
		if err != nil {
			return report, fmt.Errorf("sync published version of %s: %w", p.ID, err)
		}
		if n > 0 {
			if err := s.pages.UpdatePublished(ctx, p.ID, data); err != nil {
				return report, err
			}
			report.Inserted += n
			touched = true
		}
		if touched {
			report.Pages++
		}
	}
	return report, nil
}

// syncStored syncs the instances of name in a serialized tree. It returns the
// new serialization and the number of inserted nodes.
func (s *ComponentService) syncStored(ctx context.Context, data, name string) (string, int, error) {
	if !usesComponent(data, name) {
		return data, 0, nil
	}
	root, err := block.Parse([]byte(data))
	if err != nil {
		return data, 0, err
	}
	if err := s.registry.LoadAll(ctx, inherit.NewResolver(s.registry).UsedComponentNames(root)); err != nil {
		return data, 0, err
	}
	tree := block.NewTree(root)
	n, err := s.engine.SyncAll(tree, name)
	if err != nil || n == 0 {
		return data, 0, err
	}
	out, err := block.Serialize(tree.Root())
	if err != nil {
		return data, 0, err
	}
	return string(out), n, nil
}

// usesComponent scans a serialized tree for a node bound to name without
// decoding it.
func usesComponent(data, name string) bool {
	if data == "" || !gjson.Valid(data) {
		return false
	}
	return nodeUses(gjson.Parse(data), name)
}

func nodeUses(node gjson.Result, name string) bool {
	if node.Get("extendedFromComponent").String() == name || node.Get("isChildOfComponent").String() == name {
		return true
	}
	found := false
	node.Get("children").ForEach(func(_, child gjson.Result) bool {
		found = nodeUses(child, name)
		return !found
	})
	return found
}

// IsUsed reports whether any page, open session or other template extends name.
func (s *ComponentService) IsUsed(ctx context.Context, name string) (bool, error) {
	for _, c := range s.sessions.canvases() {
		if len(c.Instances(name)) > 0 {
			return true, nil
		}
	}
	pages, err := s.pages.ListPages(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pages {
		if usesComponent(p.DraftBlocks, name) || usesComponent(p.PublishedBlocks, name) {
			return true, nil
		}
	}
	others, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range others {
		if other == name {
			continue
		}
		doc, err := s.registry.Load(ctx, other)
		if err != nil {
			s.log.Warn("check template", zap.String("component", other), zap.Error(err))
			continue
		}
		if !doc.Missing && doc.Block != nil && slices.Contains(usedBy(doc.Block), name) {
			return true, nil
		}
	}
	return false, nil
}

func usedBy(root *block.Block) []string {
	var names []string
	root.Walk(func(b *block.Block) bool {
		if b.ExtendedFromComponent != "" {
			names = append(names, b.ExtendedFromComponent)
		}
		return true
	})
	return names
}

// Delete removes template name unless something still uses it.
func (s *ComponentService) Delete(ctx context.Context, name string) error {
	if err := component.ValidateName(name); err != nil {
		return err
	}
	used, err := s.IsUsed(ctx, name)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %s", ErrComponentInUse, name)
	}
	deleter, ok := s.src.(interface {
		Delete(context.Context, string) error
	})
	if !ok {
		return fmt.Errorf("component source cannot delete templates")
	}
	if err := deleter.Delete(ctx, name); err != nil {
		return err
	}
	s.registry.Invalidate(name)
	s.emitter.Emit(ctx, EventComponentDelete, name)
	return nil
}
