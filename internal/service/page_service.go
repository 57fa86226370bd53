package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"builder/internal/block"
	"builder/internal/canvas"
	"builder/internal/component"
	"builder/internal/config"
	"builder/internal/domain"
	"builder/internal/history"
	"builder/internal/idgen"
	"builder/internal/inherit"
	"builder/internal/logging"
	"builder/internal/monitoring"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrPageNotOpen is returned for operations that need an open editing session.
var ErrPageNotOpen = errors.New("page is not open")

// Save triggers, used as metric labels.
const (
	TriggerManual   = "manual"
	TriggerAutosave = "autosave"
	TriggerClose    = "close"
	TriggerPublish  = "publish"
)

// persistTimeout bounds the write of one history entry.
const persistTimeout = 5 * time.Second

// ─────────────────────────────────────────────────────────────
// Page Service: stored pages and their open editing sessions
// ─────────────────────────────────────────────────────────────

// PageService manages stored pages and the canvases open on them.
type PageService struct {
	pages      domain.PageStore
	history    domain.HistoryStore
	components *component.Registry
	cfg        config.HistoryConfig
	emitter    EventEmitter
	log        *zap.Logger
	metrics    *monitoring.Metrics

	mu   sync.Mutex
	open map[string]*canvas.Canvas
	cron *cron.Cron
}

// NewPageService creates a PageService. hist may be nil, in which case
// history is never persisted.
func NewPageService(
	pages domain.PageStore,
	hist domain.HistoryStore,
	components *component.Registry,
	cfg config.HistoryConfig,
	emitter EventEmitter,
	logger *zap.Logger,
	metrics *monitoring.Metrics,
) *PageService {
	log := logging.OrNop(logger)
	if emitter == nil {
		emitter = LogEmitter{Logger: log}
	}
	return &PageService{
		pages:      pages,
		history:    hist,
		components: components,
		cfg:        cfg,
		emitter:    emitter,
		log:        log.Named("pages"),
		metrics:    metrics,
		open:       make(map[string]*canvas.Canvas),
	}
}

// CreatePage stores a new page holding an empty body.
func (s *PageService) CreatePage(ctx context.Context, title, route string) (*domain.Page, error) {
	root := block.MustTemplate(block.TemplateBody)
	data, err := block.Serialize(root)
	if err != nil {
		return nil, err
	}
	p := &domain.Page{ID: idgen.PageID(), Title: title, Route: route, DraftBlocks: string(data)}
	if err := s.pages.CreatePage(ctx, p); err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return p, nil
}

func (s *PageService) GetPage(ctx context.Context, id string) (*domain.Page, error) {
	return s.pages.GetPage(ctx, id)
}

func (s *PageService) ListPages(ctx context.Context) ([]domain.Page, error) {
	return s.pages.ListPages(ctx)
}

// DeletePage discards any open session on the page and removes it.
func (s *PageService) DeletePage(ctx context.Context, id string) error {
	if c := s.take(id); c != nil {
		c.Close()
	}
	if err := s.pages.DeletePage(ctx, id); err != nil {
		return err
	}
	if s.history != nil {
		if err := s.history.ClearPage(ctx, id); err != nil {
			s.log.Warn("clear history failed", zap.String("page", id), zap.Error(err))
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────

// Open returns the editing session of page id, opening it if needed. The
// components the page uses are loaded before the session is built.
func (s *PageService) Open(ctx context.Context, id string) (*canvas.Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.open[id]; ok {
		return c, nil
	}

	p, err := s.pages.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	var root *block.Block
	if p.DraftBlocks != "" {
		if root, err = block.Parse([]byte(p.DraftBlocks)); err != nil {
			return nil, fmt.Errorf("page %s: %w", id, err)
		}
	}
	s.preload(ctx, root)

	opts := canvas.Options{
		History: history.Options{
			Capacity: s.cfg.Capacity,
			Debounce: s.cfg.Debounce,
			Logger:   s.log,
			Metrics:  s.metrics,
		},
		Logger: s.log,
	}
	persist := s.cfg.Persist && s.history != nil
	if persist {
		opts.History.OnCommit = s.persister(id)
		opts.History.OnMove = s.cursorMover(id)
	}
	c, err := canvas.New(id, root, s.components, opts)
	if err != nil {
		return nil, fmt.Errorf("open page %s: %w", id, err)
	}
	if persist {
		if err := s.restoreHistory(ctx, c); err != nil {
			s.log.Warn("restore history failed", zap.String("page", id), zap.Error(err))
		}
	}

	s.open[id] = c
	s.metrics.SetCanvasesOpen(len(s.open))
	s.emitter.Emit(ctx, EventPageOpened, id)
	return c, nil
}

// preload loads every component root depends on, following templates that
// use other components.
func (s *PageService) preload(ctx context.Context, root *block.Block) {
	if root == nil {
		return
	}
	resolver := inherit.NewResolver(s.components)
	seen := map[string]bool{}
	for {
		names := lo.Filter(resolver.UsedComponentNames(root), func(name string, _ int) bool {
			return !seen[name]
		})
		if len(names) == 0 {
			return
		}
		if err := s.components.LoadAll(ctx, names); err != nil {
			s.log.Warn("preload components", zap.Strings("names", names), zap.Error(err))
		}
		for _, name := range names {
			seen[name] = true
		}
	}
}

// persister appends each committed snapshot of page id to the history store.
func (s *PageService) persister(id string) func(history.Snapshot) {
	keep := s.keep()
	return func(snap history.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		err := s.history.AppendEntry(ctx, &domain.HistoryEntry{
			PageID:           id,
			Block:            snap.Block,
			SelectedBlockIDs: snap.SelectedBlockIDs,
		}, keep)
		if err != nil {
			s.log.Error("persist history entry", zap.String("page", id), zap.Error(err))
		}
	}
}

// cursorMover keeps the persisted cursor of page id on the entry the session
// shows after an undo or redo.
func (s *PageService) cursorMover(id string) func(int) {
	return func(steps int) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.history.MoveCursor(ctx, id, steps); err != nil {
			s.log.Error("persist history cursor", zap.String("page", id), zap.Error(err))
		}
	}
}

// keep is how many persisted entries survive pruning: the undo stack plus the
// current state.
func (s *PageService) keep() int {
	if s.cfg.Capacity <= 0 {
		return history.DefaultCapacity + 1
	}
	return s.cfg.Capacity + 1
}

// restoreHistory seeds both stacks from the persisted log. When the entry
// under the cursor is the stored draft, entries before it become undo and
// entries after it redo. Otherwise the draft is appended as the new current
// entry, which drops the stale redo branch. A page with no entries gets its
// draft recorded as the baseline.
func (s *PageService) restoreHistory(ctx context.Context, c *canvas.Canvas) error {
	entries, err := s.history.ListEntries(ctx, c.PageID())
	if err != nil {
		return err
	}
	cursor, err := s.history.Cursor(ctx, c.PageID())
	if err != nil {
		return err
	}
	data, err := c.Serialize()
	if err != nil {
		return err
	}
	snaps := lo.Map(entries, func(e domain.HistoryEntry, _ int) history.Snapshot {
		return history.Snapshot{Block: e.Block, SelectedBlockIDs: e.SelectedBlockIDs}
	})

	at := slices.IndexFunc(entries, func(e domain.HistoryEntry) bool { return e.Seq == cursor })
	if at >= 0 && entries[at].Block == string(data) {
		c.SeedHistory(snaps[:at], snaps[at+1:])
		return nil
	}

	err = s.history.AppendEntry(ctx, &domain.HistoryEntry{
		PageID: c.PageID(), Block: string(data), SelectedBlockIDs: []string{},
	}, s.keep())
	if err != nil {
		return err
	}
	if at >= 0 {
		c.SeedHistory(snaps[:at+1], nil)
	}
	return nil
}

// Canvas returns the open session of page id.
func (s *PageService) Canvas(id string) (*canvas.Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPageNotOpen, id)
	}
	return c, nil
}

// OpenPages lists the ids of every open page, sorted.
func (s *PageService) OpenPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.open)
	slices.Sort(ids)
	return ids
}

func (s *PageService) canvases() []*canvas.Canvas {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.open)
}

func (s *PageService) take(id string) *canvas.Canvas {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.open[id]
	if !ok {
		return nil
	}
	delete(s.open, id)
	s.metrics.SetCanvasesOpen(len(s.open))
	return c
}

// Save writes the draft of open page id.
func (s *PageService) Save(ctx context.Context, id, trigger string) error {
	c, err := s.Canvas(id)
	if err != nil {
		return err
	}
	return s.save(ctx, c, trigger)
}

func (s *PageService) save(ctx context.Context, c *canvas.Canvas, trigger string) error {
	data, rev, err := c.Export()
	if err != nil {
		s.metrics.RecordSave(trigger, "error")
		return err
	}
	if err := s.pages.UpdateDraft(ctx, c.PageID(), string(data)); err != nil {
		s.metrics.RecordSave(trigger, "error")
		return fmt.Errorf("save page %s: %w", c.PageID(), err)
	}
	c.MarkSaved(rev)
	s.metrics.RecordSave(trigger, "ok")
	s.emitter.Emit(ctx, EventPageSaved, c.PageID())
	return nil
}

// SaveDirty saves every open page changed since its last save and returns
// how many were written.
func (s *PageService) SaveDirty(ctx context.Context, trigger string) (int, error) {
	var (
		saved int
		errs  []error
	)
	for _, c := range s.canvases() {
		if !c.IsDirty() {
			continue
		}
		if err := s.save(ctx, c, trigger); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// Publish saves the draft of page id if it is open, then publishes it.
func (s *PageService) Publish(ctx context.Context, id string) error {
	if c, err := s.Canvas(id); err == nil {
		if err := s.save(ctx, c, TriggerPublish); err != nil {
			return err
		}
	}
	if err := s.pages.PublishPage(ctx, id); err != nil {
		return fmt.Errorf("publish page %s: %w", id, err)
	}
	s.emitter.Emit(ctx, EventPagePublished, id)
	return nil
}

// Close ends the session of page id, saving it first if it changed.
func (s *PageService) Close(ctx context.Context, id string) error {
	c := s.take(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrPageNotOpen, id)
	}
	defer c.Close()
	if err := c.Commit(); err != nil {
		s.log.Warn("commit on close", zap.String("page", id), zap.Error(err))
	}
	if c.IsDirty() {
		if err := s.save(ctx, c, TriggerClose); err != nil {
			return err
		}
	}
	s.emitter.Emit(ctx, EventPageClosed, id)
	return nil
}

// CloseAll closes every open page.
func (s *PageService) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range s.OpenPages() {
		if err := s.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────
// Autosave
// ─────────────────────────────────────────────────────────────

// StartAutosave saves dirty pages on the given cron schedule.
func (s *PageService) StartAutosave(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.autosave); err != nil {
		return fmt.Errorf("autosave schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("autosave started", zap.String("schedule", schedule))
	return nil
}

func (s *PageService) autosave() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.SaveDirty(ctx, TriggerAutosave)
	if err != nil {
		s.log.Error("autosave failed", zap.Int("saved", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("autosave", zap.Int("saved", n))
	}
}

// StopAutosave stops the schedule and waits for a running save to finish.
func (s *PageService) StopAutosave() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
