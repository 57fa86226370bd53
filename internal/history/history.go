// Package history keeps the undo/redo stacks of an editing session.
//
// Each entry is a Snapshot: the serialized tree plus the selected block ids.
// Tree changes are coalesced by a quiet-period timer before they become a
// commit; pause tokens suspend tracking while a multi-step edit runs so the
// whole edit lands as a single entry.
//
// Manager is not self-locking. Every method must be called with the session
// lock held, the same lock passed to New; only the debounce timer acquires it
// on its own.
package history

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"builder/internal/idgen"
	"builder/internal/logging"
	"builder/internal/monitoring"

	"github.com/bep/debounce"
	"go.uber.org/zap"
)

const (
	DefaultCapacity = 500
	DefaultDebounce = 100 * time.Millisecond
)

// Snapshot is one history entry.
type Snapshot struct {
	Block            string   `json:"block"`
	SelectedBlockIDs []string `json:"selectedBlockIds"`
}

func (s Snapshot) clone() Snapshot {
	s.SelectedBlockIDs = slices.Clone(s.SelectedBlockIDs)
	if s.SelectedBlockIDs == nil {
		s.SelectedBlockIDs = []string{}
	}
	return s
}

// Source is the live state the manager tracks.
type Source interface {
	// Capture serializes the current tree and selection.
	Capture() (Snapshot, error)
	// Apply replaces the live tree and selection with s.
	Apply(s Snapshot) error
}

// Options tunes a Manager. Zero values fall back to the defaults.
type Options struct {
	Capacity int
	Debounce time.Duration
	Logger   *zap.Logger
	Metrics  *monitoring.Metrics
	// OnCommit receives every committed snapshot, e.g. for persistence.
	OnCommit func(Snapshot)
	// OnMove is told how far an applied undo (-1) or redo (+1) moved the
	// current entry, so a persisted log can follow.
	OnMove   func(steps int)
}

// Manager owns the undo and redo stacks of one session.
type Manager struct {
	src      Source
	lock     sync.Locker
	capacity int
	schedule func(func())
	log      *zap.Logger
	metrics  *monitoring.Metrics
	onCommit func(Snapshot)
	onMove   func(int)

	undo   []Snapshot // most recent last
	redo   []Snapshot // most recent last
	last   Snapshot
	pauses map[string]struct{}

	dirty    bool
	applying bool
	disposed bool
}

// New captures the initial state of src as the baseline.
func New(src Source, lock sync.Locker, opts Options) (*Manager, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	m := &Manager{
		src:      src,
		lock:     lock,
		capacity: opts.Capacity,
		schedule: debounce.New(opts.Debounce),
		log:      logging.OrNop(opts.Logger).Named("history"),
		metrics:  opts.Metrics,
		onCommit: opts.OnCommit,
		onMove:   opts.OnMove,
		pauses:   make(map[string]struct{}),
	}
	last, err := src.Capture()
	if err != nil {
		return nil, fmt.Errorf("capture initial state: %w", err)
	}
	m.last = last.clone()
	return m, nil
}

// IsTracking reports whether no pause token is outstanding.
func (m *Manager) IsTracking() bool { return len(m.pauses) == 0 }

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Len returns the sizes of the undo and redo stacks.
func (m *Manager) Len() (undo, redo int) { return len(m.undo), len(m.redo) }

// Last returns the state as of the most recent commit.
func (m *Manager) Last() Snapshot { return m.last.clone() }

// UndoStack returns a copy of the undo entries, oldest first.
func (m *Manager) UndoStack() []Snapshot {
	out := make([]Snapshot, len(m.undo))
	for i, s := range m.undo {
		out[i] = s.clone()
	}
	return out
}

// ─────────────────────────────────────────────────────────────
// Observers
// ─────────────────────────────────────────────────────────────

// NotifyChange marks the tree dirty. While tracking, a commit follows once
// no further change arrives for the debounce period.
func (m *Manager) NotifyChange() {
	if m.applying || m.disposed {
		return
	}
	m.dirty = true
	if m.IsTracking() {
		m.schedule(m.onQuiet)
	}
}

// NotifySelection records the new selection on the current entry without
// creating a commit.
func (m *Manager) NotifySelection(ids []string) {
	if m.applying || m.disposed || !m.IsTracking() {
		return
	}
	m.last.SelectedBlockIDs = slices.Clone(ids)
}

func (m *Manager) onQuiet() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.disposed || !m.dirty || !m.IsTracking() {
		return
	}
	if err := m.commit(); err != nil {
		m.log.Error("debounced commit", zap.Error(err))
	}
}

// ─────────────────────────────────────────────────────────────
// Commits
// ─────────────────────────────────────────────────────────────

// Commit captures the current state now. A capture identical to the last
// entry only refreshes its selection.
func (m *Manager) Commit() error {
	if m.disposed {
		return nil
	}
	return m.commit()
}

// Flush commits only if a change is pending.
func (m *Manager) Flush() error {
	if !m.dirty || m.disposed {
		return nil
	}
	return m.commit()
}

func (m *Manager) commit() error {
	cur, err := m.src.Capture()
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	m.dirty = false
	cur = cur.clone()
	if cur.Block == m.last.Block {
		m.last.SelectedBlockIDs = cur.SelectedBlockIDs
		return nil
	}

	m.undo = append(m.undo, m.last)
	if over := len(m.undo) - m.capacity; over > 0 {
		m.undo = slices.Delete(m.undo, 0, over)
	}
	m.redo = m.redo[:0]
	m.last = cur

	m.metrics.RecordHistory("commit")
	m.log.Debug("commit", zap.Int("undo", len(m.undo)))
	if m.onCommit != nil {
		m.onCommit(cur.clone())
	}
	return nil
}

// ─────────────────────────────────────────────────────────────
// Pause / resume
// ─────────────────────────────────────────────────────────────

// Pause suspends tracking and returns a token for Resume. A change pending
// from before the pause is committed first so the batch starts clean.
func (m *Manager) Pause() string {
	if m.IsTracking() && m.dirty {
		if err := m.commit(); err != nil {
			m.log.Error("commit before pause", zap.Error(err))
		}
	}
	token := idgen.Token()
	m.pauses[token] = struct{}{}
	return token
}

// Resume releases token. Tracking restarts only once every token is released,
// or immediately when force is set, which drops all tokens. With commitNow
// the current state is committed at once; otherwise changes made during the
// pause are committed after the debounce period.
func (m *Manager) Resume(token string, commitNow, force bool) error {
	if _, ok := m.pauses[token]; ok {
		delete(m.pauses, token)
	} else if !force {
		return nil
	}
	if len(m.pauses) > 0 {
		if !force {
			return nil
		}
		clear(m.pauses)
	}

	if commitNow {
		return m.Commit()
	}
	if m.dirty {
		m.schedule(m.onQuiet)
	}
	return nil
}

// Batch runs fn between Pause and Resume(token, true, false), so everything
// fn changes becomes one entry.
func (m *Manager) Batch(fn func() error) error {
	token := m.Pause()
	fnErr := fn()
	if err := m.Resume(token, true, false); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// ─────────────────────────────────────────────────────────────
// Undo / redo
// ─────────────────────────────────────────────────────────────

// Undo restores the previous entry. It reports false when there is nothing to undo.
func (m *Manager) Undo() (bool, error) {
	if err := m.flushIfTracking(); err != nil {
		return false, err
	}
	if len(m.undo) == 0 {
		return false, nil
	}
	state := m.undo[len(m.undo)-1]
	if err := m.apply(state); err != nil {
		return false, err
	}
	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, m.last)
	m.last = state
	m.metrics.RecordHistory("undo")
	m.moved(-1)
	return true, nil
}

// Redo re-applies the entry most recently undone.
func (m *Manager) Redo() (bool, error) {
	if err := m.flushIfTracking(); err != nil {
		return false, err
	}
	if len(m.redo) == 0 {
		return false, nil
	}
	state := m.redo[len(m.redo)-1]
	if err := m.apply(state); err != nil {
		return false, err
	}
	m.redo = m.redo[:len(m.redo)-1]
	m.undo = append(m.undo, m.last)
	m.last = state
	m.metrics.RecordHistory("redo")
	m.moved(1)
	return true, nil
}

func (m *Manager) moved(steps int) {
	if m.onMove != nil {
		m.onMove(steps)
	}
}

// flushIfTracking turns a pending edit into an entry so undo reverts it
// instead of dropping it.
func (m *Manager) flushIfTracking() error {
	if !m.IsTracking() {
		return nil
	}
	return m.Flush()
}

// apply loads s into the source with both observers suppressed.
func (m *Manager) apply(s Snapshot) error {
	m.applying = true
	defer func() { m.applying = false }()
	if err := m.src.Apply(s.clone()); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	m.dirty = false
	return nil
}

// Suppress runs fn with the observers muted, for loads that must not create entries.
func (m *Manager) Suppress(fn func() error) error {
	m.applying = true
	defer func() { m.applying = false }()
	return fn()
}

// ─────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.undo = nil
	m.redo = nil
}

// Rebase clears both stacks and takes the current state as the new baseline.
// Used after the tree was replaced wholesale (remote update, page reload).
func (m *Manager) Rebase() error {
	last, err := m.src.Capture()
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	m.Clear()
	m.last = last.clone()
	m.dirty = false
	return nil
}

// Seed installs a persisted history around the current state. undo is
// oldest first; redo is listed in the order it would be redone. Both are
// capped at the capacity, keeping the entries closest to the current state.
func (m *Manager) Seed(undo, redo []Snapshot) {
	if len(undo) > m.capacity {
		undo = undo[len(undo)-m.capacity:]
	}
	if len(redo) > m.capacity {
		redo = redo[:m.capacity]
	}
	m.undo = make([]Snapshot, 0, len(undo))
	for _, s := range undo {
		m.undo = append(m.undo, s.clone())
	}
	m.redo = make([]Snapshot, 0, len(redo))
	for _, s := range slices.Backward(redo) {
		m.redo = append(m.redo, s.clone())
	}
}

// Dispose stops tracking and drops both stacks.
func (m *Manager) Dispose() {
	m.disposed = true
	m.dirty = false
	m.Clear()
}
