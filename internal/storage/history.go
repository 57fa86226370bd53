package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"builder/internal/domain"

	sq "github.com/Masterminds/squirrel"
)

// HistoryStore persists committed undo snapshots per page. It implements
// domain.HistoryStore.
type HistoryStore struct {
	db *DB
}

func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// AppendEntry stores e right after the page's cursor and moves the cursor
// onto it. Entries past the old cursor, the undone branch, are dropped, and
// so are the oldest entries beyond keep. A keep of zero or less keeps
// everything.
func (s *HistoryStore) AppendEntry(ctx context.Context, e *domain.HistoryEntry, keep int) error {
	selected, err := json.Marshal(nonNil(e.SelectedBlockIDs))
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cursor, err := s.cursor(ctx, tx, e.PageID)
	if err != nil {
		return err
	}
	query, args, err := s.db.sb.Delete("history_entries").
		Where(sq.Eq{"page_id": e.PageID}).
		Where(sq.Gt{"seq": cursor}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("drop undone entries: %w", err)
	}

	e.Seq = cursor + 1
	e.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	query, args, err = s.db.sb.Insert("history_entries").
		Columns("page_id", "seq", "snapshot", "selected_json", "created_at").
		Values(e.PageID, e.Seq, e.Block, string(selected), e.CreatedAt.UnixMilli()).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	if err := s.setCursor(ctx, tx, e.PageID, e.Seq); err != nil {
		return err
	}

	if keep > 0 && e.Seq > int64(keep) {
		query, args, err = s.db.sb.Delete("history_entries").
			Where(sq.Eq{"page_id": e.PageID}).
			Where(sq.LtOrEq{"seq": e.Seq - int64(keep)}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	return tx.Commit()
}

// MoveCursor shifts the cursor of pageID by steps entries, negative for undo,
// clamped to the stored entries. It is a no-op for a page without history.
func (s *HistoryStore) MoveCursor(ctx context.Context, pageID string, steps int) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.db.sb.Select("COALESCE(MIN(seq), 0)", "COALESCE(MAX(seq), 0)").
		From("history_entries").Where(sq.Eq{"page_id": pageID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	var first, last int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&first, &last); err != nil {
		return fmt.Errorf("read history bounds: %w", err)
	}
	if last == 0 {
		return nil
	}
	cursor, err := s.cursor(ctx, tx, pageID)
	if err != nil {
		return err
	}
	if err := s.setCursor(ctx, tx, pageID, max(first, min(last, cursor+int64(steps)))); err != nil {
		return err
	}
	return tx.Commit()
}

// Cursor returns the seq of the entry pageID currently shows. Pages stored
// before cursors existed report their newest entry; pages without history
// report zero.
func (s *HistoryStore) Cursor(ctx context.Context, pageID string) (int64, error) {
	return s.cursor(ctx, s.db.conn, pageID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *HistoryStore) cursor(ctx context.Context, q queryRower, pageID string) (int64, error) {
	query, args, err := s.db.sb.Select("seq").From("history_cursors").
		Where(sq.Eq{"page_id": pageID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var seq int64
	err = q.QueryRowContext(ctx, query, args...).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read history cursor: %w", err)
	}

	query, args, err = s.db.sb.Select("COALESCE(MAX(seq), 0)").From("history_entries").
		Where(sq.Eq{"page_id": pageID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	if err := q.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read history position: %w", err)
	}
	return seq, nil
}

// setCursor replaces the cursor row. The dialects share no upsert syntax.
func (s *HistoryStore) setCursor(ctx context.Context, tx *sql.Tx, pageID string, seq int64) error {
	query, args, err := s.db.sb.Delete("history_cursors").Where(sq.Eq{"page_id": pageID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear history cursor: %w", err)
	}
	query, args, err = s.db.sb.Insert("history_cursors").
		Columns("page_id", "seq").Values(pageID, seq).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write history cursor: %w", err)
	}
	return nil
}

// ListEntries returns the entries of pageID, oldest first.
func (s *HistoryStore) ListEntries(ctx context.Context, pageID string) ([]domain.HistoryEntry, error) {
	query, args, err := s.db.sb.Select("page_id", "seq", "snapshot", "selected_json", "created_at").
		From("history_entries").Where(sq.Eq{"page_id": pageID}).OrderBy("seq ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var (
			e        domain.HistoryEntry
			selected string
			created  int64
		)
		if err := rows.Scan(&e.PageID, &e.Seq, &e.Block, &selected, &created); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(selected), &e.SelectedBlockIDs); err != nil {
			return nil, fmt.Errorf("decode selection: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearPage removes all history of a page.
func (s *HistoryStore) ClearPage(ctx context.Context, pageID string) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"history_entries", "history_cursors"} {
		query, args, err := s.db.sb.Delete(table).Where(sq.Eq{"page_id": pageID}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
