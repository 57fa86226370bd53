package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"builder/internal/domain"

	sq "github.com/Masterminds/squirrel"
)

var pageColumns = []string{
	"id", "title", "route", "draft_blocks", "published_blocks", "published", "created_at", "updated_at",
}

// PageStore implements domain.PageStore.
type PageStore struct {
	db *DB
}

func NewPageStore(db *DB) *PageStore {
	return &PageStore{db: db}
}

func (s *PageStore) CreatePage(ctx context.Context, p *domain.Page) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	p.CreatedAt = now
	p.UpdatedAt = now
	query, args, err := s.db.sb.Insert("pages").Columns(pageColumns...).
		Values(p.ID, p.Title, p.Route, p.DraftBlocks, p.PublishedBlocks, boolInt(p.Published), now.UnixMilli(), now.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	return nil
}

func (s *PageStore) GetPage(ctx context.Context, id string) (*domain.Page, error) {
	query, args, err := s.db.sb.Select(pageColumns...).From("pages").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	p, err := scanPage(s.db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return p, nil
}

func (s *PageStore) ListPages(ctx context.Context) ([]domain.Page, error) {
	query, args, err := s.db.sb.Select(pageColumns...).From("pages").OrderBy("created_at ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []domain.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, *p)
	}
	return pages, rows.Err()
}

func (s *PageStore) UpdateDraft(ctx context.Context, id, blocks string) error {
	return s.update(ctx, id, sq.Eq{"draft_blocks": blocks})
}

func (s *PageStore) UpdatePublished(ctx context.Context, id, blocks string) error {
	return s.update(ctx, id, sq.Eq{"published_blocks": blocks})
}

// PublishPage copies the draft over the published version.
func (s *PageStore) PublishPage(ctx context.Context, id string) error {
	return s.update(ctx, id, sq.Eq{
		"published_blocks": sq.Expr("draft_blocks"),
		"published":        1,
	})
}

func (s *PageStore) update(ctx context.Context, id string, set sq.Eq) error {
	b := s.db.sb.Update("pages").Set("updated_at", time.Now().UnixMilli()).Where(sq.Eq{"id": id})
	for col, v := range set {
		b = b.Set(col, v)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	// MySQL counts changed rows, not matched ones, so a no-op update reads as 0.
	if n, err := res.RowsAffected(); err == nil && n == 0 && s.db.driver != DriverMySQL {
		return fmt.Errorf("%w: %s", domain.ErrPageNotFound, id)
	}
	return nil
}

// DeletePage removes the page and its persisted history.
func (s *PageStore) DeletePage(ctx context.Context, id string) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []struct{ name, key string }{{"history_entries", "page_id"}, {"pages", "id"}} {
		query, args, err := s.db.sb.Delete(table.name).Where(sq.Eq{table.key: id}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table.name, err)
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (*domain.Page, error) {
	var (
		p                domain.Page
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Route, &p.DraftBlocks, &p.PublishedBlocks, &p.Published, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}
