package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"builder/internal/block"
	"builder/internal/component"

	sq "github.com/Masterminds/squirrel"
)

// ComponentStore keeps component templates in the database. It implements
// component.Source.
type ComponentStore struct {
	db *DB
}

func NewComponentStore(db *DB) *ComponentStore {
	return &ComponentStore{db: db}
}

func (s *ComponentStore) FetchByName(ctx context.Context, name string) (*component.Document, error) {
	query, args, err := s.db.sb.Select("name", "component_name", "block", "updated_at").
		From("components").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var (
		doc      component.Document
		raw      string
		modified int64
	)
	err = s.db.conn.QueryRowContext(ctx, query, args...).Scan(&doc.Name, &doc.ComponentName, &raw, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", component.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get component: %w", err)
	}
	if doc.Block, err = block.Parse([]byte(raw)); err != nil {
		return nil, fmt.Errorf("decode component %s: %w", name, err)
	}
	doc.Modified = time.UnixMilli(modified).UTC()
	return &doc, nil
}

// Save inserts or replaces the template for name. An existing display name is kept.
func (s *ComponentStore) Save(ctx context.Context, name string, root *block.Block) (*component.Document, error) {
	data, err := block.Serialize(root)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.db.sb.Select("component_name").From("components").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var display string
	switch scanErr := tx.QueryRowContext(ctx, query, args...).Scan(&display); {
	case errors.Is(scanErr, sql.ErrNoRows):
		display = name
		query, args, err = s.db.sb.Insert("components").
			Columns("name", "component_name", "block", "updated_at").
			Values(name, display, string(data), now.UnixMilli()).ToSql()
	case scanErr != nil:
		return nil, fmt.Errorf("get component: %w", scanErr)
	default:
		query, args, err = s.db.sb.Update("components").
			Set("block", string(data)).
			Set("updated_at", now.UnixMilli()).
			Where(sq.Eq{"name": name}).ToSql()
	}
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("save component %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &component.Document{Name: name, ComponentName: display, Block: root.Clone(), Modified: now}, nil
}

// Rename changes the display name shown for name.
func (s *ComponentStore) Rename(ctx context.Context, name, display string) error {
	query, args, err := s.db.sb.Update("components").Set("component_name", display).
		Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, query, args...)
	return err
}

func (s *ComponentStore) Delete(ctx context.Context, name string) error {
	query, args, err := s.db.sb.Delete("components").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, query, args...)
	return err
}

// Names lists every stored component name, sorted.
func (s *ComponentStore) Names(ctx context.Context) ([]string, error) {
	query, args, err := s.db.sb.Select("name").From("components").OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
