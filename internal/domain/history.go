package domain

import (
	"context"
	"time"
)

// HistoryEntry is one persisted undo snapshot of a page.
type HistoryEntry struct {
	PageID           string    `json:"pageId"`
	Seq              int64     `json:"seq"`
	Block            string    `json:"block"`
	SelectedBlockIDs []string  `json:"selectedBlockIds"`
	CreatedAt        time.Time `json:"createdAt"`
}

// HistoryStore persists committed snapshots per page, oldest first, plus a
// cursor: the seq of the entry the page currently shows. Entries after the
// cursor are the redo branch; the next append drops them.
type HistoryStore interface {
	AppendEntry(ctx context.Context, e *HistoryEntry, keep int) error
	ListEntries(ctx context.Context, pageID string) ([]HistoryEntry, error)
	Cursor(ctx context.Context, pageID string) (int64, error)
	MoveCursor(ctx context.Context, pageID string, steps int) error
	ClearPage(ctx context.Context, pageID string) error
}
