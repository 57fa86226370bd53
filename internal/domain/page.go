package domain

import (
	"context"
	"errors"
	"time"
)

// ErrPageNotFound is returned by a PageStore for an unknown id.
var ErrPageNotFound = errors.New("page not found")

// Page is a stored page. DraftBlocks holds the serialized root block being
// edited; PublishedBlocks the version last published.
type Page struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Route           string    `json:"route"`
	DraftBlocks     string    `json:"draftBlocks"`
	PublishedBlocks string    `json:"publishedBlocks,omitempty"`
	Published       bool      `json:"published"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type PageStore interface {
	CreatePage(ctx context.Context, p *Page) error
	GetPage(ctx context.Context, id string) (*Page, error)
	ListPages(ctx context.Context) ([]Page, error)
	UpdateDraft(ctx context.Context, id, blocks string) error
	UpdatePublished(ctx context.Context, id, blocks string) error
	PublishPage(ctx context.Context, id string) error
	DeletePage(ctx context.Context, id string) error
}
