package store

import (
	"context"
	"time"
)

// QueryOptions narrows a table read.
type QueryOptions struct {
	Filters      map[string]any // column = value, ANDed
	CreatedAfter time.Time      // created_at strictly after, when non-zero
	OrderBy      string         // column, empty = store order
	Descending   bool
	Limit        int // 0 = no limit
}

// Store is the read/write contract against the relational data store. The
// change-detection pipeline only reads; the writers exist for tooling and so
// the caching layer can invalidate on mutation.
type Store interface {
	Query(ctx context.Context, table string, opts QueryOptions) ([]Record, error)
	Count(ctx context.Context, table string) (int64, error)
	Insert(ctx context.Context, table string, record Record) error
	Update(ctx context.Context, table string, id any, fields map[string]any) error
	Delete(ctx context.Context, table string, id any) error
	Ping(ctx context.Context) error
	Close() error
}
