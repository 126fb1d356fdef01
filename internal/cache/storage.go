package cache

import (
	"context"
	"time"
)

// Entry is one stored response.
type Entry struct {
	URL         string    `db:"url" json:"url"`
	Status      int       `db:"status" json:"status"`
	ContentType string    `db:"content_type" json:"content_type"`
	Body        []byte    `db:"body" json:"-"`
	StoredAt    time.Time `db:"-" json:"stored_at"`
}

// OK reports whether the stored status is a success.
func (e *Entry) OK() bool {
	return e.Status >= 200 && e.Status <= 299
}

// GenerationStats summarizes one generation.
type GenerationStats struct {
	Name      string `db:"name" json:"name"`
	Entries   int    `db:"entries" json:"entries"`
	Bytes     int64  `db:"bytes" json:"bytes"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// Storage persists cache generations.
type Storage interface {
	// Generations lists the stored generation names in name order.
	Generations(ctx context.Context) ([]string, error)
	// Populate atomically replaces the contents of every generation in
	// batch. Either all generations are written or none is.
	Populate(ctx context.Context, batch map[string][]Entry) error
	// Match returns the entry for key from the first generation that holds it.
	Match(ctx context.Context, generations []string, key string) (*Entry, error)
	// Put stores one entry, creating the generation if needed.
	Put(ctx context.Context, generation string, e Entry) error
	// DeleteGeneration removes a generation and every entry in it.
	DeleteGeneration(ctx context.Context, name string) error
	// Stats summarizes every generation.
	Stats(ctx context.Context) ([]GenerationStats, error)
}
