package sync

import (
	"context"

	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/store"
)

// Watermark kinds.
const (
	// pull cursor: authority-assigned receive sequence
	watermarkPullCursor = "pull_cursor"
	// push watermark: highest local last_updated offered
	watermarkPushed = "pushed_through"
)

// WatermarkKey returns the kv key holding a table's watermark.
func WatermarkKey(table, kind string) string {
	return "sync." + table + "." + kind
}

func loadWatermark(ctx context.Context, s *store.Store, table, kind string) (models.Timestamp, error) {
	var ts models.Timestamp
	if _, err := s.KVGet(ctx, WatermarkKey(table, kind), &ts); err != nil {
		return models.Timestamp{}, err
	}
	return ts, nil
}

// advanceWatermark stores ts unless the stored watermark is already at or
// past it. Overlapping runs may finish out of order.
func advanceWatermark(ctx context.Context, s *store.Store, table, kind string, ts models.Timestamp) error {
	if ts.IsZero() {
		return nil
	}
	current, err := loadWatermark(ctx, s, table, kind)
	if err != nil {
		return err
	}
	if !ts.Newer(current) {
		return nil
	}
	return s.KVSet(ctx, WatermarkKey(table, kind), ts)
}

func loadPullCursor(ctx context.Context, s *store.Store, table string) (int64, error) {
	var cursor int64
	if _, err := s.KVGet(ctx, WatermarkKey(table, watermarkPullCursor), &cursor); err != nil {
		return 0, err
	}
	return cursor, nil
}

// advancePullCursor moves the pull cursor forward. With reset it stores
// cursor even when it is behind, which an authority that lost its state
// requires.
func advancePullCursor(ctx context.Context, s *store.Store, table string, cursor int64, reset bool) error {
	if !reset {
		current, err := loadPullCursor(ctx, s, table)
		if err != nil {
			return err
		}
		if cursor <= current {
			return nil
		}
	}
	return s.KVSet(ctx, WatermarkKey(table, watermarkPullCursor), cursor)
}

// ResetWatermarks forgets every table watermark so the next run pulls and
// offers everything.
func ResetWatermarks(ctx context.Context, s *store.Store) error {
	for _, table := range models.EntityTables {
		for _, kind := range []string{watermarkPullCursor, watermarkPushed} {
			if err := s.KVDelete(ctx, WatermarkKey(table, kind)); err != nil {
				return err
			}
		}
	}
	return nil
}
