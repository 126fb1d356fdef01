package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcolf/colfexpress/internal/db"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sql":    NewSQLStorage(database),
	}
}

func TestStorage(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Populate(ctx, map[string][]Entry{
				"core-v1":   {{URL: "/", Status: 200, ContentType: "text/html", Body: []byte("root")}},
				"static-v1": {{URL: "/logo.png", Status: 200, Body: []byte{1, 2, 3}}},
			}))

			names, err := s.Generations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"core-v1", "static-v1"}, names)

			e, err := s.Match(ctx, []string{"core-v1", "static-v1"}, "/logo.png")
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, []byte{1, 2, 3}, e.Body)

			miss, err := s.Match(ctx, []string{"core-v1"}, "/logo.png")
			require.NoError(t, err)
			assert.Nil(t, miss)

			// Put overwrites and can create a generation.
			require.NoError(t, s.Put(ctx, "core-v1", Entry{URL: "/", Status: 200, Body: []byte("fresh")}))
			require.NoError(t, s.Put(ctx, "core-v2", Entry{URL: "/", Status: 200, Body: []byte("next")}))
			e, err = s.Match(ctx, []string{"core-v1"}, "/")
			require.NoError(t, err)
			assert.Equal(t, "fresh", string(e.Body))

			// Populate replaces a generation wholesale.
			require.NoError(t, s.Populate(ctx, map[string][]Entry{
				"core-v1": {{URL: "/index.html", Status: 200, Body: []byte("i")}},
			}))
			e, err = s.Match(ctx, []string{"core-v1"}, "/")
			require.NoError(t, err)
			assert.Nil(t, e)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			require.Len(t, stats, 3)
			assert.Equal(t, "core-v1", stats[0].Name)
			assert.Equal(t, 1, stats[0].Entries)
			assert.Equal(t, int64(1), stats[0].Bytes)

			require.NoError(t, s.DeleteGeneration(ctx, "static-v1"))
			e, err = s.Match(ctx, []string{"static-v1"}, "/logo.png")
			require.NoError(t, err)
			assert.Nil(t, e)
			names, _ = s.Generations(ctx)
			assert.Equal(t, []string{"core-v1", "core-v2"}, names)
		})
	}
}
