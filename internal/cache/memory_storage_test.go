package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStorage keeps generations in process memory. Tests use it to
// exercise the router without SQLite.
type MemoryStorage struct {
	mu   sync.RWMutex
	gens map[string]*memGeneration
}

type memGeneration struct {
	created time.Time
	entries map[string]Entry
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{gens: make(map[string]*memGeneration)}
}

// Generations implements Storage.
func (s *MemoryStorage) Generations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.gens))
	for name := range s.gens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Populate implements Storage.
func (s *MemoryStorage) Populate(ctx context.Context, batch map[string][]Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, entries := range batch {
		gen := &memGeneration{created: time.Now(), entries: make(map[string]Entry, len(entries))}
		for _, e := range entries {
			gen.entries[e.URL] = copyEntry(e)
		}
		s.gens[name] = gen
	}
	return nil
}

// Match implements Storage.
func (s *MemoryStorage) Match(ctx context.Context, generations []string, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, name := range generations {
		gen, ok := s.gens[name]
		if !ok {
			continue
		}
		if e, ok := gen.entries[key]; ok {
			out := copyEntry(e)
			return &out, nil
		}
	}
	return nil, nil
}

// Put implements Storage.
func (s *MemoryStorage) Put(ctx context.Context, generation string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.gens[generation]
	if !ok {
		gen = &memGeneration{created: time.Now(), entries: make(map[string]Entry)}
		s.gens[generation] = gen
	}
	gen.entries[e.URL] = copyEntry(e)
	return nil
}

// DeleteGeneration implements Storage.
func (s *MemoryStorage) DeleteGeneration(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gens, name)
	return nil
}

// Stats implements Storage.
func (s *MemoryStorage) Stats(ctx context.Context) ([]GenerationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]GenerationStats, 0, len(s.gens))
	for name, gen := range s.gens {
		st := GenerationStats{Name: name, Entries: len(gen.entries), CreatedAt: gen.created.UTC().Format(time.RFC3339)}
		for _, e := range gen.entries {
			st.Bytes += int64(len(e.Body))
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func copyEntry(e Entry) Entry {
	e.Body = append([]byte(nil), e.Body...)
	return e
}
