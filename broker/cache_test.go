package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/secretbroker/backend/vault"
)

// memStore is an in-memory Store. When hold is set, the first Read snapshots
// the data, signals reading and waits for release before returning it.
type memStore struct {
	mu       sync.Mutex
	data     map[string]map[string]any
	versions map[string]int

	hold    bool
	once    sync.Once
	reading chan struct{}
	release chan struct{}
}

func newMemStore(hold bool) *memStore {
	return &memStore{
		data:     make(map[string]map[string]any),
		versions: make(map[string]int),
		hold:     hold,
		reading:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *memStore) Read(_ context.Context, path string) (*vault.SecretRecord, error) {
	s.mu.Lock()
	data, ok := s.data[path]
	version := s.versions[path]
	s.mu.Unlock()

	if s.hold {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.reading)
			<-s.release
		}
	}
	if !ok {
		return nil, &vault.Error{Kind: vault.ErrNotFound, Op: "read", Path: path}
	}
	return &vault.SecretRecord{Path: path, Data: vault.MergeValues(nil, data), Version: version}, nil
}

func (s *memStore) Create(_ context.Context, path string, data map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; ok {
		return 0, &vault.Error{Kind: vault.ErrConflict, Op: "create", Path: path}
	}
	s.data[path] = vault.MergeValues(nil, data)
	s.versions[path]++
	return s.versions[path], nil
}

func (s *memStore) Replace(_ context.Context, path string, data map[string]any, version int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions[path] != version {
		return 0, &vault.Error{Kind: vault.ErrConflict, Op: "replace", Path: path}
	}
	s.data[path] = vault.MergeValues(nil, data)
	s.versions[path]++
	return s.versions[path], nil
}

func (s *memStore) CurrentVersion(_ context.Context, path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[path], nil
}

func (s *memStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
	return nil
}

func (s *memStore) List(context.Context, string) ([]string, error) { return nil, nil }
func (s *memStore) Start(context.Context) error                    { return nil }
func (s *memStore) Stop()                                          {}

func (s *memStore) seed(path string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = data
	s.versions[path]++
}

func TestBroker_ReadCacheDropsReadsOverlappingWrites(t *testing.T) {
	tests := []struct {
		name    string
		write   func(ctx context.Context, b *Broker) error
		want    map[string]any
		missing bool
	}{
		{
			name: "upsert",
			write: func(ctx context.Context, b *Broker) error {
				return b.UpsertSecret(ctx, "p", map[string]any{"a": "new"})
			},
			want: map[string]any{"a": "new"},
		},
		{
			name:    "delete",
			write:   func(ctx context.Context, b *Broker) error { return b.DeleteSecret(ctx, "p") },
			missing: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(true)
			store.seed("p", map[string]any{"a": "old"})

			b, err := New(store, Options{ReadCacheTTL: time.Minute}, nil)
			require.NoError(t, err)
			defer b.Stop()
			ctx := context.Background()

			stale := make(chan map[string]any, 1)
			go func() {
				data, _ := b.GetSecret(ctx, "p")
				stale <- data
			}()

			<-store.reading
			require.NoError(t, tt.write(ctx, b))
			close(store.release)
			assert.Equal(t, "old", (<-stale)["a"])

			got, err := b.GetSecret(ctx, "p")
			if tt.missing {
				assert.True(t, vault.IsNotFound(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCache_Generations(t *testing.T) {
	c, err := newReadCache(time.Minute, 0)
	require.NoError(t, err)
	defer c.Close()

	gen := c.Begin("p")
	c.Finish("p", gen, map[string]any{"a": "1"})
	got, ok := c.Get("p")
	require.True(t, ok)
	assert.Equal(t, "1", got["a"])

	gen = c.Begin("p")
	c.Del("p")
	c.Finish("p", gen, map[string]any{"a": "stale"})
	_, ok = c.Get("p")
	assert.False(t, ok)

	// Reads that begin after the Del fill normally.
	gen = c.Begin("p")
	c.Finish("p", gen, map[string]any{"a": "2"})
	got, ok = c.Get("p")
	require.True(t, ok)
	assert.Equal(t, "2", got["a"])
	assert.Empty(t, c.inflight)
}
