package assets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/utils"
)

type memStore struct {
	mu      sync.Mutex
	assets  map[string]*models.CachedAsset
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{assets: make(map[string]*models.CachedAsset)}
}

func (s *memStore) MatchAsset(_ context.Context, url string) (*models.CachedAsset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[url]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (s *memStore) PutAsset(_ context.Context, asset *models.CachedAsset) error {
	if s.failPut {
		return errors.New("quota exceeded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *asset
	s.assets[asset.URL] = &cp
	return nil
}

// cdn serves fixed bodies per path and counts requests per path.
type cdn struct {
	srv    *httptest.Server
	bodies map[string]string
	delay  map[string]time.Duration
	hits   sync.Map
}

func newCDN(t *testing.T, bodies map[string]string) *cdn {
	t.Helper()
	c := &cdn{bodies: bodies, delay: map[string]time.Duration{}}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := c.hits.LoadOrStore(r.URL.Path, new(int64))
		atomic.AddInt64(n.(*int64), 1)
		if d := c.delay[r.URL.Path]; d > 0 {
			time.Sleep(d)
		}
		body, ok := c.bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *cdn) url(path string) string { return c.srv.URL + path }

func (c *cdn) count(path string) int64 {
	n, ok := c.hits.Load(path)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(n.(*int64))
}

func TestLoadText_FetchesOncePerURL(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "console.log(1)", "/lib-b.js": "console.log(2)"})
	store := newMemStore()
	m := NewManager(store, c.srv.Client(), Config{})
	urls := []string{c.url("/lib-a.js"), c.url("/lib-b.js")}

	for i := 0; i < 3; i++ {
		texts := m.LoadText(context.Background(), urls)
		assert.Equal(t, []string{"console.log(1)", "console.log(2)"}, texts)
	}
	require.NoError(t, m.EnsureCached(context.Background(), urls))

	assert.Equal(t, int64(1), c.count("/lib-a.js"))
	assert.Equal(t, int64(1), c.count("/lib-b.js"))

	// A fresh manager over the same durable store never hits the network.
	m2 := NewManager(store, c.srv.Client(), Config{})
	assert.Equal(t, []string{"console.log(1)", "console.log(2)"}, m2.LoadText(context.Background(), urls))
	assert.Equal(t, int64(1), c.count("/lib-a.js"))
}

func TestLoadText_PreservesOrder(t *testing.T) {
	c := newCDN(t, map[string]string{"/slow.js": "slow", "/fast.js": "fast"})
	c.delay["/slow.js"] = 50 * time.Millisecond
	m := NewManager(newMemStore(), c.srv.Client(), Config{})

	texts := m.LoadText(context.Background(), []string{c.url("/slow.js"), c.url("/fast.js")})
	assert.Equal(t, []string{"slow", "fast"}, texts)
}

func TestLoadText_PartialFailure(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "a", "/lib-c.js": "c"})
	m := NewManager(newMemStore(), c.srv.Client(), Config{})

	texts := m.LoadText(context.Background(), []string{
		c.url("/lib-a.js"),
		c.url("/missing.js"),
		"http://127.0.0.1:0/unreachable.js",
		c.url("/lib-c.js"),
	})
	assert.Equal(t, []string{"a", "", "", "c"}, texts)
}

func TestEnsureCached_ReportsFailures(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "a"})
	store := newMemStore()
	m := NewManager(store, c.srv.Client(), Config{})

	err := m.EnsureCached(context.Background(), []string{c.url("/lib-a.js"), c.url("/missing.js")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing.js")

	_, found, _ := store.MatchAsset(context.Background(), c.url("/lib-a.js"))
	assert.True(t, found)
}

func TestLoadText_ConcurrentMissesShareOneFetch(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "a"})
	c.delay["/lib-a.js"] = 30 * time.Millisecond
	m := NewManager(newMemStore(), c.srv.Client(), Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, []string{"a"}, m.LoadText(context.Background(), []string{c.url("/lib-a.js")}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), c.count("/lib-a.js"))
}

func TestLoadText_StoreWriteFailureStillReturnsText(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "a"})
	store := newMemStore()
	store.failPut = true
	m := NewManager(store, c.srv.Client(), Config{})

	assert.Equal(t, []string{"a"}, m.LoadText(context.Background(), []string{c.url("/lib-a.js")}))
}

func TestLoadText_CacheCopyIsIndependent(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "abc"})
	store := newMemStore()
	m := NewManager(store, c.srv.Client(), Config{})

	_ = m.LoadText(context.Background(), []string{c.url("/lib-a.js")})

	cached, _, _ := store.MatchAsset(context.Background(), c.url("/lib-a.js"))
	assert.Equal(t, "abc", string(cached.Content))
	assert.Equal(t, utils.HashString("abc"), cached.Digest)
}

func TestIntegrityPins(t *testing.T) {
	c := newCDN(t, map[string]string{"/lib-a.js": "good", "/lib-b.js": "tampered"})
	urlA, urlB := c.url("/lib-a.js"), c.url("/lib-b.js")
	store := newMemStore()
	m := NewManager(store, c.srv.Client(), Config{Pins: map[string]string{
		urlA: utils.HashString("good"),
		urlB: utils.HashString("expected"),
	}})

	assert.Equal(t, []string{"good", ""}, m.LoadText(context.Background(), []string{urlA, urlB}))

	_, found, _ := store.MatchAsset(context.Background(), urlB)
	assert.False(t, found, "mismatching content must not be cached")

	// A stale cached copy under a pinned URL is treated as a miss.
	require.NoError(t, store.PutAsset(context.Background(), &models.CachedAsset{URL: urlA, Content: []byte("stale"), Digest: "old"}))
	assert.Equal(t, []string{"good"}, m.LoadText(context.Background(), []string{urlA}))
	assert.Equal(t, int64(2), c.count("/lib-a.js"))
}

func TestLibraries(t *testing.T) {
	m := NewManager(newMemStore(), nil, Config{URLs: []string{"https://cdn/lib-a.js"}})
	libs := m.Libraries()
	libs[0] = "mutated"
	assert.Equal(t, []string{"https://cdn/lib-a.js"}, m.Libraries())
}
