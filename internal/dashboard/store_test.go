package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsheet-analysis/dashboard/internal/notify"
	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/internal/storage/sqlite"
)

// fakeAPI is an in-memory remote that applies mutations to its own copy.
type fakeAPI struct {
	mu       sync.Mutex
	sections []models.Section
	loadErr  error
	mutErr   error
	loads    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeAPI) Dashboards(ctx context.Context, token string) ([]models.Section, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make([]models.Section, len(f.sections))
	for i, s := range f.sections {
		out[i] = s.Clone()
	}
	return out, nil
}

func (f *fakeAPI) track() func() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeAPI) UpdateTableName(ctx context.Context, token, tableName, displayName string) error {
	defer f.track()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	for i := range f.sections {
		if f.sections[i].TableName == tableName {
			f.sections[i].DisplayName = displayName
		}
	}
	return nil
}

func (f *fakeAPI) DeleteGraph(ctx context.Context, token string, graphID int, tableName string) error {
	defer f.track()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	for i := range f.sections {
		if f.sections[i].TableName != tableName {
			continue
		}
		kept := f.sections[i].Graphs[:0]
		for _, g := range f.sections[i].Graphs {
			if g.ID != graphID {
				kept = append(kept, g)
			}
		}
		f.sections[i].Graphs = kept
	}
	return nil
}

func (f *fakeAPI) RefreshGraph(ctx context.Context, token string, graphID int, tableName string) error {
	defer f.track()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	for i := range f.sections {
		for j := range f.sections[i].Graphs {
			if f.sections[i].TableName == tableName && f.sections[i].Graphs[j].ID == graphID {
				f.sections[i].Graphs[j].IsUpToDate = true
			}
		}
	}
	return nil
}

func (f *fakeAPI) CreateGraph(ctx context.Context, token, tableName, prompt string) error {
	defer f.track()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	for i := range f.sections {
		if f.sections[i].TableName == tableName {
			next := len(f.sections[i].Graphs) + 100
			f.sections[i].Graphs = append(f.sections[i].Graphs, models.Graph{ID: next, Prompt: prompt})
		}
	}
	return nil
}

type memMirror struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemMirror() *memMirror { return &memMirror{blobs: map[string][]byte{}} }

func (m *memMirror) LoadMirror(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	return b, ok, nil
}

func (m *memMirror) SaveMirror(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), payload...)
	return nil
}

func fixtureSections() []models.Section {
	return []models.Section{
		{
			TableName:   "sales_q1",
			DisplayName: "Sales Q1",
			Columns:     []string{"region", "revenue"},
			Graphs: []models.Graph{
				{ID: 5, Timestamp: 1700000000, Prompt: "by region"},
				{ID: 7, Timestamp: 1700000100, Prompt: "by month"},
				{ID: 9, Timestamp: 1700000200, Prompt: "top 10"},
			},
		},
		{
			TableName:   "inventory",
			DisplayName: "Inventory",
			Graphs: []models.Graph{
				{ID: 7, Timestamp: 1700000300, Prompt: "stock levels"},
			},
		},
	}
}

func graphIDs(sec models.Section) []int {
	ids := make([]int, 0, len(sec.Graphs))
	for _, g := range sec.Graphs {
		ids = append(ids, g.ID)
	}
	return ids
}

func nextEvent(t *testing.T, ch chan notify.Event, kind notify.Kind) notify.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestStore_RequiresSession(t *testing.T) {
	s := NewStore("", Options{API: &fakeAPI{}})
	defer s.Close()

	ctx := context.Background()
	assert.ErrorIs(t, s.Open(ctx), ErrNoSession)
	assert.ErrorIs(t, s.Load(ctx), ErrNoSession)
	assert.ErrorIs(t, s.RenameSection(ctx, "sales_q1", "x"), ErrNoSession)
	assert.ErrorIs(t, s.DeleteGraph(ctx, 7, "sales_q1"), ErrNoSession)
	assert.ErrorIs(t, s.RefreshGraph(ctx, 7, "sales_q1"), ErrNoSession)
	assert.ErrorIs(t, s.CreateGraph(ctx, "sales_q1", "x"), ErrNoSession)
}

func TestStore_OpenWithoutMirrorAwaitsLoad(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	mirror := newMemMirror()
	s := NewStore("tok", Options{API: api, Mirror: mirror})
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	assert.Len(t, s.Sections(), 2)
	assert.False(t, s.IsLoading())

	payload, found, _ := mirror.LoadMirror(context.Background(), MirrorKey("tok"))
	require.True(t, found)
	var mirrored []models.Section
	require.NoError(t, json.Unmarshal(payload, &mirrored))
	assert.Equal(t, "sales_q1", mirrored[0].TableName)
}

func TestStore_OpenHydratesFromMirrorThenReloads(t *testing.T) {
	stale := fixtureSections()[:1]
	stale[0].DisplayName = "Old name"
	payload, err := json.Marshal(stale)
	require.NoError(t, err)

	mirror := newMemMirror()
	require.NoError(t, mirror.SaveMirror(context.Background(), MirrorKey("tok"), payload))

	api := &fakeAPI{sections: fixtureSections(), loadErr: errors.New("offline")}
	s := NewStore("tok", Options{API: api, Mirror: mirror})
	defer s.Close()
	ch := s.Changes()
	defer s.Unsubscribe(ch)

	require.NoError(t, s.Open(context.Background()))

	sec, err := s.Section("sales_q1")
	require.NoError(t, err)
	assert.Equal(t, "Old name", sec.DisplayName)

	// The background reload failed: stale state stays and the user is told.
	ev := nextEvent(t, ch, notify.KindNotification)
	assert.Equal(t, notify.LevelError, ev.Notification.Level)
	assert.Equal(t, DefaultNotificationTTL, ev.Notification.DismissAfter)
	assert.Len(t, s.Sections(), 1)

	api.mu.Lock()
	api.loadErr = nil
	api.mu.Unlock()
	require.NoError(t, s.Load(context.Background()))
	sec, _ = s.Section("sales_q1")
	assert.Equal(t, "Sales Q1", sec.DisplayName)
}

func TestStore_LoadFailureKeepsState(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	s := NewStore("tok", Options{API: api})
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	api.mu.Lock()
	api.loadErr = errors.New("connection refused")
	api.mu.Unlock()

	err := s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, s.Sections(), 2)
	assert.False(t, s.IsLoading())
}

func TestStore_LoadIsIdempotentAndOverwritesMirror(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	mirror := newMemMirror()
	s := NewStore("tok", Options{API: api, Mirror: mirror})
	defer s.Close()

	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.Load(context.Background()))
	assert.Len(t, s.Sections(), 2)

	api.mu.Lock()
	api.sections = api.sections[1:]
	api.mu.Unlock()
	require.NoError(t, s.Load(context.Background()))

	payload, _, _ := mirror.LoadMirror(context.Background(), MirrorKey("tok"))
	var mirrored []models.Section
	require.NoError(t, json.Unmarshal(payload, &mirrored))
	require.Len(t, mirrored, 1)
	assert.Equal(t, "inventory", mirrored[0].TableName)
}

func TestStore_DeleteGraphRemovesOnlyThatGraph(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	s := NewStore("tok", Options{API: api})
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.DeleteGraph(context.Background(), 7, "sales_q1"))

	sales, err := s.Section("sales_q1")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 9}, graphIDs(sales))

	inventory, err := s.Section("inventory")
	require.NoError(t, err)
	assert.Equal(t, []int{7}, graphIDs(inventory))

	_, err = s.Graph("sales_q1", 7)
	assert.ErrorIs(t, err, ErrGraphNotFound)
}

func TestStore_FailedRenameLeavesStateAndNotifies(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	s := NewStore("tok", Options{API: api, NotificationTTL: 5 * time.Second})
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))
	loadsBefore := api.loads.Load()

	ch := s.Changes()
	defer s.Unsubscribe(ch)

	api.mu.Lock()
	api.mutErr = errors.New("Failed to update table name.")
	api.mu.Unlock()

	err := s.RenameSection(context.Background(), "sales_q1", "Q1 Sales")
	require.Error(t, err)

	sec, _ := s.Section("sales_q1")
	assert.Equal(t, "Sales Q1", sec.DisplayName)
	assert.Equal(t, loadsBefore, api.loads.Load(), "no reload after a rejected mutation")

	ev := nextEvent(t, ch, notify.KindNotification)
	assert.Equal(t, "Failed to update table name.", ev.Notification.Message)
	assert.Equal(t, 5*time.Second, ev.Notification.DismissAfter)
}

func TestStore_SuccessfulMutationsReconcile(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	s := NewStore("tok", Options{API: api})
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))
	ctx := context.Background()

	require.NoError(t, s.RenameSection(ctx, "sales_q1", "Q1 Sales"))
	sec, _ := s.Section("sales_q1")
	assert.Equal(t, "Q1 Sales", sec.DisplayName)

	require.NoError(t, s.RefreshGraph(ctx, 5, "sales_q1"))
	g, err := s.Graph("sales_q1", 5)
	require.NoError(t, err)
	assert.True(t, g.IsUpToDate)

	require.NoError(t, s.CreateGraph(ctx, "inventory", "stock by warehouse"))
	inv, _ := s.Section("inventory")
	require.Len(t, inv.Graphs, 2)
	assert.Equal(t, "stock by warehouse", inv.Graphs[1].Prompt)
}

func TestStore_MutationsOnOneSectionAreSerialized(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections(), delay: 20 * time.Millisecond}
	s := NewStore("tok", Options{API: api})
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	var wg sync.WaitGroup
	for _, id := range []int{5, 7, 9} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, s.DeleteGraph(context.Background(), id, "sales_q1"))
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), api.maxSeen.Load())
	sec, _ := s.Section("sales_q1")
	assert.Empty(t, sec.Graphs)
	assert.Equal(t, 0, s.locks.size())
}

func TestStore_ReadsAreCopies(t *testing.T) {
	api := &fakeAPI{sections: fixtureSections()}
	s := NewStore("tok", Options{API: api})
	defer s.Close()
	require.NoError(t, s.Load(context.Background()))

	secs := s.Sections()
	secs[0].Graphs[0].Prompt = "mutated"
	secs[0].DisplayName = "mutated"

	sec, _ := s.Section("sales_q1")
	assert.Equal(t, "Sales Q1", sec.DisplayName)
	assert.Equal(t, "by region", sec.Graphs[0].Prompt)

	_, err := s.Section("missing")
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestStore_SQLiteMirror(t *testing.T) {
	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	api := &fakeAPI{sections: fixtureSections()}
	first := NewStore("tok", Options{API: api, Mirror: db})
	require.NoError(t, first.Open(context.Background()))
	first.Close()

	// A new store for the same token renders before the network answers.
	api.mu.Lock()
	api.loadErr = errors.New("offline")
	api.mu.Unlock()

	second := NewStore("tok", Options{API: api, Mirror: db})
	defer second.Close()
	require.NoError(t, second.Open(context.Background()))
	assert.Len(t, second.Sections(), 2)

	// Another token never sees this mirror.
	other := NewStore("other", Options{API: api, Mirror: db})
	defer other.Close()
	assert.Error(t, other.Open(context.Background()))
	assert.Empty(t, other.Sections())
}
