// Package dashboard holds the per-session dashboard state, reconciled against
// the remote API after every mutation and mirrored locally for fast reloads.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/internal/notify"
	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
	"github.com/gsheet-analysis/dashboard/pkg/utils"
)

var (
	ErrNoSession       = errors.New("no active session")
	ErrSectionNotFound = errors.New("section not found")
	ErrGraphNotFound   = errors.New("graph not found")
)

const DefaultNotificationTTL = 5 * time.Second

// API is the subset of the remote client the store depends on.
type API interface {
	Dashboards(ctx context.Context, token string) ([]models.Section, error)
	UpdateTableName(ctx context.Context, token, tableName, displayName string) error
	DeleteGraph(ctx context.Context, token string, graphID int, tableName string) error
	RefreshGraph(ctx context.Context, token string, graphID int, tableName string) error
	CreateGraph(ctx context.Context, token, tableName, prompt string) error
}

// Mirror persists the last good state of a session.
type Mirror interface {
	LoadMirror(ctx context.Context, key string) ([]byte, bool, error)
	SaveMirror(ctx context.Context, key string, payload []byte) error
}

type Options struct {
	API             API
	Mirror          Mirror
	Hub             *notify.Hub
	NotificationTTL time.Duration
}

type Store struct {
	token     string
	mirrorKey string
	api       API
	mirror    Mirror
	hub       *notify.Hub
	ttl       time.Duration

	mu       sync.RWMutex
	sections []models.Section
	loading  int
	// seq orders loads; a response older than the applied one is dropped.
	seq     uint64
	applied uint64

	persistMu sync.Mutex
	locks     *keyedMutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewStore(token string, opts Options) *Store {
	hub := opts.Hub
	if hub == nil {
		hub = notify.NewHub()
	}
	ttl := opts.NotificationTTL
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	bgCtx, cancel := context.WithCancel(context.Background())

	return &Store{
		token:     token,
		mirrorKey: MirrorKey(token),
		api:       opts.API,
		mirror:    opts.Mirror,
		hub:       hub,
		ttl:       ttl,
		sections:  []models.Section{},
		locks:     newKeyedMutex(),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
	}
}

// MirrorKey derives the mirror key for a token so raw credentials are never
// written to disk.
func MirrorKey(token string) string {
	return utils.HashString(token)
}

// Open populates the store. With a mirror present the state is hydrated
// synchronously and a reload runs in the background; its failure is published
// as a notification. Without a mirror the first load is awaited.
func (s *Store) Open(ctx context.Context) error {
	if s.token == "" {
		return ErrNoSession
	}

	if s.hydrate(ctx) {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.Load(s.bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Background dashboard reload failed", zap.Error(err))
				s.notifyError("Could not refresh dashboards. Showing saved data.")
			}
		}()
		return nil
	}

	return s.Load(ctx)
}

func (s *Store) hydrate(ctx context.Context) bool {
	if s.mirror == nil {
		return false
	}

	payload, found, err := s.mirror.LoadMirror(ctx, s.mirrorKey)
	if err != nil {
		logger.Warn("Failed to read dashboard mirror", zap.Error(err))
		return false
	}
	if !found {
		return false
	}

	var sections []models.Section
	if err := json.Unmarshal(payload, &sections); err != nil {
		logger.Warn("Discarding unreadable dashboard mirror", zap.Error(err))
		return false
	}
	if sections == nil {
		sections = []models.Section{}
	}

	s.mu.Lock()
	if s.applied == 0 {
		s.sections = sections
	}
	s.mu.Unlock()

	s.hub.Publish(notify.Event{Kind: notify.KindChanged})
	logger.Debug("Dashboard hydrated from mirror", zap.Int("sections", len(sections)))
	return true
}

// Load replaces the whole state with the remote listing and overwrites the
// mirror. On failure the current state is kept and the error returned.
func (s *Store) Load(ctx context.Context) error {
	if s.token == "" {
		return ErrNoSession
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.loading++
	s.mu.Unlock()
	s.publishLoading()

	defer func() {
		s.mu.Lock()
		s.loading--
		s.mu.Unlock()
		s.publishLoading()
	}()

	sections, err := s.api.Dashboards(ctx, s.token)
	if err != nil {
		metrics.StoreReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load dashboards: %w", err)
	}
	if sections == nil {
		sections = []models.Section{}
	}

	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		metrics.StoreReloads.WithLabelValues("stale").Inc()
		return nil
	}
	s.applied = seq
	s.sections = sections
	s.mu.Unlock()

	metrics.StoreReloads.WithLabelValues("success").Inc()
	s.persist(ctx, seq, sections)
	s.hub.Publish(notify.Event{Kind: notify.KindChanged})
	return nil
}

// persist overwrites the mirror unless a newer load already did.
func (s *Store) persist(ctx context.Context, seq uint64, sections []models.Section) {
	if s.mirror == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	current := s.applied == seq
	s.mu.RUnlock()
	if !current {
		return
	}

	payload, err := json.Marshal(sections)
	if err != nil {
		logger.Error("Failed to encode dashboard mirror", zap.Error(err))
		return
	}
	if err := s.mirror.SaveMirror(context.WithoutCancel(ctx), s.mirrorKey, payload); err != nil {
		logger.Warn("Failed to write dashboard mirror", zap.Error(err))
	}
}

func (s *Store) RenameSection(ctx context.Context, tableName, displayName string) error {
	return s.mutate(ctx, "rename", tableName, func(ctx context.Context) error {
		return s.api.UpdateTableName(ctx, s.token, tableName, displayName)
	})
}

func (s *Store) DeleteGraph(ctx context.Context, graphID int, tableName string) error {
	return s.mutate(ctx, "delete", tableName, func(ctx context.Context) error {
		return s.api.DeleteGraph(ctx, s.token, graphID, tableName)
	})
}

func (s *Store) RefreshGraph(ctx context.Context, graphID int, tableName string) error {
	return s.mutate(ctx, "refresh", tableName, func(ctx context.Context) error {
		return s.api.RefreshGraph(ctx, s.token, graphID, tableName)
	})
}

func (s *Store) CreateGraph(ctx context.Context, tableName, prompt string) error {
	return s.mutate(ctx, "create", tableName, func(ctx context.Context) error {
		return s.api.CreateGraph(ctx, s.token, tableName, prompt)
	})
}

// mutate runs the remote call and, on success, a full reload. Both happen
// under the section's lock so a second mutation on the same section starts
// from reconciled state. Local state is never patched.
func (s *Store) mutate(ctx context.Context, op, tableName string, call func(context.Context) error) error {
	if s.token == "" {
		return ErrNoSession
	}

	unlock := s.locks.Lock(tableName)
	defer unlock()

	if err := call(ctx); err != nil {
		metrics.StoreMutations.WithLabelValues(op, "error").Inc()
		logger.Warn("Dashboard mutation rejected",
			zap.String("operation", op),
			zap.String("table_name", tableName),
			zap.Error(err),
		)
		s.notifyError(err.Error())
		return err
	}

	metrics.StoreMutations.WithLabelValues(op, "success").Inc()
	if err := s.Load(ctx); err != nil {
		s.notifyError("Saved, but the dashboard could not be reloaded.")
		return err
	}
	return nil
}

func (s *Store) notifyError(msg string) {
	s.hub.Notify(notify.Notification{Level: notify.LevelError, Message: msg, DismissAfter: s.ttl})
}

func (s *Store) publishLoading() {
	s.hub.Publish(notify.Event{Kind: notify.KindLoading, Loading: s.IsLoading()})
}

// Sections returns a deep copy of the current state.
func (s *Store) Sections() []models.Section {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Section, len(s.sections))
	for i, sec := range s.sections {
		out[i] = sec.Clone()
	}
	return out
}

func (s *Store) Section(tableName string) (models.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sec := range s.sections {
		if sec.TableName == tableName {
			return sec.Clone(), nil
		}
	}
	return models.Section{}, fmt.Errorf("%w: %s", ErrSectionNotFound, tableName)
}

func (s *Store) Graph(tableName string, graphID int) (models.Graph, error) {
	sec, err := s.Section(tableName)
	if err != nil {
		return models.Graph{}, err
	}
	g, ok := sec.FindGraph(graphID)
	if !ok {
		return models.Graph{}, fmt.Errorf("%w: %d in %s", ErrGraphNotFound, graphID, tableName)
	}
	return g, nil
}

func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

// Changes subscribes to store events. Release with Unsubscribe.
func (s *Store) Changes() chan notify.Event {
	return s.hub.Subscribe()
}

func (s *Store) Unsubscribe(ch chan notify.Event) {
	s.hub.Unsubscribe(ch)
}

func (s *Store) Hub() *notify.Hub {
	return s.hub
}

// Close stops background work and releases subscribers.
func (s *Store) Close() {
	s.bgCancel()
	s.bg.Wait()
	s.hub.Close()
}
