package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/internal/notify"
	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

// UserAPI validates a token and returns its profile.
type UserAPI interface {
	User(ctx context.Context, token string) (*models.User, error)
}

// Session is everything owned by one signed-in user.
type Session struct {
	Token     string
	User      *models.User
	Store     *Store
	CreatedAt time.Time

	mu      sync.Mutex
	closed  bool
	closers []func()
}

// OnTeardown registers cleanup that runs when the session ends. It returns
// ErrNoSession once the session has been torn down; fn is not run then.
func (s *Session) OnTeardown(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoSession
	}
	s.closers = append(s.closers, fn)
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	s.Store.Close()
}

type SessionsConfig struct {
	API             API
	Users           UserAPI
	Mirror          Mirror
	NotificationTTL time.Duration
}

// Sessions owns the store of every active session.
type Sessions struct {
	cfg SessionsConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessions(cfg SessionsConfig) *Sessions {
	return &Sessions{cfg: cfg, sessions: make(map[string]*Session)}
}

// Init validates token against the remote API, then creates and opens its
// store. Calling Init again for a live token returns the existing session.
func (m *Sessions) Init(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	if sess, err := m.Get(token); err == nil {
		return sess, nil
	}

	var user *models.User
	if m.cfg.Users != nil {
		u, err := m.cfg.Users.User(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to validate session: %w", err)
		}
		user = u
	}

	store := NewStore(token, Options{
		API:             m.cfg.API,
		Mirror:          m.cfg.Mirror,
		Hub:             notify.NewHub(),
		NotificationTTL: m.cfg.NotificationTTL,
	})
	if err := store.Open(ctx); err != nil {
		store.Close()
		return nil, err
	}

	sess := &Session{Token: token, User: user, Store: store, CreatedAt: time.Now()}

	m.mu.Lock()
	if existing, ok := m.sessions[token]; ok {
		m.mu.Unlock()
		store.Close()
		return existing, nil
	}
	m.sessions[token] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	logger.Info("Session started", zap.Int("active_sessions", count))
	return sess, nil
}

func (m *Sessions) Get(token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[token]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Teardown ends a session. The mirror is kept for the next sign-in.
func (m *Sessions) Teardown(token string) error {
	m.mu.Lock()
	sess, ok := m.sessions[token]
	delete(m.sessions, token)
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return ErrNoSession
	}

	sess.close()
	metrics.ActiveSessions.Set(float64(count))
	logger.Info("Session ended", zap.Int("active_sessions", count))
	return nil
}

func (m *Sessions) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down every session.
func (m *Sessions) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range all {
		sess.close()
	}
	metrics.ActiveSessions.Set(0)
}
