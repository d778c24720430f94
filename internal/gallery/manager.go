package gallery

import (
	"context"
	"sync"

	"github.com/gsheet-analysis/dashboard/internal/dashboard"
)

// Manager keeps one Gallery per live session and drops it on teardown.
type Manager struct {
	ctx context.Context
	cfg Config

	mu        sync.Mutex
	galleries map[*dashboard.Session]*Gallery
}

func NewManager(ctx context.Context, cfg Config) *Manager {
	return &Manager{ctx: ctx, cfg: cfg, galleries: make(map[*dashboard.Session]*Gallery)}
}

// For returns the session's gallery, creating it on first use. A session
// that was already torn down gets dashboard.ErrNoSession.
func (m *Manager) For(sess *dashboard.Session) (*Gallery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.galleries[sess]; ok {
		return g, nil
	}

	g := New(m.ctx, sess.Store, m.cfg)
	err := sess.OnTeardown(func() {
		m.mu.Lock()
		delete(m.galleries, sess)
		m.mu.Unlock()
		g.Close()
	})
	if err != nil {
		g.Close()
		return nil, err
	}
	m.galleries[sess] = g
	return g, nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.galleries)
}
