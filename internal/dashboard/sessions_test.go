package dashboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsheet-analysis/dashboard/internal/storage/models"
)

type fakeUsers struct{ valid map[string]*models.User }

func (f fakeUsers) User(_ context.Context, token string) (*models.User, error) {
	u, ok := f.valid[token]
	if !ok {
		return nil, errors.New("Failed to fetch user data")
	}
	return u, nil
}

func newTestSessions(api *fakeAPI) *Sessions {
	return NewSessions(SessionsConfig{
		API:   api,
		Users: fakeUsers{valid: map[string]*models.User{"tok": {ID: 1, Username: "ann"}}},
	})
}

func TestSessions_Lifecycle(t *testing.T) {
	m := newTestSessions(&fakeAPI{sections: fixtureSections()})
	defer m.Close()

	sess, err := m.Init(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "ann", sess.User.Username)
	assert.Len(t, sess.Store.Sections(), 2)

	again, err := m.Init(context.Background(), "tok")
	require.NoError(t, err)
	assert.Same(t, sess, again)

	got, err := m.Get("tok")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	var closed bool
	require.NoError(t, sess.OnTeardown(func() { closed = true }))

	require.NoError(t, m.Teardown("tok"))
	assert.True(t, closed)
	assert.ErrorIs(t, sess.OnTeardown(func() {}), ErrNoSession)
	assert.Equal(t, 0, m.Len())

	_, err = m.Get("tok")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, m.Teardown("tok"), ErrNoSession)
}

func TestSessions_RejectsInvalidToken(t *testing.T) {
	m := newTestSessions(&fakeAPI{})
	defer m.Close()

	_, err := m.Init(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = m.Init(context.Background(), "forged")
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestSessions_InitFailsWhenFirstLoadFails(t *testing.T) {
	m := newTestSessions(&fakeAPI{loadErr: errors.New("offline")})
	defer m.Close()

	_, err := m.Init(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestSessions_IsolatedStores(t *testing.T) {
	m := NewSessions(SessionsConfig{API: &fakeAPI{sections: fixtureSections()}})
	defer m.Close()

	a, err := m.Init(context.Background(), "a")
	require.NoError(t, err)
	b, err := m.Init(context.Background(), "b")
	require.NoError(t, err)

	assert.NotSame(t, a.Store, b.Store)
	assert.NotSame(t, a.Store.Hub(), b.Store.Hub())
}
