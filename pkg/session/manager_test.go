package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLive struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeLive) Shutdown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func TestManager_CreateGetEnd(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()
	conn := &fakeLive{}

	require.NoError(t, m.Create(ctx, newRecord("s1", "u1"), conn))
	assert.Equal(t, 1, m.ActiveCount())

	view, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, view.MetadataOnly())
	assert.Same(t, conn, view.Live)

	rec, err := m.End(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, rec.Status)
	assert.Equal(t, 0, m.ActiveCount())

	// a second end is harmless
	rec, err = m.End(ctx, "s1")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManager_GetWithoutLiveIsMetadataOnly(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("restored", "u1")))

	view, err := m.Get(ctx, "restored")
	require.NoError(t, err)
	assert.True(t, view.MetadataOnly())
	assert.Equal(t, "restored", view.Record.ID)
}

func TestManager_CleanupInactive(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	idle, active := &fakeLive{}, &fakeLive{}
	require.NoError(t, m.Create(ctx, newRecord("idle", "u1"), idle))
	require.NoError(t, m.Create(ctx, newRecord("active", "u1"), active))

	now = now.Add(10 * time.Minute)
	m.Touch("active")
	now = now.Add(25 * time.Minute)

	assert.Equal(t, []string{"idle"}, m.Inactive(30*time.Minute))
	assert.Equal(t, 1, m.CleanupInactive(ctx, 30*time.Minute))

	assert.Equal(t, []string{"idle timeout"}, idle.reasons)
	assert.Empty(t, active.reasons)
	assert.Equal(t, 1, m.ActiveCount())
	assert.False(t, mr.Exists(sessionKey("idle")))
	assert.True(t, mr.Exists(sessionKey("active")))

	ids, err := store.ListUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"active"}, ids)
}

func TestManager_ShutdownAll(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	m := NewManager(store, zap.NewNop())
	ctx := context.Background()
	a, b := &fakeLive{}, &fakeLive{}
	require.NoError(t, m.Create(ctx, newRecord("a", "u1"), a))
	require.NoError(t, m.Create(ctx, newRecord("b", "u2"), b))

	assert.Len(t, m.LiveConnections(), 2)
	m.ShutdownAll("server shutdown")
	assert.Equal(t, []string{"server shutdown"}, a.reasons)
	assert.Equal(t, []string{"server shutdown"}, b.reasons)
}
