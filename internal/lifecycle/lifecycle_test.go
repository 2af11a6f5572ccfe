package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwave/syncwave/internal/models"
	"github.com/syncwave/syncwave/internal/store"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*models.Session)}
}

func (r *memRepo) FindSession(ctx context.Context, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (r *memRepo) UpsertSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.SessionID] = session.Clone()
	return nil
}

func (r *memRepo) DeleteSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func (r *memRepo) DeleteSessionTracks(ctx context.Context, sessionID string) error { return nil }

func (r *memRepo) ListEmptySessionIDs(ctx context.Context) ([]string, error) { return nil, nil }

func newTestManager(t *testing.T) (*Manager, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.New(newMemRepo(), clock)
	return NewManager(st, clock, DefaultGracePeriod), st, clock
}

func TestAddParticipantIsSetSemantics(t *testing.T) {
	m, st, _ := newTestManager(t)
	st.GetOrCreate(context.Background(), "room-1", "", "")

	count, added, err := m.AddParticipant("room-1", "u1", "User One")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, added)

	// A second join of the same user must not inflate the count.
	count, added, err = m.AddParticipant("room-1", "u1", "User One")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, added)

	count, _, err = m.AddParticipant("room-1", "u2", "User Two")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRemoveParticipantIsIdempotent(t *testing.T) {
	m, st, _ := newTestManager(t)
	st.GetOrCreate(context.Background(), "room-1", "", "")
	m.AddParticipant("room-1", "u1", "User One")
	m.AddParticipant("room-1", "u2", "User Two")

	count, removed, err := m.RemoveParticipant("room-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, removed)

	// A double leave must not decrement twice.
	count, removed, err = m.RemoveParticipant("room-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, removed)
}

func TestEmptySessionDeletedAfterGrace(t *testing.T) {
	m, st, clock := newTestManager(t)
	st.GetOrCreate(context.Background(), "room-1", "", "")
	m.AddParticipant("room-1", "u1", "User One")

	var mu sync.Mutex
	var deleted []string
	m.OnDelete(func(sessionID string) {
		mu.Lock()
		deleted = append(deleted, sessionID)
		mu.Unlock()
	})

	count, _, err := m.RemoveParticipant("room-1", "u1")
	require.NoError(t, err)
	require.Zero(t, count)

	// Just short of the grace period nothing happens.
	clock.Advance(DefaultGracePeriod - time.Second)
	assert.True(t, st.Has("room-1"))

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !st.Has("room-1") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deleted) == 1 && deleted[0] == "room-1"
	}, time.Second, 5*time.Millisecond)
}

func TestRejoinCancelsScheduledDeletion(t *testing.T) {
	m, st, clock := newTestManager(t)
	st.GetOrCreate(context.Background(), "room-1", "", "")
	m.AddParticipant("room-1", "u1", "User One")
	m.RemoveParticipant("room-1", "u1")

	clock.Advance(DefaultGracePeriod / 2)
	_, _, err := m.AddParticipant("room-1", "u1", "User One")
	require.NoError(t, err)

	clock.Advance(DefaultGracePeriod)
	// Give any stray timer goroutine a chance to run before asserting.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, st.Has("room-1"))
	assert.True(t, m.IsMember("room-1", "u1"))
}

func TestDeletionRechecksCountAtFireTime(t *testing.T) {
	m, st, clock := newTestManager(t)
	st.GetOrCreate(context.Background(), "room-1", "", "")
	m.AddParticipant("room-1", "u1", "User One")
	m.RemoveParticipant("room-1", "u1")

	// Repopulate behind the manager's back; the fire-time re-check must
	// still spare the session.
	_, err := st.Apply("room-1", func(s *models.Session) {
		s.Participants["u2"] = "User Two"
	})
	require.NoError(t, err)

	clock.Advance(DefaultGracePeriod + time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, st.Has("room-1"))
}

func TestLeaveRearmsGraceTimer(t *testing.T) {
	m, st, clock := newTestManager(t)
	st.GetOrCreate(context.Background(), "room-1", "", "")
	m.AddParticipant("room-1", "u1", "User One")
	m.RemoveParticipant("room-1", "u1")

	clock.Advance(DefaultGracePeriod / 2)

	// Rejoin and leave again; the grace period restarts from the second
	// leave, not the first.
	m.AddParticipant("room-1", "u1", "User One")
	m.RemoveParticipant("room-1", "u1")

	clock.Advance(DefaultGracePeriod - time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, st.Has("room-1"))

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !st.Has("room-1") }, time.Second, 5*time.Millisecond)
}
