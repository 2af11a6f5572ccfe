// Package lifecycle tracks session membership and destroys sessions that
// stay empty through a grace period. Deletion timers are cancelable and
// race-free against a concurrent fire: each armed timer carries an epoch
// token, and the fire path re-checks both the token and the participant
// count before deleting anything.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/models"
	"github.com/syncwave/syncwave/internal/store"
)

// DefaultGracePeriod is how long an empty session stays resurrectable.
const DefaultGracePeriod = 5 * time.Minute

type pendingDeletion struct {
	timer clockwork.Timer
	epoch uint64
	done  chan struct{}
}

// Manager applies the membership and deferred-deletion policy on top of the
// session store.
type Manager struct {
	store *store.Store
	clock clockwork.Clock
	grace time.Duration

	// onDelete runs after a session is destroyed, so coordination scratch
	// state (barrier, buffers, workers) can be dropped too.
	onDelete func(sessionID string)

	mu      sync.Mutex
	pending map[string]*pendingDeletion
	epoch   uint64
}

// NewManager creates a lifecycle manager with the given grace period.
func NewManager(st *store.Store, clock clockwork.Clock, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		store:   st,
		clock:   clock,
		grace:   grace,
		pending: make(map[string]*pendingDeletion),
	}
}

// OnDelete registers a hook invoked after a session is destroyed.
func (m *Manager) OnDelete(fn func(sessionID string)) {
	m.onDelete = fn
}

// AddParticipant puts a user into the session's participant set. Adding an
// already-present user is a no-op. Any pending deletion is cancelled.
// Returns the new count and whether the set actually grew.
func (m *Manager) AddParticipant(sessionID, userID, displayName string) (int, bool, error) {
	added := false
	snap, err := m.store.Apply(sessionID, func(s *models.Session) {
		if _, ok := s.Participants[userID]; !ok {
			added = true
		}
		s.Participants[userID] = displayName
	})
	if err != nil {
		return 0, false, err
	}
	m.CancelDeletion(sessionID)
	return snap.ParticipantCount(), added, nil
}

// RemoveParticipant takes a user out of the participant set. Removing an
// absent user is a no-op (the count is never decremented twice). When the
// count reaches zero, deletion is scheduled after the grace period.
func (m *Manager) RemoveParticipant(sessionID, userID string) (int, bool, error) {
	removed := false
	snap, err := m.store.Apply(sessionID, func(s *models.Session) {
		if _, ok := s.Participants[userID]; ok {
			removed = true
			delete(s.Participants, userID)
		}
	})
	if err != nil {
		return 0, false, err
	}
	count := snap.ParticipantCount()
	if count == 0 {
		m.scheduleDeletion(sessionID)
	}
	return count, removed, nil
}

// IsMember reports whether a user is currently in the session.
func (m *Manager) IsMember(sessionID, userID string) bool {
	snap, err := m.store.Get(sessionID)
	if err != nil {
		return false
	}
	_, ok := snap.Participants[userID]
	return ok
}

// CancelDeletion drops any pending deletion timer for the session.
// Cancelling when nothing is pending is a no-op.
func (m *Manager) CancelDeletion(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[sessionID]; ok {
		stopAndDrainTimer(p.timer)
		close(p.done)
		delete(m.pending, sessionID)
		log.Debug().Str("session_id", sessionID).Msg("cancelled pending session deletion")
	}
}

// scheduleDeletion arms (or replaces) the grace timer for an empty session.
func (m *Manager) scheduleDeletion(sessionID string) {
	m.mu.Lock()
	if prev, ok := m.pending[sessionID]; ok {
		stopAndDrainTimer(prev.timer)
		close(prev.done)
	}
	m.epoch++
	p := &pendingDeletion{
		timer: m.clock.NewTimer(m.grace),
		epoch: m.epoch,
		done:  make(chan struct{}),
	}
	m.pending[sessionID] = p
	m.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Dur("grace", m.grace).
		Msg("session empty, deletion scheduled")

	go func() {
		select {
		case <-p.timer.Chan():
			m.fireDeletion(sessionID, p.epoch)
		case <-p.done:
		}
	}()
}

// fireDeletion runs when a grace timer fires. The epoch check discards fires
// that lost a race with cancel or re-arm; the count re-check protects against
// a rejoin that slipped in between the fire and this goroutine running.
func (m *Manager) fireDeletion(sessionID string, epoch uint64) {
	m.mu.Lock()
	p, ok := m.pending[sessionID]
	if !ok || p.epoch != epoch {
		m.mu.Unlock()
		return
	}
	delete(m.pending, sessionID)
	m.mu.Unlock()

	snap, err := m.store.Get(sessionID)
	if err != nil {
		return
	}
	if snap.ParticipantCount() > 0 {
		log.Debug().Str("session_id", sessionID).Msg("session repopulated before deletion fired, keeping it")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.store.Delete(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("durable delete failed, in-memory session removed")
	}
	log.Info().Str("session_id", sessionID).Msg("empty session deleted after grace period")

	if m.onDelete != nil {
		m.onDelete(sessionID)
	}
}

// stopAndDrainTimer stops a timer and drains its channel so a concurrent
// fire cannot leak a stale tick to a later waiter.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
