// Package store owns the authoritative in-memory session state and its
// write-through to the durable store. For a live session, memory is the
// source of truth; the durable store is a recovery snapshot updated
// best-effort with bounded retries. A durable read never overwrites fresher
// in-memory state.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/models"
)

const (
	maxRetries = 3
	retryDelay = time.Second
)

// Repository is the durable-store collaborator, keyed by session id. It must
// tolerate being momentarily unavailable; callers wrap it in withRetry.
type Repository interface {
	FindSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpsertSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteSessionTracks(ctx context.Context, sessionID string) error
	ListEmptySessionIDs(ctx context.Context) ([]string, error)
}

// Store holds every active session. All mutations to one session run under
// that session's lock, held only across the read-modify-write, never across
// a durable-store call.
type Store struct {
	repo  Repository
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	session *models.Session
}

// New creates a store backed by the given durable repository.
func New(repo Repository, clock clockwork.Clock) *Store {
	return &Store{
		repo:     repo,
		clock:    clock,
		sessions: make(map[string]*entry),
	}
}

func (s *Store) entryFor(sessionID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	return e, ok
}

// GetOrCreate returns the session for an id, recovering it from the durable
// store if the process does not have it in memory, or creating it fresh.
// Returns a deep copy and whether the session was newly created.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, name, hostID string) (*models.Session, bool) {
	sessionID = models.NormalizeSessionID(sessionID)

	if e, ok := s.entryFor(sessionID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), false
	}

	// Not live in this process; try the durable store before creating.
	var recovered *models.Session
	err := s.withRetry(ctx, func() error {
		found, err := s.repo.FindSession(ctx, sessionID)
		if err != nil {
			return err
		}
		recovered = found
		return nil
	})
	if err != nil && err != ErrSessionNotFound {
		log.Error().Err(err).Str("session_id", sessionID).Msg("durable lookup failed, creating in-memory only")
	}

	created := false
	sess := recovered
	if sess == nil {
		sess = models.NewSession(sessionID, name, s.clock.Now())
		sess.HostID = hostID
		created = true
	} else {
		// A recovered session has no live members; membership is rebuilt from
		// the joins that follow.
		sess.Participants = make(map[string]string)
	}

	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok {
		// Lost the race to another connection handler.
		s.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.session.Clone(), false
	}
	s.sessions[sessionID] = &entry{session: sess}
	s.mu.Unlock()

	if created {
		s.persistAsync(sess.Clone())
	}
	return sess.Clone(), created
}

// Find returns a session by id, checking memory first and falling back to
// the durable store (adopting a recovered session into memory). Unlike
// GetOrCreate it never creates.
func (s *Store) Find(ctx context.Context, sessionID string) (*models.Session, error) {
	sessionID = models.NormalizeSessionID(sessionID)
	if e, ok := s.entryFor(sessionID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), nil
	}

	var recovered *models.Session
	err := s.withRetry(ctx, func() error {
		found, err := s.repo.FindSession(ctx, sessionID)
		if err != nil {
			return err
		}
		recovered = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	recovered.Participants = make(map[string]string)

	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.session.Clone(), nil
	}
	s.sessions[sessionID] = &entry{session: recovered}
	s.mu.Unlock()
	return recovered.Clone(), nil
}

// Get returns a deep copy of a live session.
func (s *Store) Get(sessionID string) (*models.Session, error) {
	e, ok := s.entryFor(models.NormalizeSessionID(sessionID))
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Has reports whether a session is live in memory.
func (s *Store) Has(sessionID string) bool {
	_, ok := s.entryFor(models.NormalizeSessionID(sessionID))
	return ok
}

// Apply runs a mutation against a session unconditionally and schedules a
// durable write. Returns the post-mutation snapshot.
func (s *Store) Apply(sessionID string, mutate func(*models.Session)) (*models.Session, error) {
	e, ok := s.entryFor(models.NormalizeSessionID(sessionID))
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	mutate(e.session)
	snap := e.session.Clone()
	e.mu.Unlock()

	s.persistAsync(snap)
	return snap, nil
}

// ApplyIfNewer applies a mutation only when the event's origin timestamp is
// strictly newer than the session's last update. Stale mutations are dropped
// silently; that is the ordering guarantee against network reordering, not an
// error. Returns whether the mutation was applied and the current snapshot.
func (s *Store) ApplyIfNewer(sessionID string, timestamp time.Time, mutate func(*models.Session)) (bool, *models.Session, error) {
	e, ok := s.entryFor(models.NormalizeSessionID(sessionID))
	if !ok {
		return false, nil, ErrSessionNotFound
	}
	e.mu.Lock()
	if !timestamp.After(e.session.LastUpdate) {
		snap := e.session.Clone()
		e.mu.Unlock()
		log.Debug().
			Str("session_id", sessionID).
			Time("event_ts", timestamp).
			Time("last_update", snap.LastUpdate).
			Msg("dropping stale update")
		return false, snap, nil
	}
	mutate(e.session)
	e.session.LastUpdate = timestamp
	snap := e.session.Clone()
	e.mu.Unlock()

	s.persistAsync(snap)
	return true, snap, nil
}

// Delete removes a session from memory and from the durable store, tracks
// included. The durable failure is recoverable: memory is already clean.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sessionID = models.NormalizeSessionID(sessionID)
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	err := s.withRetry(ctx, func() error {
		if err := s.repo.DeleteSessionTracks(ctx, sessionID); err != nil {
			return err
		}
		return s.repo.DeleteSession(ctx, sessionID)
	})
	if err != nil {
		return fmt.Errorf("delete durable session %s: %w", sessionID, err)
	}
	return nil
}

// Persist writes the current state of a session to the durable store
// synchronously, with retries. Used where the caller wants the error.
func (s *Store) Persist(ctx context.Context, sessionID string) error {
	snap, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		return s.repo.UpsertSession(ctx, snap)
	})
}

// SweepEmpty deletes durable sessions whose participant set is already empty.
// Run once on startup; an abandoned process leaves such rows behind.
func (s *Store) SweepEmpty(ctx context.Context) (int, error) {
	var ids []string
	err := s.withRetry(ctx, func() error {
		var err error
		ids, err = s.repo.ListEmptySessionIDs(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list empty sessions: %w", err)
	}
	cleaned := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("failed to sweep empty session")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// persistAsync schedules a durable write for the snapshot. The broadcast path
// never waits on it; final failure risks durability, not live correctness.
func (s *Store) persistAsync(snap *models.Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.withRetry(ctx, func() error {
			return s.repo.UpsertSession(ctx, snap)
		}); err != nil {
			log.Error().Err(err).Str("session_id", snap.SessionID).Msg("durable write failed after retries")
		}
	}()
}

// withRetry runs op up to maxRetries times with a fixed delay between
// attempts, returning the last error.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if err == ErrSessionNotFound {
			return err
		}
		if attempt < maxRetries {
			log.Warn().Err(err).Int("attempt", attempt).Msg("durable store operation failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(retryDelay):
			}
		}
	}
	return err
}
