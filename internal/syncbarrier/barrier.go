// Package syncbarrier coordinates simultaneous playback starts. Participants
// signal readiness independently; once every member of the current
// participant set is ready, a countdown is broadcast and playback starts for
// everyone at the same server time.
package syncbarrier

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/protocol"
	"github.com/syncwave/syncwave/internal/store"
)

// DefaultCountdownWindow is the lead time between all-ready and the
// synchronized start.
const DefaultCountdownWindow = 2 * time.Second

// State is the barrier's phase for one session.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReady State = "awaiting-ready"
	StateCountingDown  State = "counting-down"
)

// Broadcaster fans an event out to every connection of a session.
type Broadcaster func(sessionID string, evt protocol.Event)

type countdown struct {
	timer clockwork.Timer
	done  chan struct{}
	epoch uint64
	start time.Time
}

// Barrier implements the ready/countdown state machine per session.
type Barrier struct {
	store     *store.Store
	clock     clockwork.Clock
	window    time.Duration
	broadcast Broadcaster

	mu      sync.Mutex
	ready   map[string]map[string]time.Time // session id -> user id -> ready timestamp
	pending map[string]*countdown
	epoch   uint64
}

// New creates a barrier with the given countdown window.
func New(st *store.Store, clock clockwork.Clock, window time.Duration, broadcast Broadcaster) *Barrier {
	if window <= 0 {
		window = DefaultCountdownWindow
	}
	return &Barrier{
		store:     st,
		clock:     clock,
		window:    window,
		broadcast: broadcast,
		ready:     make(map[string]map[string]time.Time),
		pending:   make(map[string]*countdown),
	}
}

// State returns the barrier phase for a session.
func (b *Barrier) State(sessionID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[sessionID]; ok {
		return StateCountingDown
	}
	if len(b.ready[sessionID]) > 0 {
		return StateAwaitingReady
	}
	return StateIdle
}

// MarkReady records a participant's readiness and, when the whole current
// participant set is ready, schedules the synchronized start. The all-ready
// check always runs against the participant set as it is now, so a member
// who left no longer blocks the barrier.
func (b *Barrier) MarkReady(sessionID, userID string, readyAt time.Time) {
	snap, err := b.store.Get(sessionID)
	if err != nil {
		return
	}

	b.mu.Lock()
	marks, ok := b.ready[sessionID]
	if !ok {
		marks = make(map[string]time.Time)
		b.ready[sessionID] = marks
	}
	marks[userID] = readyAt

	readyCount := 0
	allReady := len(snap.Participants) > 0
	for id := range snap.Participants {
		if _, ok := marks[id]; ok {
			readyCount++
		} else {
			allReady = false
		}
	}
	total := len(snap.Participants)
	b.mu.Unlock()

	b.broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventReadyStateUpdate, protocol.ReadyStatePayload{
		UserID:     userID,
		Ready:      true,
		ReadyCount: readyCount,
		TotalCount: total,
	}))

	if allReady {
		b.startCountdown(sessionID)
	}
}

// ParticipantLeft prunes a departed member's ready mark. A countdown already
// in flight is left alone; the scheduled start fires for whoever remains.
func (b *Barrier) ParticipantLeft(sessionID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if marks, ok := b.ready[sessionID]; ok {
		delete(marks, userID)
	}
}

// Drop clears all barrier state for a deleted session.
func (b *Barrier) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ready, sessionID)
	if c, ok := b.pending[sessionID]; ok {
		stopAndDrainTimer(c.timer)
		close(c.done)
		delete(b.pending, sessionID)
	}
}

// startCountdown arms the countdown timer, replacing any pending one, and
// announces the start time to all clients.
func (b *Barrier) startCountdown(sessionID string) {
	start := b.clock.Now().Add(b.window)

	b.mu.Lock()
	if prev, ok := b.pending[sessionID]; ok {
		stopAndDrainTimer(prev.timer)
		close(prev.done)
	}
	b.epoch++
	c := &countdown{
		timer: b.clock.NewTimer(b.window),
		done:  make(chan struct{}),
		epoch: b.epoch,
		start: start,
	}
	b.pending[sessionID] = c
	b.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Time("start_time", start).
		Msg("all participants ready, countdown started")

	b.broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSyncCountdown, protocol.CountdownPayload{
		StartTime: start,
	}))

	go func() {
		select {
		case <-c.timer.Chan():
			b.fire(sessionID, c.epoch, c.start)
		case <-c.done:
		}
	}()
}

// fire broadcasts the synchronized start and resets the barrier to idle.
func (b *Barrier) fire(sessionID string, epoch uint64, start time.Time) {
	b.mu.Lock()
	c, ok := b.pending[sessionID]
	if !ok || c.epoch != epoch {
		b.mu.Unlock()
		return
	}
	delete(b.pending, sessionID)
	delete(b.ready, sessionID)
	b.mu.Unlock()

	snap, err := b.store.Get(sessionID)
	if err != nil {
		return
	}

	b.broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventStartSyncPlayback, protocol.StartSyncPlaybackPayload{
		Timestamp: start,
		Position:  snap.PlaybackPosition,
		IsPlaying: snap.IsPlaying,
	}))
	log.Debug().Str("session_id", sessionID).Msg("synchronized playback start broadcast")
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
