package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/buffersync"
	"github.com/syncwave/syncwave/internal/clocksync"
	"github.com/syncwave/syncwave/internal/lifecycle"
	"github.com/syncwave/syncwave/internal/models"
	"github.com/syncwave/syncwave/internal/protocol"
	"github.com/syncwave/syncwave/internal/relay"
	"github.com/syncwave/syncwave/internal/store"
	"github.com/syncwave/syncwave/internal/syncbarrier"
)

const (
	workerQueueSize = 128
	storeOpTimeout  = 10 * time.Second
)

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeOpTimeout)
}

// Router dispatches client events. Every session gets its own worker
// goroutine fed from a channel, so all mutations of one session run
// serialized in arrival order while sessions stay independent of each other.
type Router struct {
	conns     *ConnectionManager
	store     *store.Store
	lifecycle *lifecycle.Manager
	barrier   *syncbarrier.Barrier
	buffers   *buffersync.Coordinator
	clocks    *clocksync.Estimator
	relay     *relay.Publisher
	clock     clockwork.Clock

	mu      sync.Mutex
	workers map[string]chan func()
}

// NewRouter wires the router into the connection manager and the lifecycle
// manager's deletion hook.
func NewRouter(
	conns *ConnectionManager,
	st *store.Store,
	lc *lifecycle.Manager,
	barrier *syncbarrier.Barrier,
	buffers *buffersync.Coordinator,
	clocks *clocksync.Estimator,
	pub *relay.Publisher,
	clock clockwork.Clock,
) *Router {
	r := &Router{
		conns:     conns,
		store:     st,
		lifecycle: lc,
		barrier:   barrier,
		buffers:   buffers,
		clocks:    clocks,
		relay:     pub,
		clock:     clock,
		workers:   make(map[string]chan func()),
	}
	conns.SetInbound(r.HandleEvent)
	conns.SetOnDisconnect(r.handleDisconnect)
	lc.OnDelete(func(sessionID string) {
		r.barrier.Drop(sessionID)
		r.buffers.Drop(sessionID)
		r.dropWorker(sessionID)
	})
	return r
}

// Broadcast sends an event to every connection of a session and mirrors it
// onto the relay. This is the Broadcaster the sync barrier uses.
func (r *Router) Broadcast(sessionID string, evt protocol.Event) {
	r.conns.Broadcast(sessionID, evt)
	r.relay.Publish(evt)
}

func (r *Router) broadcastExcept(sessionID string, exclude *Connection, evt protocol.Event) {
	r.conns.BroadcastExcept(sessionID, exclude, evt)
	r.relay.Publish(evt)
}

// HandleEvent is the inbound entry point from the connection read pumps.
// Clock handshakes are answered inline on the read path to keep their
// turnaround tight; everything else is serialized through the session worker.
func (r *Router) HandleEvent(c *Connection, evt protocol.Event) {
	if evt.Type == protocol.EventTimeSync {
		r.handleTimeSync(c, evt)
		return
	}

	sessionID := models.NormalizeSessionID(evt.SessionID)
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	if sessionID == "" {
		r.sendError(c, "event is missing a session id")
		return
	}
	// Only create/join may reference a session that does not exist yet;
	// anything else for an unknown id gets answered without spinning up a
	// worker for it.
	if evt.Type != protocol.EventCreateSession && evt.Type != protocol.EventJoinSession && !r.store.Has(sessionID) {
		r.conns.SendTo(c, protocol.MustNew(sessionID, protocol.EventSessionNotFound, nil))
		return
	}
	r.enqueue(sessionID, func() {
		r.dispatch(c, sessionID, evt)
		// A session deleted mid-flight, or a join that created nothing,
		// must not keep a worker alive; nothing else would reclaim it.
		if !r.store.Has(sessionID) {
			r.dropWorker(sessionID)
		}
	})
}

// enqueue hands a task to the session's worker, creating it on first use.
// The send happens under the router mutex so it can never race a worker
// teardown; a full queue drops the event rather than stalling the read pump.
func (r *Router) enqueue(sessionID string, task func()) {
	r.mu.Lock()
	ch, ok := r.workers[sessionID]
	if !ok {
		ch = make(chan func(), workerQueueSize)
		r.workers[sessionID] = ch
		go func() {
			for task := range ch {
				task()
			}
		}()
	}
	select {
	case ch <- task:
	default:
		log.Warn().Str("session_id", sessionID).Msg("session worker queue full, dropping event")
	}
	r.mu.Unlock()
}

func (r *Router) dropWorker(sessionID string) {
	r.mu.Lock()
	if ch, ok := r.workers[sessionID]; ok {
		delete(r.workers, sessionID)
		close(ch)
	}
	r.mu.Unlock()
}

func (r *Router) dispatch(c *Connection, sessionID string, evt protocol.Event) {
	switch evt.Type {
	case protocol.EventCreateSession:
		r.handleCreateSession(c, sessionID, evt)
	case protocol.EventJoinSession:
		r.handleJoinSession(c, sessionID, evt)
	case protocol.EventUpdateSessionName:
		r.handleUpdateSessionName(c, sessionID, evt)
	case protocol.EventLeaveSession:
		r.handleLeave(c, sessionID)
	case protocol.EventPlayerReady:
		r.barrier.MarkReady(sessionID, c.UserID, r.clock.Now())
	case protocol.EventPlaySong:
		r.handlePlaySong(c, sessionID, evt)
	case protocol.EventPlayPause:
		r.handlePlayPause(c, sessionID, evt)
	case protocol.EventSeek:
		r.handleSeek(c, sessionID, evt)
	case protocol.EventNextSong, protocol.EventPreviousSong:
		r.handleTrackChange(c, sessionID, evt)
	case protocol.EventUploadSongs:
		r.handleUploadSongs(c, sessionID, evt)
	case protocol.EventRemoveSong:
		r.handleRemoveSong(c, sessionID, evt)
	case protocol.EventReorderSongs:
		r.handleReorderSongs(c, sessionID, evt)
	case protocol.EventChatMessage:
		r.handleChatMessage(c, sessionID, evt)
	case protocol.EventNewPoll:
		r.handleNewPoll(c, sessionID, evt)
	case protocol.EventPollVote:
		r.handlePollVote(c, sessionID, evt)
	case protocol.EventDeletePoll:
		r.handleDeletePoll(c, sessionID, evt)
	case protocol.EventRequestSync:
		r.handleRequestSync(c, sessionID)
	case protocol.EventSyncCheck:
		r.handleSyncCheck(c, sessionID, evt)
	case protocol.EventBufferState:
		r.handleBufferState(c, sessionID, evt)
	default:
		log.Warn().
			Str("event_type", string(evt.Type)).
			Str("connection_id", c.ID).
			Msg("unhandled event type")
		r.sendError(c, "unknown event type: "+string(evt.Type))
	}
}

func (r *Router) handleCreateSession(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.CreateSessionPayload
	if len(evt.Data) > 0 {
		if err := evt.Decode(&p); err != nil {
			r.sendError(c, "invalid create-session payload")
			return
		}
	}
	if id := models.NormalizeSessionID(p.SessionID); id != "" {
		sessionID = id
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, cancel := opCtx()
	defer cancel()
	sess, created := r.store.GetOrCreate(ctx, sessionID, p.SessionName, c.UserID)
	if created {
		log.Info().
			Str("session_id", sessionID).
			Str("host_id", c.UserID).
			Msg("session created")
	}
	r.admit(c, sessionID, sess.Name)

	if cur, err := r.store.Get(sessionID); err == nil {
		r.conns.SendTo(c, protocol.MustNew(sessionID, protocol.EventSessionCreated, protocol.SessionCreatedPayload{
			SessionID:        sessionID,
			SessionName:      cur.Name,
			ParticipantCount: cur.ParticipantCount(),
		}))
	}
}

func (r *Router) handleJoinSession(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.JoinSessionPayload
	if len(evt.Data) > 0 {
		if err := evt.Decode(&p); err != nil {
			r.sendError(c, "invalid join-session payload")
			return
		}
	}

	ctx, cancel := opCtx()
	defer cancel()
	_, err := r.store.Find(ctx, sessionID)
	if err == store.ErrSessionNotFound {
		if p.SessionName == "" {
			r.conns.SendTo(c, protocol.MustNew(sessionID, protocol.EventSessionNotFound, nil))
			return
		}
		// A name on an unknown id means the client is creating as it joins.
		r.store.GetOrCreate(ctx, sessionID, p.SessionName, c.UserID)
	} else if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session lookup failed")
		r.sendError(c, "session lookup failed")
		return
	}
	r.admit(c, sessionID, p.SessionName)
}

// admit is the shared join path: evict any previous connection of the same
// user, register membership, send the full snapshot to the newcomer, and
// announce the arrival to the room.
func (r *Router) admit(c *Connection, sessionID, fallbackName string) {
	if prev := r.conns.UserConnection(c.UserID); prev != nil && prev != c {
		log.Info().
			Str("user_id", c.UserID).
			Str("old_connection", prev.ID).
			Str("new_connection", c.ID).
			Msg("evicting previous connection for user")
		r.conns.CloseConnection(prev)
	}

	count, added, err := r.lifecycle.AddParticipant(sessionID, c.UserID, c.DisplayName)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to add participant")
		r.sendError(c, "failed to join session")
		return
	}
	r.conns.JoinSession(c, sessionID)

	sess, err := r.store.Get(sessionID)
	if err != nil {
		r.sendError(c, "failed to load session state")
		return
	}
	now := r.clock.Now()

	participants := make([]protocol.ParticipantInfo, 0, len(sess.Participants))
	for id, name := range sess.Participants {
		participants = append(participants, protocol.ParticipantInfo{
			ID:            id,
			Name:          name,
			IsCurrentUser: id == c.UserID,
		})
	}

	name := sess.Name
	if name == "" {
		name = fallbackName
	}
	r.conns.SendTo(c, protocol.MustNew(sessionID, protocol.EventSessionState, protocol.SessionStatePayload{
		SessionName:      name,
		Tracks:           sess.Tracks,
		CurrentTrack:     sess.CurrentTrack,
		Position:         sess.ProjectedPosition(now),
		IsPlaying:        sess.IsPlaying,
		Messages:         sess.Messages,
		Polls:            sess.Polls,
		ParticipantCount: count,
		Participants:     participants,
		ServerTime:       now,
	}))

	if added {
		r.broadcastExcept(sessionID, c, protocol.MustNew(sessionID, protocol.EventUserJoined, protocol.PresencePayload{
			UserID:           c.UserID,
			Username:         c.DisplayName,
			ParticipantCount: count,
		}))
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventParticipantCount, protocol.CountPayload{Count: count}))
}

func (r *Router) handleUpdateSessionName(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.SessionNamePayload
	if err := evt.Decode(&p); err != nil || p.SessionName == "" {
		r.sendError(c, "invalid session name")
		return
	}
	if _, err := r.store.Apply(sessionID, func(s *models.Session) {
		s.Name = p.SessionName
	}); err != nil {
		r.sendError(c, "session not found")
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSessionNameUpdated, p))
}

// handleLeave is the explicit leave path. handleDisconnect funnels here once
// it has ruled out a newer live connection for the same user.
func (r *Router) handleLeave(c *Connection, sessionID string) {
	r.conns.LeaveSession(c)
	r.buffers.PruneConnection(sessionID, c.ID)
	r.barrier.ParticipantLeft(sessionID, c.UserID)

	count, removed, err := r.lifecycle.RemoveParticipant(sessionID, c.UserID)
	if err != nil {
		if err != store.ErrSessionNotFound {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to remove participant")
		}
		return
	}
	if !removed {
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventUserLeft, protocol.PresencePayload{
		UserID:           c.UserID,
		Username:         c.DisplayName,
		ParticipantCount: count,
	}))
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventParticipantCount, protocol.CountPayload{Count: count}))
}

// handleDisconnect runs after a connection is unregistered.
func (r *Router) handleDisconnect(c *Connection) {
	r.clocks.Forget(c.ID)
	sessionID := c.SessionID()
	if sessionID == "" || !r.store.Has(sessionID) {
		return
	}
	r.enqueue(sessionID, func() {
		r.buffers.PruneConnection(sessionID, c.ID)
		// A newer live connection in the same session means this was an
		// eviction or a fast reconnect; the membership stays and no
		// user-left goes out, so presence never flickers across a
		// reconnect. A newer connection elsewhere still leaves this
		// session.
		if cur := r.conns.UserConnection(c.UserID); cur != nil && cur != c && cur.SessionID() == sessionID {
			return
		}
		r.handleLeave(c, sessionID)
		if !r.store.Has(sessionID) {
			r.dropWorker(sessionID)
		}
	})
}

func (r *Router) handlePlaySong(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.PlaybackPayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid play-song payload")
		return
	}
	// Origin timestamps come from the client's clock; translating them onto
	// the server clock keeps the staleness comparison meaningful across
	// skewed clients.
	p.Timestamp = r.clocks.ToServerTime(c.ID, p.Timestamp)
	applied, _, err := r.store.ApplyIfNewer(sessionID, p.Timestamp, func(s *models.Session) {
		s.CurrentTrack = p.Track
		s.PlaybackPosition = p.Position
		s.IsPlaying = p.IsPlaying
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	if applied {
		p.ServerTime = r.clock.Now()
		r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongUpdate, p))
	}
}

// handlePlayPause applies unconditionally. Pause toggles are intent, not
// state convergence; dropping one as stale would leave the user's button
// visibly ignored.
func (r *Router) handlePlayPause(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.PlaybackPayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid play-pause payload")
		return
	}
	now := r.clock.Now()
	snap, err := r.store.Apply(sessionID, func(s *models.Session) {
		s.IsPlaying = p.IsPlaying
		s.PlaybackPosition = p.Position
		if p.Track != nil {
			s.CurrentTrack = p.Track
		}
		s.LastUpdate = now
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongUpdate, protocol.PlaybackPayload{
		Track:      snap.CurrentTrack,
		Position:   snap.PlaybackPosition,
		IsPlaying:  snap.IsPlaying,
		Timestamp:  p.Timestamp,
		ServerTime: now,
	}))
}

func (r *Router) handleSeek(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.PlaybackPayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid seek payload")
		return
	}
	p.Timestamp = r.clocks.ToServerTime(c.ID, p.Timestamp)
	applied, snap, err := r.store.ApplyIfNewer(sessionID, p.Timestamp, func(s *models.Session) {
		s.PlaybackPosition = p.Position
		s.IsPlaying = p.IsPlaying
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	if applied {
		r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongUpdate, protocol.PlaybackPayload{
			Track:      snap.CurrentTrack,
			Position:   snap.PlaybackPosition,
			IsPlaying:  snap.IsPlaying,
			Timestamp:  p.Timestamp,
			ServerTime: r.clock.Now(),
		}))
	}
}

// handleTrackChange hard-resets playback onto the chosen track: position
// zero, playing. The broadcast keeps the next-song/previous-song event type
// so receivers can tell a track change from an ordinary update and re-enter
// the ready barrier.
func (r *Router) handleTrackChange(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.TrackChangePayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid track change payload")
		return
	}
	ts := r.clocks.ToServerTime(c.ID, p.Timestamp)
	applied, _, err := r.store.ApplyIfNewer(sessionID, ts, func(s *models.Session) {
		track := p.Track
		s.CurrentTrack = &track
		s.PlaybackPosition = 0
		s.IsPlaying = true
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	if applied {
		track := p.Track
		r.Broadcast(sessionID, protocol.MustNew(sessionID, evt.Type, protocol.PlaybackPayload{
			Track:      &track,
			Position:   0,
			IsPlaying:  true,
			Timestamp:  ts,
			ServerTime: r.clock.Now(),
		}))
	}
}

func (r *Router) handleUploadSongs(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.UploadSongsPayload
	if err := evt.Decode(&p); err != nil || len(p.Tracks) == 0 {
		r.sendError(c, "invalid upload-songs payload")
		return
	}
	now := r.clock.Now()
	snap, err := r.store.Apply(sessionID, func(s *models.Session) {
		for _, t := range p.Tracks {
			if t.AddedAt.IsZero() {
				t.AddedAt = now
			}
			s.Tracks = append(s.Tracks, t)
		}
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongsUpdated, protocol.SongsUpdatedPayload{
		Tracks: snap.Tracks,
	}))
}

func (r *Router) handleRemoveSong(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.RemoveSongPayload
	if err := evt.Decode(&p); err != nil || p.Name == "" {
		r.sendError(c, "invalid remove-song payload")
		return
	}
	removed := false
	clearedCurrent := false
	snap, err := r.store.Apply(sessionID, func(s *models.Session) {
		hadCurrent := s.CurrentTrack != nil
		removed = s.RemoveTrack(p.Name)
		clearedCurrent = hadCurrent && s.CurrentTrack == nil
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	if !removed {
		r.sendError(c, "track not found: "+p.Name)
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongsUpdated, protocol.SongsUpdatedPayload{
		Tracks: snap.Tracks,
	}))
	if clearedCurrent {
		r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongUpdate, protocol.PlaybackPayload{
			Track:      nil,
			Position:   0,
			IsPlaying:  false,
			ServerTime: r.clock.Now(),
		}))
	}
}

func (r *Router) handleReorderSongs(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.ReorderSongsPayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid reorder-songs payload")
		return
	}
	applied, snap, err := r.store.ApplyIfNewer(sessionID, r.clocks.ToServerTime(c.ID, p.Timestamp), func(s *models.Session) {
		s.Tracks = p.Tracks
	})
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	if applied {
		r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongsUpdated, protocol.SongsUpdatedPayload{
			Tracks: snap.Tracks,
		}))
	}
}

func (r *Router) handleChatMessage(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.ChatPayload
	if err := evt.Decode(&p); err != nil || p.Text == "" {
		r.sendError(c, "invalid chat payload")
		return
	}
	msg := models.ChatMessage{
		ID:         uuid.New().String(),
		Type:       models.ChatTypeMessage,
		Text:       p.Text,
		SenderID:   c.UserID,
		SenderName: c.DisplayName,
		Timestamp:  r.clock.Now(),
	}
	if _, err := r.store.Apply(sessionID, func(s *models.Session) {
		s.Messages = append(s.Messages, msg)
	}); err != nil {
		r.sendError(c, "session not found")
		return
	}
	// The sender already shows its own message; echoing it back would
	// duplicate it in their chat view.
	r.broadcastExcept(sessionID, c, protocol.MustNew(sessionID, protocol.EventChatMessage, msg))
}

func (r *Router) handleNewPoll(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.NewPollPayload
	if err := evt.Decode(&p); err != nil || p.Question == "" || len(p.Options) < 2 {
		r.sendError(c, "a poll needs a question and at least two options")
		return
	}
	now := r.clock.Now()
	poll := models.Poll{
		ID:          uuid.New().String(),
		Question:    p.Question,
		Options:     make([]models.PollOption, len(p.Options)),
		CreatorID:   c.UserID,
		CreatorName: c.DisplayName,
		CreatedAt:   now,
	}
	for i, text := range p.Options {
		poll.Options[i] = models.PollOption{Text: text, Voters: []string{}}
	}
	entry := models.ChatMessage{
		ID:         uuid.New().String(),
		Type:       models.ChatTypePoll,
		SenderID:   c.UserID,
		SenderName: c.DisplayName,
		PollID:     poll.ID,
		Timestamp:  now,
	}
	if _, err := r.store.Apply(sessionID, func(s *models.Session) {
		s.Polls = append(s.Polls, poll)
		s.Messages = append(s.Messages, entry)
	}); err != nil {
		r.sendError(c, "session not found")
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventNewPoll, poll))
}

func (r *Router) handlePollVote(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.PollVotePayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid poll-vote payload")
		return
	}
	var updated *models.PollOption
	if _, err := r.store.Apply(sessionID, func(s *models.Session) {
		for i := range s.Polls {
			if s.Polls[i].ID != p.PollID {
				continue
			}
			if s.Polls[i].ToggleVote(p.OptionIndex, c.UserID) {
				opt := s.Polls[i].Options[p.OptionIndex]
				updated = &opt
			}
			return
		}
	}); err != nil {
		r.sendError(c, "session not found")
		return
	}
	if updated == nil {
		r.sendError(c, "poll or option not found")
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventPollVote, protocol.PollVoteUpdatePayload{
		PollID:        p.PollID,
		OptionIndex:   p.OptionIndex,
		Voter:         c.UserID,
		UpdatedOption: *updated,
	}))
}

func (r *Router) handleDeletePoll(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.PollDeletedPayload
	if err := evt.Decode(&p); err != nil || p.PollID == "" {
		r.sendError(c, "invalid delete-poll payload")
		return
	}
	deleted := false
	denied := false
	if _, err := r.store.Apply(sessionID, func(s *models.Session) {
		for i := range s.Polls {
			if s.Polls[i].ID != p.PollID {
				continue
			}
			if s.Polls[i].CreatorID != c.UserID {
				denied = true
				return
			}
			s.Polls = append(s.Polls[:i], s.Polls[i+1:]...)
			for j := len(s.Messages) - 1; j >= 0; j-- {
				if s.Messages[j].PollID == p.PollID {
					s.Messages = append(s.Messages[:j], s.Messages[j+1:]...)
				}
			}
			deleted = true
			return
		}
	}); err != nil {
		r.sendError(c, "session not found")
		return
	}
	if denied {
		r.sendError(c, "only the poll creator can delete it")
		return
	}
	if !deleted {
		r.sendError(c, "poll not found")
		return
	}
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventPollDeleted, protocol.PollDeletedPayload{
		PollID:    p.PollID,
		Timestamp: r.clock.Now(),
	}))
}

func (r *Router) handleRequestSync(c *Connection, sessionID string) {
	sess, err := r.store.Get(sessionID)
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	now := r.clock.Now()
	agg := r.buffers.Aggregate(sessionID)
	r.conns.SendTo(c, protocol.MustNew(sessionID, protocol.EventSyncResponse, protocol.SyncResponsePayload{
		Position:          sess.ProjectedPosition(now),
		IsPlaying:         sess.IsPlaying,
		ServerTime:        now,
		AvgBufferProgress: agg.AvgBufferProgress,
	}))
}

func (r *Router) handleSyncCheck(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.SyncCheckPayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid sync-check payload")
		return
	}
	agg := r.buffers.ReportBuffer(sessionID, c.ID, p.BufferProgress, p.IsBuffering)
	paused := r.pauseIfBuffering(sessionID, agg)

	sess, err := r.store.Get(sessionID)
	if err != nil {
		r.sendError(c, "session not found")
		return
	}
	now := r.clock.Now()
	r.conns.SendTo(c, protocol.MustNew(sessionID, protocol.EventSyncResponse, protocol.SyncResponsePayload{
		Position:          sess.ProjectedPosition(now),
		IsPlaying:         sess.IsPlaying,
		ServerTime:        now,
		ClientTime:        p.ClientTime,
		AvgBufferProgress: agg.AvgBufferProgress,
		ShouldPause:       paused,
	}))
}

func (r *Router) handleBufferState(c *Connection, sessionID string, evt protocol.Event) {
	var p protocol.BufferStatePayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid buffer-state payload")
		return
	}
	agg := r.buffers.ReportBuffer(sessionID, c.ID, p.BufferProgress, p.IsBuffering)
	r.pauseIfBuffering(sessionID, agg)
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventBufferUpdate, protocol.BufferUpdatePayload{
		AvgBufferProgress: agg.AvgBufferProgress,
		AnyBuffering:      agg.AnyBuffering,
		Timestamp:         r.clock.Now(),
	}))
}

// pauseIfBuffering freezes group playback while any member is buffering so
// the others do not drift ahead of them.
func (r *Router) pauseIfBuffering(sessionID string, agg buffersync.Aggregate) bool {
	if !agg.AnyBuffering {
		return false
	}
	now := r.clock.Now()
	pausedNow := false
	snap, err := r.store.Apply(sessionID, func(s *models.Session) {
		if !s.IsPlaying {
			return
		}
		s.PlaybackPosition = s.ProjectedPosition(now)
		s.IsPlaying = false
		s.LastUpdate = now
		pausedNow = true
	})
	if err != nil || !pausedNow {
		return false
	}
	log.Info().Str("session_id", sessionID).Msg("pausing session for buffering member")
	r.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongUpdate, protocol.PlaybackPayload{
		Track:      snap.CurrentTrack,
		Position:   snap.PlaybackPosition,
		IsPlaying:  false,
		Timestamp:  now,
		ServerTime: now,
	}))
	return true
}

// handleTimeSync answers on the read path. The response carries both the
// receive and send stamps so the client can compute its own offset, and a
// completed echo from the previous round trip feeds the server-side estimate.
func (r *Router) handleTimeSync(c *Connection, evt protocol.Event) {
	var p protocol.TimeSyncPayload
	if err := evt.Decode(&p); err != nil {
		r.sendError(c, "invalid time-sync payload")
		return
	}
	received := r.clock.Now()
	if p.Echo != nil {
		r.clocks.AddRoundTrip(c.ID, p.Echo.ClientSend, p.Echo.ServerReceive, p.Echo.ServerSend, p.Echo.ClientReceive)
		log.Debug().
			Str("connection_id", c.ID).
			Dur("offset", r.clocks.Offset(c.ID)).
			Dur("delay", r.clocks.Delay(c.ID)).
			Msg("clock estimate refined")
	}
	r.conns.SendTo(c, protocol.MustNew(evt.SessionID, protocol.EventTimeSyncResponse, protocol.TimeSyncResponsePayload{
		ClientTime:    p.ClientTime,
		ServerReceive: received,
		ServerSend:    r.clock.Now(),
	}))
}

func (r *Router) sendError(c *Connection, message string) {
	r.conns.SendTo(c, protocol.MustNew("", protocol.EventError, protocol.ErrorPayload{Message: message}))
}
