package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwave/syncwave/internal/auth"
	"github.com/syncwave/syncwave/internal/buffersync"
	"github.com/syncwave/syncwave/internal/clocksync"
	"github.com/syncwave/syncwave/internal/lifecycle"
	"github.com/syncwave/syncwave/internal/models"
	"github.com/syncwave/syncwave/internal/protocol"
	"github.com/syncwave/syncwave/internal/store"
	"github.com/syncwave/syncwave/internal/syncbarrier"
)

const testCountdownWindow = 100 * time.Millisecond

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

type testServer struct {
	srv   *httptest.Server
	store *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := clockwork.NewRealClock()
	st := store.New(newMemRepo(), clock)
	lc := lifecycle.NewManager(st, clock, lifecycle.DefaultGracePeriod)
	buffers := buffersync.New()
	clocks := clocksync.NewEstimator()
	conns := NewConnectionManager(DefaultConnectionConfig())

	var router *Router
	barrier := syncbarrier.New(st, clock, testCountdownWindow, func(sessionID string, evt protocol.Event) {
		router.Broadcast(sessionID, evt)
	})
	router = NewRouter(conns, st, lc, barrier, buffers, clocks, nil, clock)

	wsHandler := NewHandler(conns)
	mux := http.NewServeMux()
	// Identity comes straight from query params; the token middleware is
	// exercised in its own package.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithIdentity(r.Context(), auth.Identity{
			UserID:      r.URL.Query().Get("user"),
			DisplayName: r.URL.Query().Get("name"),
		})
		wsHandler.ServeWS(w, r.WithContext(ctx))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st}
}

func (ts *testServer) dial(t *testing.T, userID, name string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.srv.URL, "http", "ws", 1) + "/ws?user=" + userID + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, sessionID string, eventType protocol.EventType, payload any) {
	t.Helper()
	evt, err := protocol.New(sessionID, eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(evt))
}

// waitFor reads events until one of the wanted type arrives, skipping
// everything else.
func waitFor(t *testing.T, conn *websocket.Conn, eventType protocol.EventType) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)
		var evt protocol.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		if evt.Type == eventType {
			return evt
		}
	}
}

// expectSilence asserts that no event of the given type arrives within the
// window.
func expectSilence(t *testing.T, conn *websocket.Conn, eventType protocol.EventType, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return // timed out, nothing arrived
		}
		var evt protocol.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		require.NotEqual(t, eventType, evt.Type)
	}
}

func TestCreateAndJoinSession(t *testing.T) {
	ts := newTestServer(t)

	alice := ts.dial(t, "u-alice", "Alice")
	send(t, alice, "room-1", protocol.EventCreateSession, protocol.CreateSessionPayload{SessionName: "Friday"})

	var state protocol.SessionStatePayload
	require.NoError(t, waitFor(t, alice, protocol.EventSessionState).Decode(&state))
	assert.Equal(t, "Friday", state.SessionName)
	assert.Equal(t, 1, state.ParticipantCount)

	var created protocol.SessionCreatedPayload
	require.NoError(t, waitFor(t, alice, protocol.EventSessionCreated).Decode(&created))
	assert.Equal(t, "room-1", created.SessionID)

	bob := ts.dial(t, "u-bob", "Bob")
	send(t, bob, "room-1", protocol.EventJoinSession, nil)

	require.NoError(t, waitFor(t, bob, protocol.EventSessionState).Decode(&state))
	assert.Equal(t, 2, state.ParticipantCount)
	assert.Len(t, state.Participants, 2)

	var joined protocol.PresencePayload
	require.NoError(t, waitFor(t, alice, protocol.EventUserJoined).Decode(&joined))
	assert.Equal(t, "u-bob", joined.UserID)
	assert.Equal(t, "Bob", joined.Username)
	assert.Equal(t, 2, joined.ParticipantCount)
}

func TestJoinUnknownSessionWithoutName(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	send(t, alice, "no-such-room", protocol.EventJoinSession, nil)
	waitFor(t, alice, protocol.EventSessionNotFound)
	assert.False(t, ts.store.Has("no-such-room"))
}

func TestPlaybackCommandBroadcastAndStaleness(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	track := &models.Track{Name: "a.mp3", URL: "https://example.com/a.mp3"}
	send(t, alice, "room-1", protocol.EventPlaySong, protocol.PlaybackPayload{
		Track:     track,
		Position:  0,
		IsPlaying: true,
		Timestamp: time.Now(),
	})

	var update protocol.PlaybackPayload
	require.NoError(t, waitFor(t, bob, protocol.EventSongUpdate).Decode(&update))
	require.NotNil(t, update.Track)
	assert.Equal(t, "a.mp3", update.Track.Name)
	assert.True(t, update.IsPlaying)
	assert.False(t, update.ServerTime.IsZero())
	waitFor(t, alice, protocol.EventSongUpdate)

	// A command stamped before the last applied update must be dropped.
	send(t, bob, "room-1", protocol.EventSeek, protocol.PlaybackPayload{
		Position:  99,
		IsPlaying: true,
		Timestamp: time.Now().Add(-time.Minute),
	})
	expectSilence(t, alice, protocol.EventSongUpdate, 200*time.Millisecond)

	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	assert.NotEqual(t, float64(99), snap.PlaybackPosition)
}

func TestPlayPauseAppliesDespiteOldTimestamp(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, alice, "room-1", protocol.EventPlaySong, protocol.PlaybackPayload{
		Track:     &models.Track{Name: "a.mp3"},
		IsPlaying: true,
		Timestamp: time.Now(),
	})
	waitFor(t, bob, protocol.EventSongUpdate)
	waitFor(t, alice, protocol.EventSongUpdate)

	// Pause intents are never staleness-checked.
	send(t, bob, "room-1", protocol.EventPlayPause, protocol.PlaybackPayload{
		Position:  12,
		IsPlaying: false,
		Timestamp: time.Now().Add(-time.Minute),
	})
	var update protocol.PlaybackPayload
	require.NoError(t, waitFor(t, alice, protocol.EventSongUpdate).Decode(&update))
	assert.False(t, update.IsPlaying)
	assert.InDelta(t, 12, update.Position, 0.001)
}

func TestChatEchoSuppression(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, bob, "room-1", protocol.EventChatMessage, protocol.ChatPayload{Text: "hello"})

	var msg models.ChatMessage
	require.NoError(t, waitFor(t, alice, protocol.EventChatMessage).Decode(&msg))
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "u-bob", msg.SenderID)
	assert.Equal(t, "Bob", msg.SenderName)

	// The sender must not get its own message echoed back.
	expectSilence(t, bob, protocol.EventChatMessage, 150*time.Millisecond)

	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Text)
}

func TestReadyBarrierCountdown(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, alice, "room-1", protocol.EventPlayerReady, protocol.ReadyPayload{Timestamp: time.Now()})
	var ready protocol.ReadyStatePayload
	require.NoError(t, waitFor(t, bob, protocol.EventReadyStateUpdate).Decode(&ready))
	assert.Equal(t, 1, ready.ReadyCount)
	assert.Equal(t, 2, ready.TotalCount)

	send(t, bob, "room-1", protocol.EventPlayerReady, protocol.ReadyPayload{Timestamp: time.Now()})

	var countdown protocol.CountdownPayload
	require.NoError(t, waitFor(t, alice, protocol.EventSyncCountdown).Decode(&countdown))
	assert.True(t, countdown.StartTime.After(time.Now().Add(-time.Second)))

	waitFor(t, alice, protocol.EventStartSyncPlayback)
	waitFor(t, bob, protocol.EventStartSyncPlayback)
}

func TestPollLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, alice, "room-1", protocol.EventNewPoll, protocol.NewPollPayload{
		Question: "next genre?",
		Options:  []string{"house", "techno"},
	})
	var poll models.Poll
	require.NoError(t, waitFor(t, bob, protocol.EventNewPoll).Decode(&poll))
	require.Len(t, poll.Options, 2)

	send(t, bob, "room-1", protocol.EventPollVote, protocol.PollVotePayload{PollID: poll.ID, OptionIndex: 1})
	var vote protocol.PollVoteUpdatePayload
	require.NoError(t, waitFor(t, alice, protocol.EventPollVote).Decode(&vote))
	assert.Equal(t, 1, vote.UpdatedOption.Votes)
	assert.Equal(t, []string{"u-bob"}, vote.UpdatedOption.Voters)

	// Voting the same option again toggles the vote back off.
	send(t, bob, "room-1", protocol.EventPollVote, protocol.PollVotePayload{PollID: poll.ID, OptionIndex: 1})
	require.NoError(t, waitFor(t, alice, protocol.EventPollVote).Decode(&vote))
	assert.Zero(t, vote.UpdatedOption.Votes)

	// Only the creator may delete the poll.
	send(t, bob, "room-1", protocol.EventDeletePoll, protocol.PollDeletedPayload{PollID: poll.ID})
	waitFor(t, bob, protocol.EventError)

	send(t, alice, "room-1", protocol.EventDeletePoll, protocol.PollDeletedPayload{PollID: poll.ID})
	var deleted protocol.PollDeletedPayload
	require.NoError(t, waitFor(t, bob, protocol.EventPollDeleted).Decode(&deleted))
	assert.Equal(t, poll.ID, deleted.PollID)

	// Deleting the poll also removes its chat entry.
	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	assert.Empty(t, snap.Polls)
	for _, m := range snap.Messages {
		assert.NotEqual(t, poll.ID, m.PollID)
	}
}

func TestSingleConnectionPerUser(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t, "u-alice", "Alice")
	send(t, first, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, first, protocol.EventSessionState)
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	second := ts.dial(t, "u-alice", "Alice")
	send(t, second, "room-1", protocol.EventJoinSession, nil)
	var state protocol.SessionStatePayload
	require.NoError(t, waitFor(t, second, protocol.EventSessionState).Decode(&state))
	assert.Equal(t, 2, state.ParticipantCount)

	// The first connection gets evicted.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The reconnect must not flicker presence for the others.
	expectSilence(t, bob, protocol.EventUserLeft, 200*time.Millisecond)

	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ParticipantCount())
}

func TestTimeSyncHandshake(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")

	clientTime := time.Now().Add(-42 * time.Second)
	send(t, alice, "", protocol.EventTimeSync, protocol.TimeSyncPayload{ClientTime: clientTime})

	var resp protocol.TimeSyncResponsePayload
	require.NoError(t, waitFor(t, alice, protocol.EventTimeSyncResponse).Decode(&resp))
	assert.True(t, resp.ClientTime.Equal(clientTime))
	assert.False(t, resp.ServerReceive.IsZero())
	assert.False(t, resp.ServerSend.Before(resp.ServerReceive))
}

func TestBufferingMemberPausesSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, alice, "room-1", protocol.EventPlaySong, protocol.PlaybackPayload{
		Track:     &models.Track{Name: "a.mp3"},
		IsPlaying: true,
		Timestamp: time.Now(),
	})
	waitFor(t, bob, protocol.EventSongUpdate)
	waitFor(t, alice, protocol.EventSongUpdate)

	send(t, bob, "room-1", protocol.EventBufferState, protocol.BufferStatePayload{
		BufferProgress: 0.1,
		IsBuffering:    true,
	})

	// The whole session pauses while one member buffers.
	var update protocol.PlaybackPayload
	require.NoError(t, waitFor(t, alice, protocol.EventSongUpdate).Decode(&update))
	assert.False(t, update.IsPlaying)

	var buf protocol.BufferUpdatePayload
	require.NoError(t, waitFor(t, alice, protocol.EventBufferUpdate).Decode(&buf))
	assert.True(t, buf.AnyBuffering)
	assert.InDelta(t, 0.1, buf.AvgBufferProgress, 0.001)

	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	assert.False(t, snap.IsPlaying)
}

func TestTrackChangeResetsPlayback(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, alice, "room-1", protocol.EventPlaySong, protocol.PlaybackPayload{
		Track:     &models.Track{Name: "a.mp3"},
		Position:  30,
		IsPlaying: true,
		Timestamp: time.Now(),
	})
	waitFor(t, bob, protocol.EventSongUpdate)

	send(t, alice, "room-1", protocol.EventNextSong, protocol.TrackChangePayload{
		Track:     models.Track{Name: "b.mp3"},
		Timestamp: time.Now(),
	})

	// A track change goes out under its own event type, restarted from zero.
	var update protocol.PlaybackPayload
	require.NoError(t, waitFor(t, bob, protocol.EventNextSong).Decode(&update))
	require.NotNil(t, update.Track)
	assert.Equal(t, "b.mp3", update.Track.Name)
	assert.Zero(t, update.Position)
	assert.True(t, update.IsPlaying)

	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	require.NotNil(t, snap.CurrentTrack)
	assert.Equal(t, "b.mp3", snap.CurrentTrack.Name)
	assert.Zero(t, snap.PlaybackPosition)
	assert.True(t, snap.IsPlaying)
}

func TestJoinSnapshotProjectsPosition(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)

	send(t, alice, "room-1", protocol.EventPlaySong, protocol.PlaybackPayload{
		Track:     &models.Track{Name: "a.mp3"},
		Position:  30,
		IsPlaying: true,
		Timestamp: time.Now(),
	})
	waitFor(t, alice, protocol.EventSongUpdate)

	time.Sleep(300 * time.Millisecond)

	// A latecomer's snapshot carries the position advanced by the elapsed
	// playing time, not the stored value.
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	var state protocol.SessionStatePayload
	require.NoError(t, waitFor(t, bob, protocol.EventSessionState).Decode(&state))
	assert.True(t, state.IsPlaying)
	assert.Greater(t, state.Position, 30.0)
	assert.Less(t, state.Position, 35.0)
}

func TestEventForUnknownSessionRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	send(t, alice, "ghost-room", protocol.EventSeek, protocol.PlaybackPayload{
		Position:  10,
		Timestamp: time.Now(),
	})
	waitFor(t, alice, protocol.EventSessionNotFound)
	assert.False(t, ts.store.Has("ghost-room"))
}

func TestSkewedClientTimestampAccepted(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "u-alice", "Alice")
	bob := ts.dial(t, "u-bob", "Bob")
	send(t, alice, "room-1", protocol.EventCreateSession, nil)
	waitFor(t, alice, protocol.EventSessionState)
	send(t, bob, "room-1", protocol.EventJoinSession, nil)
	waitFor(t, bob, protocol.EventSessionState)

	send(t, bob, "room-1", protocol.EventPlaySong, protocol.PlaybackPayload{
		Track:     &models.Track{Name: "a.mp3"},
		IsPlaying: true,
		Timestamp: time.Now(),
	})
	waitFor(t, alice, protocol.EventSongUpdate)
	waitFor(t, bob, protocol.EventSongUpdate)

	// Teach the server that alice's clock runs ten seconds behind.
	s0 := time.Now()
	send(t, alice, "", protocol.EventTimeSync, protocol.TimeSyncPayload{
		ClientTime: s0.Add(-10 * time.Second),
		Echo: &protocol.TimeSyncEcho{
			ClientSend:    s0.Add(-10*time.Second - 5*time.Millisecond),
			ServerReceive: s0,
			ServerSend:    s0,
			ClientReceive: s0.Add(-10*time.Second + 5*time.Millisecond),
		},
	})
	waitFor(t, alice, protocol.EventTimeSyncResponse)

	// Nine seconds stale on the server clock, but current once translated
	// through alice's offset; the seek must apply.
	send(t, alice, "room-1", protocol.EventSeek, protocol.PlaybackPayload{
		Position:  77,
		IsPlaying: true,
		Timestamp: time.Now().Add(-9 * time.Second),
	})
	var update protocol.PlaybackPayload
	require.NoError(t, waitFor(t, bob, protocol.EventSongUpdate).Decode(&update))
	assert.InDelta(t, 77, update.Position, 0.001)

	snap, err := ts.store.Get("room-1")
	require.NoError(t, err)
	assert.InDelta(t, 77, snap.PlaybackPosition, 0.001)
}
