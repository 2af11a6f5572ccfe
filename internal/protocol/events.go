package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncwave/syncwave/internal/models"
)

// Event is the envelope every message on the websocket channel travels in.
type Event struct {
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType identifies one kind of event. The set is closed; the router's
// dispatch switch covers every client-originated type.
type EventType string

// Client -> server events.
const (
	EventCreateSession     EventType = "create-session"
	EventJoinSession       EventType = "join-session"
	EventUpdateSessionName EventType = "update-session-name"
	EventLeaveSession      EventType = "user-leave-session"
	EventPlayerReady       EventType = "player-ready"
	EventPlaySong          EventType = "play-song"
	EventPlayPause         EventType = "play-pause"
	EventSeek              EventType = "seek"
	EventNextSong          EventType = "next-song"
	EventPreviousSong      EventType = "previous-song"
	EventUploadSongs       EventType = "upload-songs"
	EventRemoveSong        EventType = "remove-song"
	EventReorderSongs      EventType = "reorder-songs"
	EventChatMessage       EventType = "chat-message"
	EventNewPoll           EventType = "new-poll"
	EventPollVote          EventType = "poll-vote"
	EventDeletePoll        EventType = "delete-poll"
	EventRequestSync       EventType = "request-sync"
	EventSyncCheck         EventType = "sync-check"
	EventBufferState       EventType = "buffer-state"
	EventTimeSync          EventType = "time-sync"
)

// Server -> client events.
const (
	EventSessionCreated     EventType = "session-created"
	EventSessionState       EventType = "session-state"
	EventSessionNotFound    EventType = "session-not-found"
	EventSessionNameUpdated EventType = "session-name-updated"
	EventUserJoined         EventType = "user-joined"
	EventUserLeft           EventType = "user-left"
	EventParticipantCount   EventType = "participant-count"
	EventReadyStateUpdate   EventType = "ready-state-update"
	EventSyncCountdown      EventType = "sync-countdown"
	EventStartSyncPlayback  EventType = "start-sync-playback"
	EventSongUpdate         EventType = "song-update"
	EventSongsUpdated       EventType = "songs-updated"
	EventPollDeleted        EventType = "poll-deleted"
	EventSyncResponse       EventType = "sync-response"
	EventBufferUpdate       EventType = "buffer-update"
	EventTimeSyncResponse   EventType = "time-sync-response"
	EventError              EventType = "error"
)

// New builds an event envelope, marshaling the payload. A nil payload yields
// an envelope with empty data.
func New(sessionID string, eventType EventType, payload any) (Event, error) {
	evt := Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		evt.Data = data
	}
	return evt, nil
}

// MustNew is New for payloads built by the server itself, where a marshal
// failure is a programming error.
func MustNew(sessionID string, eventType EventType, payload any) Event {
	evt, err := New(sessionID, eventType, payload)
	if err != nil {
		panic(err)
	}
	return evt
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// CreateSessionPayload asks the server to create (or adopt) a session.
type CreateSessionPayload struct {
	SessionID   string `json:"session_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`
}

// JoinSessionPayload joins a session, optionally creating it when a name is
// supplied for an unknown id.
type JoinSessionPayload struct {
	SessionName string `json:"session_name,omitempty"`
}

// SessionNamePayload carries a session display name change.
type SessionNamePayload struct {
	SessionName string `json:"session_name"`
}

// SessionCreatedPayload acknowledges a created session.
type SessionCreatedPayload struct {
	SessionID        string `json:"session_id"`
	SessionName      string `json:"session_name"`
	ParticipantCount int    `json:"participant_count"`
}

// ParticipantInfo describes one member inside a session snapshot.
type ParticipantInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsCurrentUser bool   `json:"is_current_user"`
}

// SessionStatePayload is the full snapshot sent to a joining client. The
// position is already projected to ServerTime.
type SessionStatePayload struct {
	SessionName      string               `json:"session_name"`
	Tracks           []models.Track       `json:"tracks"`
	CurrentTrack     *models.Track        `json:"current_track"`
	Position         float64              `json:"position"`
	IsPlaying        bool                 `json:"is_playing"`
	Messages         []models.ChatMessage `json:"messages"`
	Polls            []models.Poll        `json:"polls"`
	ParticipantCount int                  `json:"participant_count"`
	Participants     []ParticipantInfo    `json:"participants"`
	ServerTime       time.Time            `json:"server_time"`
}

// PresencePayload announces a member joining or leaving.
type PresencePayload struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username,omitempty"`
	ParticipantCount int    `json:"participant_count"`
}

// CountPayload carries the bare participant count.
type CountPayload struct {
	Count int `json:"count"`
}

// PlaybackPayload is the state-changing playback command: play-song, seek and
// play-pause all use it, and song-update echoes it back with server time.
type PlaybackPayload struct {
	Track      *models.Track `json:"track,omitempty"`
	Position   float64       `json:"position"`
	IsPlaying  bool          `json:"is_playing"`
	Timestamp  time.Time     `json:"timestamp"`
	ServerTime time.Time     `json:"server_time,omitempty"`
}

// TrackChangePayload advances to a specific track (next/previous). Playback
// always restarts from zero on the new track.
type TrackChangePayload struct {
	Track     models.Track `json:"track"`
	Timestamp time.Time    `json:"timestamp"`
}

// UploadSongsPayload appends tracks to the playlist.
type UploadSongsPayload struct {
	Tracks []models.Track `json:"tracks"`
}

// RemoveSongPayload removes a track by name.
type RemoveSongPayload struct {
	Name string `json:"name"`
}

// ReorderSongsPayload replaces the playlist order wholesale.
type ReorderSongsPayload struct {
	Tracks    []models.Track `json:"tracks"`
	Timestamp time.Time      `json:"timestamp"`
}

// SongsUpdatedPayload broadcasts the post-mutation playlist.
type SongsUpdatedPayload struct {
	Tracks []models.Track `json:"tracks"`
}

// ReadyPayload marks a participant ready for a synchronized start.
type ReadyPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ReadyStatePayload reports barrier progress; observational only.
type ReadyStatePayload struct {
	UserID     string `json:"user_id"`
	Ready      bool   `json:"ready"`
	ReadyCount int    `json:"ready_count"`
	TotalCount int    `json:"total_count"`
}

// CountdownPayload announces when synchronized playback will start.
type CountdownPayload struct {
	StartTime time.Time `json:"start_time"`
}

// StartSyncPlaybackPayload fires at the end of the countdown window.
type StartSyncPlaybackPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Position  float64   `json:"position"`
	IsPlaying bool      `json:"is_playing"`
}

// ChatPayload carries a chat message from a client.
type ChatPayload struct {
	Text string `json:"text"`
}

// NewPollPayload creates a poll.
type NewPollPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// PollVotePayload toggles a vote on a poll option.
type PollVotePayload struct {
	PollID      string `json:"poll_id"`
	OptionIndex int    `json:"option_index"`
}

// PollVoteUpdatePayload broadcasts the post-vote option state.
type PollVoteUpdatePayload struct {
	PollID        string            `json:"poll_id"`
	OptionIndex   int               `json:"option_index"`
	Voter         string            `json:"voter"`
	UpdatedOption models.PollOption `json:"updated_option"`
}

// PollDeletedPayload announces a removed poll.
type PollDeletedPayload struct {
	PollID    string    `json:"poll_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncCheckPayload reports buffer health alongside a position query.
type SyncCheckPayload struct {
	ClientTime     time.Time `json:"client_time"`
	BufferProgress float64   `json:"buffer_progress"`
	IsBuffering    bool      `json:"is_buffering"`
}

// BufferStatePayload is a bare buffer report without a sync query.
type BufferStatePayload struct {
	BufferProgress float64 `json:"buffer_progress"`
	IsBuffering    bool    `json:"is_buffering"`
}

// SyncResponsePayload answers request-sync and sync-check.
type SyncResponsePayload struct {
	Position          float64   `json:"position"`
	IsPlaying         bool      `json:"is_playing"`
	ServerTime        time.Time `json:"server_time"`
	ClientTime        time.Time `json:"client_time,omitempty"`
	AvgBufferProgress float64   `json:"avg_buffer_progress"`
	ShouldPause       bool      `json:"should_pause"`
}

// BufferUpdatePayload broadcasts the aggregate buffer signal.
type BufferUpdatePayload struct {
	AvgBufferProgress float64   `json:"avg_buffer_progress"`
	AnyBuffering      bool      `json:"any_buffering"`
	Timestamp         time.Time `json:"timestamp"`
}

// TimeSyncPayload is one clock handshake from a client. The echo block, when
// present, closes out the previous round trip so the server can refine its
// offset estimate for this connection.
type TimeSyncPayload struct {
	ClientTime time.Time     `json:"client_time"`
	Echo       *TimeSyncEcho `json:"echo,omitempty"`
}

// TimeSyncEcho carries the four timestamps of a completed round trip.
type TimeSyncEcho struct {
	ClientSend    time.Time `json:"client_send"`
	ServerReceive time.Time `json:"server_receive"`
	ServerSend    time.Time `json:"server_send"`
	ClientReceive time.Time `json:"client_receive"`
}

// TimeSyncResponsePayload answers a clock handshake.
type TimeSyncResponsePayload struct {
	ClientTime    time.Time `json:"client_time"`
	ServerReceive time.Time `json:"server_receive"`
	ServerSend    time.Time `json:"server_send"`
}

// ErrorPayload reports a protocol-level error to the originating connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
