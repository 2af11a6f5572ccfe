package models

import (
	"strings"
	"time"
)

// Track is a playlist entry. Tracks are identified by name; two tracks with
// the same name are the same track as far as lookup and removal go.
type Track struct {
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	AddedAt time.Time `json:"added_at,omitempty"`
}

// Session is the authoritative state of a listening room. PlaybackPosition is
// only meaningful relative to LastUpdate: the true position while playing is
// PlaybackPosition + (now - LastUpdate).
type Session struct {
	SessionID        string            `json:"session_id"`
	Name             string            `json:"name"`
	HostID           string            `json:"host_id,omitempty"`
	Tracks           []Track           `json:"tracks"`
	CurrentTrack     *Track            `json:"current_track,omitempty"`
	PlaybackPosition float64           `json:"playback_position"`
	IsPlaying        bool              `json:"is_playing"`
	LastUpdate       time.Time         `json:"last_update"`
	Participants     map[string]string `json:"participants"` // user id -> display name
	Messages         []ChatMessage     `json:"messages"`
	Polls            []Poll            `json:"polls"`
	CreatedAt        time.Time         `json:"created_at"`
}

// NewSession returns an empty session with initialized collections.
func NewSession(sessionID, name string, now time.Time) *Session {
	if name == "" {
		name = "Untitled Session"
	}
	return &Session{
		SessionID:    sessionID,
		Name:         name,
		Tracks:       []Track{},
		Participants: make(map[string]string),
		Messages:     []ChatMessage{},
		Polls:        []Poll{},
		LastUpdate:   now,
		CreatedAt:    now,
	}
}

// NormalizeSessionID canonicalizes a client-supplied session id for lookup.
func NormalizeSessionID(id string) string {
	return strings.TrimSpace(id)
}

// ProjectedPosition returns the playback position as of now, accounting for
// time elapsed since the last state change while playing.
func (s *Session) ProjectedPosition(now time.Time) float64 {
	if s.CurrentTrack == nil {
		return 0
	}
	pos := s.PlaybackPosition
	if s.IsPlaying && now.After(s.LastUpdate) {
		pos += now.Sub(s.LastUpdate).Seconds()
	}
	return pos
}

// ParticipantCount returns the size of the participant set.
func (s *Session) ParticipantCount() int {
	return len(s.Participants)
}

// RemoveTrack deletes every track with the given name from the playlist and
// reports whether anything was removed. If the removed track is the current
// one, playback state is cleared.
func (s *Session) RemoveTrack(name string) bool {
	kept := s.Tracks[:0]
	removed := false
	for _, t := range s.Tracks {
		if t.Name == name {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	s.Tracks = kept
	if removed && s.CurrentTrack != nil && s.CurrentTrack.Name == name {
		s.CurrentTrack = nil
		s.PlaybackPosition = 0
		s.IsPlaying = false
	}
	return removed
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Tracks = append([]Track(nil), s.Tracks...)
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		cp.CurrentTrack = &t
	}
	cp.Participants = make(map[string]string, len(s.Participants))
	for id, name := range s.Participants {
		cp.Participants[id] = name
	}
	cp.Messages = append([]ChatMessage(nil), s.Messages...)
	cp.Polls = make([]Poll, len(s.Polls))
	for i := range s.Polls {
		cp.Polls[i] = s.Polls[i].Clone()
	}
	return &cp
}
