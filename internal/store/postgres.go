package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncwave/syncwave/internal/models"
)

// PostgresRepository persists sessions to Postgres. Playback state and the
// chat/poll/participant collections live on the session row as JSONB; tracks
// get their own table so they can be deleted by session key.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository over an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// FindSession loads a session and its tracks by id.
func (r *PostgresRepository) FindSession(ctx context.Context, sessionID string) (*models.Session, error) {
	const q = `
		SELECT session_id, name, host_id, current_track, playback_position,
		       is_playing, last_update, participants, messages, polls, created_at
		FROM sessions
		WHERE session_id = $1`

	var (
		sess         models.Session
		currentTrack []byte
		participants []byte
		messages     []byte
		polls        []byte
	)
	row := r.pool.QueryRow(ctx, q, sessionID)
	err := row.Scan(&sess.SessionID, &sess.Name, &sess.HostID, &currentTrack,
		&sess.PlaybackPosition, &sess.IsPlaying, &sess.LastUpdate,
		&participants, &messages, &polls, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}

	if len(currentTrack) > 0 {
		if err := json.Unmarshal(currentTrack, &sess.CurrentTrack); err != nil {
			return nil, fmt.Errorf("decode current track: %w", err)
		}
	}
	if err := json.Unmarshal(participants, &sess.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(messages, &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal(polls, &sess.Polls); err != nil {
		return nil, fmt.Errorf("decode polls: %w", err)
	}

	tracks, err := r.sessionTracks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Tracks = tracks
	return &sess, nil
}

func (r *PostgresRepository) sessionTracks(ctx context.Context, sessionID string) ([]models.Track, error) {
	const q = `
		SELECT name, url, added_at
		FROM session_tracks
		WHERE session_id = $1
		ORDER BY position`

	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tracks for %s: %w", sessionID, err)
	}
	defer rows.Close()

	tracks := []models.Track{}
	for rows.Next() {
		var t models.Track
		if err := rows.Scan(&t.Name, &t.URL, &t.AddedAt); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// UpsertSession writes the full session state, replacing the track rows so
// their stored order matches the playlist.
func (r *PostgresRepository) UpsertSession(ctx context.Context, sess *models.Session) error {
	currentTrack, err := marshalNullable(sess.CurrentTrack)
	if err != nil {
		return err
	}
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	messages, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	polls, err := json.Marshal(sess.Polls)
	if err != nil {
		return fmt.Errorf("encode polls: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO sessions (session_id, name, host_id, current_track,
		                      playback_position, is_playing, last_update,
		                      participants, messages, polls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
			name = EXCLUDED.name,
			current_track = EXCLUDED.current_track,
			playback_position = EXCLUDED.playback_position,
			is_playing = EXCLUDED.is_playing,
			last_update = EXCLUDED.last_update,
			participants = EXCLUDED.participants,
			messages = EXCLUDED.messages,
			polls = EXCLUDED.polls`
	if _, err := tx.Exec(ctx, upsert, sess.SessionID, sess.Name, sess.HostID,
		currentTrack, sess.PlaybackPosition, sess.IsPlaying, sess.LastUpdate,
		participants, messages, polls, sess.CreatedAt); err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM session_tracks WHERE session_id = $1`, sess.SessionID); err != nil {
		return fmt.Errorf("clear tracks for %s: %w", sess.SessionID, err)
	}
	for i, t := range sess.Tracks {
		const insert = `
			INSERT INTO session_tracks (session_id, position, name, url, added_at)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, insert, sess.SessionID, i, t.Name, t.URL, t.AddedAt); err != nil {
			return fmt.Errorf("insert track %q for %s: %w", t.Name, sess.SessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert for %s: %w", sess.SessionID, err)
	}
	return nil
}

// DeleteSession removes a session row.
func (r *PostgresRepository) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSessionTracks removes every track belonging to a session.
func (r *PostgresRepository) DeleteSessionTracks(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM session_tracks WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete tracks for %s: %w", sessionID, err)
	}
	return nil
}

// ListEmptySessionIDs returns ids of sessions with no participants.
func (r *PostgresRepository) ListEmptySessionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT session_id FROM sessions WHERE participants = '{}'::jsonb`)
	if err != nil {
		return nil, fmt.Errorf("list empty sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalNullable(t *models.Track) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode current track: %w", err)
	}
	return data, nil
}
