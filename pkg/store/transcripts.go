package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/wwbp/chatengine/pkg/core"
)

// SaveTranscriptParams describes one side of an exchange. User-side and
// bot-side fields may arrive in separate calls for the same message id; nil
// fields never overwrite a previously written column.
type SaveTranscriptParams struct {
	SessionID   uuid.UUID
	MessageID   int64
	UserMessage *string
	BotMessage  *string
	HasAudio    bool
	AudioKey    *string
}

// SaveTranscript appends or updates the transcript row for a message id.
func (s *Store) SaveTranscript(ctx context.Context, p SaveTranscriptParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (session_id, message_id, user_message, bot_message, has_audio, audio_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, message_id) DO UPDATE SET
			user_message = COALESCE(EXCLUDED.user_message, transcripts.user_message),
			bot_message = COALESCE(EXCLUDED.bot_message, transcripts.bot_message),
			has_audio = transcripts.has_audio OR EXCLUDED.has_audio,
			audio_key = COALESCE(EXCLUDED.audio_key, transcripts.audio_key),
			updated_at = now()`,
		p.SessionID, p.MessageID, p.UserMessage, p.BotMessage, p.HasAudio, p.AudioKey)
	if err != nil {
		return &core.PersistenceError{Op: "save transcript", Err: err}
	}
	return nil
}

// Transcript is one recorded exchange.
type Transcript struct {
	SessionID   uuid.UUID
	MessageID   int64
	UserMessage *string
	BotMessage  *string
	HasAudio    bool
	AudioKey    *string
}

// Transcripts returns the session's transcript rows in message order.
func (s *Store) Transcripts(ctx context.Context, sessionID uuid.UUID) ([]Transcript, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, message_id, user_message, bot_message, has_audio, audio_key
		FROM transcripts WHERE session_id = $1 ORDER BY message_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.SessionID, &t.MessageID, &t.UserMessage, &t.BotMessage, &t.HasAudio, &t.AudioKey); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
