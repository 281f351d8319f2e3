package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Story lifecycle states.
const (
	StoryProcessing = "processing"
	StoryReady      = "ready"
	StoryFailed     = "failed"
)

// Story is a recorded story as seen by the media pipeline. Stories are
// created elsewhere with status processing; the audio worker and the
// STT worker each own a disjoint set of the nullable fields.
type Story struct {
	ID                     string          `json:"id"`
	ProjectID              string          `json:"projectId"`
	Title                  string          `json:"title"`
	Status                 string          `json:"status"`
	AudioRef               *string         `json:"audioRef,omitempty"`
	AudioDurationSeconds   *float64        `json:"audioDurationSeconds,omitempty"`
	AudioFormat            *string         `json:"audioFormat,omitempty"`
	WaveformRef            *string         `json:"waveformRef,omitempty"`
	Transcript             *string         `json:"transcript,omitempty"`
	TranscriptConfidence   *float64        `json:"transcriptConfidence,omitempty"`
	TranscriptProviderName *string         `json:"transcriptProviderName,omitempty"`
	TranscriptWordCount    *int            `json:"transcriptWordCount,omitempty"`
	STTMetadata            json.RawMessage `json:"sttMetadata,omitempty"`
	ErrorMessage           *string         `json:"errorMessage,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// StoryUpdate is a partial update. Nil fields are left untouched.
type StoryUpdate struct {
	Status                 *string
	AudioRef               *string
	AudioDurationSeconds   *float64
	AudioFormat            *string
	WaveformRef            *string
	Transcript             *string
	TranscriptConfidence   *float64
	TranscriptProviderName *string
	TranscriptWordCount    *int
	STTMetadata            json.RawMessage
	ErrorMessage           *string
}

// StoryStore reads and updates stories.
type StoryStore struct {
	pool *pgxpool.Pool
}

// Stories returns the story store backed by this pool.
func (db *DB) Stories() *StoryStore {
	return &StoryStore{pool: db.Pool}
}

const storyColumns = `id, project_id, title, status,
	audio_ref, audio_duration_seconds, audio_format, waveform_ref,
	transcript, transcript_confidence, transcript_provider, transcript_word_count,
	stt_metadata, error_message, created_at, updated_at`

func scanStory(row pgx.Row) (*Story, error) {
	var s Story
	var meta []byte
	err := row.Scan(
		&s.ID, &s.ProjectID, &s.Title, &s.Status,
		&s.AudioRef, &s.AudioDurationSeconds, &s.AudioFormat, &s.WaveformRef,
		&s.Transcript, &s.TranscriptConfidence, &s.TranscriptProviderName, &s.TranscriptWordCount,
		&meta, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		s.STTMetadata = meta
	}
	return &s, nil
}

// FindByID returns the story, or ErrNotFound.
func (s *StoryStore) FindByID(ctx context.Context, id string) (*Story, error) {
	story, err := scanStory(s.pool.QueryRow(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return story, nil
}

// Update applies a partial update. A story that is already ready keeps
// its status whatever the update asks for; the other fields still apply.
func (s *StoryStore) Update(ctx context.Context, id string, u StoryUpdate) error {
	query, args, ok := storyUpdateQuery(id, u)
	if !ok {
		return nil
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update story %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func storyUpdateQuery(id string, u StoryUpdate) (string, []any, bool) {
	var s setList
	if u.Status != nil {
		s.addExpr("status", "CASE WHEN status = 'ready' THEN status ELSE %s END", *u.Status)
	}
	if u.AudioRef != nil {
		s.add("audio_ref", *u.AudioRef)
	}
	if u.AudioDurationSeconds != nil {
		s.add("audio_duration_seconds", *u.AudioDurationSeconds)
	}
	if u.AudioFormat != nil {
		s.add("audio_format", *u.AudioFormat)
	}
	if u.WaveformRef != nil {
		s.add("waveform_ref", *u.WaveformRef)
	}
	if u.Transcript != nil {
		s.add("transcript", *u.Transcript)
	}
	if u.TranscriptConfidence != nil {
		s.add("transcript_confidence", *u.TranscriptConfidence)
	}
	if u.TranscriptProviderName != nil {
		s.add("transcript_provider", *u.TranscriptProviderName)
	}
	if u.TranscriptWordCount != nil {
		s.add("transcript_word_count", *u.TranscriptWordCount)
	}
	if u.STTMetadata != nil {
		s.add("stt_metadata", []byte(u.STTMetadata))
	}
	if u.ErrorMessage != nil {
		s.add("error_message", pqString(*u.ErrorMessage))
	}
	if s.empty() {
		return "", nil, false
	}
	q, args := s.build("stories", id, "")
	return q, args, true
}
