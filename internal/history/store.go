// Package history persists finished tutoring sessions.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tutor-voice-lab/internal/transcript"
)

// ErrEmptyRecord is returned when saving a record without conversation entries.
var ErrEmptyRecord = errors.New("history: record has no conversation entries")

// DefaultListLimit bounds List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Record is one saved session.
type Record struct {
	ID             uuid.UUID          `json:"id"`
	Date           time.Time          `json:"date"`
	NativeLanguage string             `json:"nativeLanguage"`
	TargetLanguage string             `json:"targetLanguage"`
	Conversation   []transcript.Entry `json:"conversation"`
}

// NewRecord stamps a conversation with a fresh ID and the current time.
func NewRecord(native, target string, conversation []transcript.Entry) Record {
	return Record{
		ID:             uuid.New(),
		Date:           time.Now().UTC(),
		NativeLanguage: native,
		TargetLanguage: target,
		Conversation:   append([]transcript.Entry(nil), conversation...),
	}
}

// Store saves and lists records, newest first.
type Store interface {
	Save(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Clear(ctx context.Context) error
	Close() error
}

func validate(rec Record) error {
	if len(rec.Conversation) == 0 {
		return ErrEmptyRecord
	}
	return nil
}
