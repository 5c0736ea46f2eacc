package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tutor-voice-lab/internal/transcript"
)

func conversation(text string) []transcript.Entry {
	return []transcript.Entry{
		{Speaker: transcript.SpeakerUser, Text: text},
		{Speaker: transcript.SpeakerAI, Text: "¡Muy bien!"},
	}
}

func TestFileStoreNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))

	first := NewRecord("English", "Spanish", conversation("Hola"))
	second := NewRecord("English", "Spanish", conversation("Adiós"))
	for _, rec := range []Record{first, second} {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 records, got %d", len(got))
	}
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Fatalf("records not newest first: %v, %v", got[0].ID, got[1].ID)
	}
	if got[1].Conversation[0].Text != "Hola" || got[1].NativeLanguage != "English" {
		t.Fatalf("record fields not preserved: %+v", got[1])
	}

	limited, err := s.List(ctx, 1)
	if err != nil || len(limited) != 1 || limited[0].ID != second.ID {
		t.Fatalf("limit: got %v err=%v", limited, err)
	}
}

func TestFileStoreRejectsEmptyAndTrims(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	s.MaxRecords = 2

	if err := s.Save(ctx, NewRecord("English", "French", nil)); !errors.Is(err, ErrEmptyRecord) {
		t.Fatalf("expected ErrEmptyRecord, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, NewRecord("English", "French", conversation("Bonjour"))); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("MaxRecords not enforced: %d records", len(got))
	}
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear on missing file: %v", err)
	}
	if err := s.Save(ctx, NewRecord("English", "German", conversation("Hallo"))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := s.List(ctx, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("after clear: got %v err=%v", got, err)
	}
}
