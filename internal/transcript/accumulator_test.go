package transcript

import (
	"strings"
	"testing"
)

func TestFragmentsConcatenateInArrivalOrder(t *testing.T) {
	var a Accumulator
	frags := []string{"Ho", "la", ", ", "¿qué ", "tal?"}
	for _, f := range frags {
		a.AppendUser(f)
	}
	a.AppendModel("Bien")
	a.AppendModel(", gracias")

	got := a.Snapshot()
	if got.User != strings.Join(frags, "") {
		t.Fatalf("user buffer: want=%q got=%q", strings.Join(frags, ""), got.User)
	}
	if got.AI != "Bien, gracias" {
		t.Fatalf("model buffer: want=%q got=%q", "Bien, gracias", got.AI)
	}
}

func TestCompleteUserOnly(t *testing.T) {
	var a Accumulator
	a.AppendUser("Hola")

	entries := a.Complete(false)
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d: %v", len(entries), entries)
	}
	if entries[0] != (Entry{Speaker: SpeakerUser, Text: "Hola"}) {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestCompleteBothEmptyEmitsNothing(t *testing.T) {
	var a Accumulator
	if entries := a.Complete(false); len(entries) != 0 {
		t.Fatalf("want no entries, got %v", entries)
	}
	a.AppendUser("   ")
	if entries := a.Complete(true); len(entries) != 0 {
		t.Fatalf("whitespace-only buffer should not emit, got %v", entries)
	}
}

func TestCompleteTranslatingPrefixesUserAndClears(t *testing.T) {
	var a Accumulator
	a.AppendUser("Hello")
	a.AppendModel("Hola")

	entries := a.Complete(true)
	want := []Entry{
		{Speaker: SpeakerUser, Text: "(Translate): Hello"},
		{Speaker: SpeakerAI, Text: "Hola"},
	}
	if len(entries) != len(want) {
		t.Fatalf("want %d entries, got %v", len(want), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entry %d: want=%+v got=%+v", i, want[i], entries[i])
		}
	}
	if snap := a.Snapshot(); snap.User != "" || snap.AI != "" {
		t.Fatalf("buffers not cleared: %+v", snap)
	}
}
