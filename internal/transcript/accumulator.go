// Package transcript assembles streamed transcription fragments for the user
// and the model into turn-based conversation entries.
package transcript

import "strings"

// Speaker identifies who produced a conversation entry.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// TranslateMarker prefixes the user's text when the turn was a translation request.
const TranslateMarker = "(Translate): "

// Entry is one finalized line of the conversation log.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Live is the in-progress view of the current turn.
type Live struct {
	User string `json:"user"`
	AI   string `json:"ai"`
}

// Accumulator buffers fragment deltas per side until a turn completes. It is
// not safe for concurrent use; the session event loop owns it.
type Accumulator struct {
	user  strings.Builder
	model strings.Builder
}

// AppendUser appends a fragment of the user's input transcription.
func (a *Accumulator) AppendUser(text string) { a.user.WriteString(text) }

// AppendModel appends a fragment of the model's output transcription.
func (a *Accumulator) AppendModel(text string) { a.model.WriteString(text) }

// Snapshot returns the text accumulated so far in the current turn.
func (a *Accumulator) Snapshot() Live {
	return Live{User: a.user.String(), AI: a.model.String()}
}

// Complete ends the turn: it emits at most one user entry followed by at most
// one model entry, skipping blank buffers, then clears both buffers.
func (a *Accumulator) Complete(translating bool) []Entry {
	user, model := a.user.String(), a.model.String()
	a.Reset()

	var out []Entry
	if strings.TrimSpace(user) != "" {
		if translating {
			user = TranslateMarker + user
		}
		out = append(out, Entry{Speaker: SpeakerUser, Text: user})
	}
	if strings.TrimSpace(model) != "" {
		out = append(out, Entry{Speaker: SpeakerAI, Text: model})
	}
	return out
}

// Reset discards both buffers.
func (a *Accumulator) Reset() {
	a.user.Reset()
	a.model.Reset()
}
