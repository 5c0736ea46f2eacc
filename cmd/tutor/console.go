package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tutor-voice-lab/internal/history"
	"github.com/tutor-voice-lab/internal/recording"
	"github.com/tutor-voice-lab/internal/session"
	"github.com/tutor-voice-lab/internal/transcript"
)

// console renders session snapshots as terminal lines: state changes and
// each finished conversation entry once.
type console struct {
	w io.Writer

	mu        sync.Mutex
	state     session.State
	sessionID string
	printed   int
}

func newConsole(w io.Writer) *console {
	return &console{w: w, state: session.Idle}
}

// onChange is the session's OnChange hook. It only writes to w.
func (c *console) onChange(s session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.SessionID != c.sessionID {
		c.sessionID = s.SessionID
		c.printed = 0
	}
	if s.State != c.state {
		c.state = s.State
		switch {
		case s.State == session.Error && s.Err != nil:
			fmt.Fprintf(c.w, "[%s] %v\n", s.State, s.Err)
		case s.State == session.CredentialMissing:
			fmt.Fprintf(c.w, "[%s] set GEMINI_API_KEY to start a session\n", s.State)
		default:
			fmt.Fprintf(c.w, "[%s]\n", s.State)
		}
	}
	for ; c.printed < len(s.Log); c.printed++ {
		fmt.Fprintln(c.w, formatEntry(s.Log[c.printed]))
	}
}

func formatEntry(e transcript.Entry) string {
	who := "you"
	if e.Speaker == transcript.SpeakerAI {
		who = session.TutorName
	}
	return fmt.Sprintf("%s: %s", who, strings.TrimSpace(e.Text))
}

// printRecords lists saved sessions, newest first. rec may be nil; when set,
// sessions with a saved recording also show its file.
func printRecords(w io.Writer, recs []history.Record, rec *recording.Store) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no saved sessions")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %s -> %s  (%d entries)  %s\n",
			r.Date.Local().Format("2006-01-02 15:04"), r.NativeLanguage, r.TargetLanguage,
			len(r.Conversation), r.ID)
		if sc, ok := rec.FindBySession(r.ID.String()); ok {
			fmt.Fprintf(w, "    audio: %s (%.1fs)\n", sc.WavPath, float64(sc.DurationMs)/1000)
		}
		for _, e := range r.Conversation {
			fmt.Fprintf(w, "    %s\n", formatEntry(e))
		}
	}
}
