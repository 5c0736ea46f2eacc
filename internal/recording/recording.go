// Package recording stores the user's captured audio of a session as a WAV
// file with a JSON sidecar, and prunes old recordings.
package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/fsutil"
	"github.com/tutor-voice-lab/internal/logging"
)

// Sidecar is the metadata written next to each WAV.
type Sidecar struct {
	SessionID      string    `json:"session_id"`
	NativeLanguage string    `json:"native_language"`
	TargetLanguage string    `json:"target_language"`
	SampleRate     int       `json:"sample_rate"`
	DurationMs     int64     `json:"duration_ms"`
	WavPath        string    `json:"wav_path"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store writes recordings into Dir. A nil *Store is a valid no-op.
type Store struct {
	Dir string
}

// NewStore returns nil when dir is blank so callers can skip the feature.
func NewStore(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Store{Dir: dir}
}

// Save writes <session>.wav and <session>.json. pcm is mono PCM16LE.
func (s *Store) Save(sc Sidecar, pcm []byte) (string, error) {
	if s == nil || len(pcm) == 0 {
		return "", nil
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	chunk := codec.Chunk{Data: pcm, SampleRate: sc.SampleRate, Channels: 1}
	sc.DurationMs = chunk.Duration().Milliseconds()
	sc.WavPath = filepath.Join(s.Dir, sc.SessionID+".wav")

	if err := fsutil.WriteFileAtomic(sc.WavPath, codec.EncodeWAV(pcm, sc.SampleRate, 1, 16), 0o644); err != nil {
		return "", fmt.Errorf("recording: write wav: %w", err)
	}
	meta, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("recording: encode sidecar: %w", err)
	}
	jsonPath := filepath.Join(s.Dir, sc.SessionID+".json")
	if err := fsutil.WriteFileAtomic(jsonPath, meta, 0o644); err != nil {
		return "", fmt.Errorf("recording: write sidecar: %w", err)
	}
	logging.Infow("recording: saved", "session_id", sc.SessionID, "wav", sc.WavPath, "duration_ms", sc.DurationMs)
	return sc.WavPath, nil
}

// FindBySession returns the sidecar saved for a session. The second result is
// false when the session has no recording.
func (s *Store) FindBySession(id string) (Sidecar, bool) {
	if s == nil || id == "" {
		return Sidecar{}, false
	}
	if sc, err := readSidecar(filepath.Join(s.Dir, id+".json")); err == nil {
		return sc, true
	}
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Debugw("recording: failed to list dir", "dir", s.Dir, "err", err)
		return Sidecar{}, false
	}
	for _, fi := range files {
		if !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		if sc, err := readSidecar(filepath.Join(s.Dir, fi.Name())); err == nil && sc.SessionID == id {
			return sc, true
		}
	}
	return Sidecar{}, false
}

func readSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(b, &sc)
	return sc, err
}

type pair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// Prune removes recordings older than retention, then the oldest ones beyond
// maxFiles. Zero disables either rule. It returns how many pairs it removed.
func (s *Store) Prune(retention time.Duration, maxFiles int) int {
	if s == nil {
		return 0
	}
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Debugw("recording: prune readDir failed", "err", err)
		return 0
	}
	var pairs []pair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(s.Dir, name)
		info, err := fi.Info()
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if sc, err := readSidecar(jsonPath); err == nil && sc.WavPath != "" {
			wavPath = sc.WavPath
		}
		pairs = append(pairs, pair{jsonPath: jsonPath, wavPath: wavPath, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pair) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
	}
	removed := 0
	kept := pairs[:0]
	if retention > 0 {
		cutoff := time.Now().Add(-retention)
		for _, p := range pairs {
			if p.mod.Before(cutoff) {
				remove(p)
				removed++
				continue
			}
			kept = append(kept, p)
		}
	} else {
		kept = pairs
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, p := range kept[:len(kept)-maxFiles] {
			remove(p)
			removed++
		}
	}
	if removed > 0 {
		logging.Infow("recording: pruned", "dir", s.Dir, "removed", removed)
	}
	return removed
}

// StartCleaner prunes every interval until ctx is cancelled. Caller must call
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (s *Store) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		if s == nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Prune(retention, maxFiles)
			}
		}
	}()
}
