package session

import (
	"context"
	"time"

	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/history"
	"github.com/tutor-voice-lab/internal/logging"
	"github.com/tutor-voice-lab/internal/recording"
)

// teardown releases the current run and settles in final. It is safe to call
// with nothing running and from any failure path; resources are released at
// most once because the rig is taken exactly once.
func (s *Session) teardown(final State, reason string) {
	// Clear the handle first so frames still in flight are dropped.
	s.channel.Store(nil)

	s.rigMu.Lock()
	r := s.rig
	s.rig = nil
	s.rigMu.Unlock()

	if r == nil {
		if s.state != final {
			s.setState(final)
		}
		return
	}

	s.persist(r)

	if r.pipe != nil {
		r.pipe.Disconnect()
		if err := r.pipe.Stop(); err != nil {
			logging.Warnw("session: release microphone", "error", err)
		}
	}
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			logging.Debugw("session: close channel", "error", err)
		}
	}
	r.cancel()
	if !r.out.Closed() {
		if err := r.out.Close(); err != nil {
			logging.Warnw("session: close playback", "error", err)
		}
	}
	r.sched.Reset()
	s.saveRecording(r)

	s.m.Teardowns.WithLabelValues(reason).Inc()
	s.m.SessionDuration.Observe(time.Since(r.started).Seconds())
	logging.InfowCtx(r.ctx, "session: released", "session.state", final.String(), "reason", reason)
	s.setState(final)
}

// persist saves a non-empty conversation log under the run's ID.
func (s *Session) persist(r *rig) {
	if s.opts.Store == nil || len(s.log) == 0 {
		return
	}
	rec := history.NewRecord(s.opts.NativeLanguage, s.opts.TargetLanguage, s.log)
	rec.ID = r.id
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.opts.Store.Save(ctx, rec); err != nil {
		s.m.HistoryErrors.Inc()
		logging.Errorw("session: save history", "session_id", r.id.String(), "error", err)
		return
	}
	logging.Debugw("session: history saved", "session_id", r.id.String(), "entries", len(rec.Conversation))
}

func (s *Session) saveRecording(r *rig) {
	if s.opts.Recordings == nil || r.pipe == nil {
		return
	}
	path, err := s.opts.Recordings.Save(recording.Sidecar{
		SessionID:      r.id.String(),
		NativeLanguage: s.opts.NativeLanguage,
		TargetLanguage: s.opts.TargetLanguage,
		SampleRate:     capture.TargetRate,
	}, r.pipe.Recording())
	if err != nil {
		logging.Warnw("session: save recording", "session_id", r.id.String(), "error", err)
		return
	}
	if path != "" {
		logging.Debugw("session: recording saved", "path", path)
	}
}
