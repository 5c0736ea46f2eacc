// Package playback schedules decoded model audio back-to-back on an output
// clock so speech plays without gaps or overlaps.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/logging"
)

// ErrOutputClosed is returned when scheduling onto an output that has been closed.
var ErrOutputClosed = errors.New("playback output closed")

// Handle is one scheduled buffer on an Output.
type Handle interface {
	// Stop cancels the buffer. A stopped handle never reports completion.
	Stop()
}

// Output is a playback device with its own clock. Buffers are scheduled at an
// absolute position on that clock; onEnded is invoked once, from the device's
// goroutine, when the buffer has finished playing naturally. Schedule must
// not invoke onEnded synchronously.
type Output interface {
	Now() time.Duration
	Schedule(buf *codec.SampleBuffer, at time.Duration, onEnded func()) (Handle, error)
	Close() error
	Closed() bool
}

// Scheduler serializes inbound buffers onto an Output. Enqueue is called from
// the session loop while completions arrive on the device goroutine, so the
// active set is guarded by a mutex.
type Scheduler struct {
	out       Output
	onDrained func()

	mu     sync.Mutex
	cursor time.Duration
	active map[*source]struct{}
}

type source struct {
	handle Handle
	start  time.Duration
	end    time.Duration
}

// NewScheduler returns a scheduler writing to out. onDrained is invoked (from
// the device goroutine) every time the last active buffer finishes.
func NewScheduler(out Output, onDrained func()) *Scheduler {
	return &Scheduler{out: out, onDrained: onDrained, active: make(map[*source]struct{})}
}

// Enqueue schedules buf to start at max(cursor, now) and advances the cursor by
// the buffer's duration. It returns the scheduled start time.
func (s *Scheduler) Enqueue(buf *codec.SampleBuffer) (time.Duration, error) {
	if buf == nil || buf.Frames() == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || s.out.Closed() {
		return 0, ErrOutputClosed
	}

	startAt := s.cursor
	if now := s.out.Now(); now > startAt {
		startAt = now
	}
	src := &source{start: startAt, end: startAt + buf.Duration()}
	h, err := s.out.Schedule(buf, startAt, func() { s.finished(src) })
	if err != nil {
		return 0, err
	}
	src.handle = h
	s.cursor = src.end
	s.active[src] = struct{}{}
	logging.Debugw("playback: scheduled", "start", startAt, "duration", buf.Duration(), "active", len(s.active))
	return startAt, nil
}

func (s *Scheduler) finished(src *source) {
	s.mu.Lock()
	if _, ok := s.active[src]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, src)
	drained := len(s.active) == 0
	s.mu.Unlock()

	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Active returns the number of buffers scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the earliest time the next buffer may start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Reset stops every active buffer and clears the set. The cursor is kept so it
// stays monotonic; the next Enqueue clamps it to the clock anyway.
func (s *Scheduler) Reset() int {
	s.mu.Lock()
	srcs := make([]*source, 0, len(s.active))
	for src := range s.active {
		srcs = append(srcs, src)
	}
	s.active = make(map[*source]struct{})
	s.mu.Unlock()

	for _, src := range srcs {
		if src.handle != nil {
			src.handle.Stop()
		}
	}
	return len(srcs)
}
