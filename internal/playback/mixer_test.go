package playback

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/tutor-voice-lab/internal/codec"
)

func readFrames(t *testing.T, m *mixer, frames int) []float32 {
	t.Helper()
	p := make([]byte, frames*4*m.channels)
	n, err := m.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	out := make([]float32, n/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return out
}

func constBuffer(rate, frames int, v float32) *codec.SampleBuffer {
	plane := make([]float32, frames)
	for i := range plane {
		plane[i] = v
	}
	return &codec.SampleBuffer{SampleRate: rate, Planes: [][]float32{plane}}
}

func TestMixerClockAndPlacement(t *testing.T) {
	m := newMixer(1000, 1)
	ended := 0
	if _, err := m.schedule(constBuffer(1000, 4, 0.5), 2*time.Millisecond, func() { ended++ }); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got := readFrames(t, m, 4)
	want := []float32{0, 0, 0.5, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: want=%v got=%v", i, want[i], got[i])
		}
	}
	if ended != 0 {
		t.Fatalf("buffer reported ended before finishing")
	}
	if m.now() != 4*time.Millisecond {
		t.Fatalf("clock: want=4ms got=%v", m.now())
	}

	got = readFrames(t, m, 4)
	if got[0] != 0.5 || got[1] != 0.5 || got[2] != 0 {
		t.Fatalf("tail frames: %v", got)
	}
	if ended != 1 {
		t.Fatalf("ended: want=1 got=%d", ended)
	}
}

func TestMixerStoppedVoiceIsSilentAndNeverEnds(t *testing.T) {
	m := newMixer(1000, 1)
	ended := false
	v, err := m.schedule(constBuffer(1000, 2, 0.25), 0, func() { ended = true })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	v.Stop()
	for _, s := range readFrames(t, m, 4) {
		if s != 0 {
			t.Fatalf("stopped voice rendered audio")
		}
	}
	if ended {
		t.Fatalf("stopped voice reported completion")
	}
}

func TestMixerClosed(t *testing.T) {
	m := newMixer(1000, 1)
	if !m.close() || m.close() {
		t.Fatalf("close should succeed exactly once")
	}
	if _, err := m.schedule(constBuffer(1000, 1, 0), 0, nil); !errors.Is(err, ErrOutputClosed) {
		t.Fatalf("expected ErrOutputClosed, got %v", err)
	}
	if _, err := m.Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

// The scheduler on top of the mixer keeps back-to-back buffers contiguous in samples.
func TestSchedulerOnMixerIsGapless(t *testing.T) {
	m := newMixer(1000, 1)
	out := &mixerOutput{m}
	drained := 0
	s := NewScheduler(out, func() { drained++ })
	for _, v := range []float32{0.1, 0.2} {
		if _, err := s.Enqueue(constBuffer(1000, 3, v)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	got := readFrames(t, m, 7)
	want := []float32{0.1, 0.1, 0.1, 0.2, 0.2, 0.2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: want=%v got=%v", i, want[i], got[i])
		}
	}
	if drained != 1 || s.Active() != 0 {
		t.Fatalf("drained=%d active=%d", drained, s.Active())
	}
}

type mixerOutput struct{ m *mixer }

func (o *mixerOutput) Now() time.Duration { return o.m.now() }
func (o *mixerOutput) Schedule(buf *codec.SampleBuffer, at time.Duration, onEnded func()) (Handle, error) {
	return o.m.schedule(buf, at, onEnded)
}
func (o *mixerOutput) Close() error { o.m.close(); return nil }
func (o *mixerOutput) Closed() bool { return o.m.isClosed() }
