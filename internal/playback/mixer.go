package playback

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/tutor-voice-lab/internal/codec"
)

// mixer renders scheduled buffers into interleaved float32LE frames. Its clock
// is the number of frames handed to the device, so scheduling is exact in
// samples regardless of how the device pulls data.
type mixer struct {
	rate     int
	channels int

	mu      sync.Mutex
	pos     int64
	voices  []*voice
	closed  bool
	scratch []float32
}

type voice struct {
	m       *mixer
	buf     *codec.SampleBuffer
	start   int64
	onEnded func()
}

func newMixer(rate, channels int) *mixer {
	if channels <= 0 {
		channels = 1
	}
	return &mixer{rate: rate, channels: channels}
}

func (m *mixer) now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return framesToDuration(m.pos, m.rate)
}

func framesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

func durationToFrames(d time.Duration, rate int) int64 {
	return int64(math.Round(d.Seconds() * float64(rate)))
}

func (m *mixer) schedule(buf *codec.SampleBuffer, at time.Duration, onEnded func()) (*voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrOutputClosed
	}
	start := durationToFrames(at, m.rate)
	if start < m.pos {
		start = m.pos
	}
	v := &voice{m: m, buf: buf, start: start, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return v, nil
}

// Stop removes the voice without firing its completion.
func (v *voice) Stop() {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(v)
}

func (m *mixer) removeLocked(v *voice) {
	for i, cur := range m.voices {
		if cur == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

// Read implements io.Reader for the device player. Silence is rendered when
// nothing is scheduled so the clock keeps advancing in real time.
func (m *mixer) Read(p []byte) (int, error) {
	frameBytes := 4 * m.channels
	n := len(p) / frameBytes
	if n == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	if cap(m.scratch) < n*m.channels {
		m.scratch = make([]float32, n*m.channels)
	}
	out := m.scratch[:n*m.channels]
	for i := range out {
		out[i] = 0
	}

	from, to := m.pos, m.pos+int64(n)
	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		frames := int64(v.buf.Frames())
		vEnd := v.start + frames
		lo, hi := maxInt64(from, v.start), minInt64(to, vEnd)
		for f := lo; f < hi; f++ {
			src := f - v.start
			for ch := 0; ch < m.channels; ch++ {
				plane := v.buf.Planes[ch%v.buf.NumChannels()]
				out[int(f-from)*m.channels+ch] += plane[src]
			}
		}
		if vEnd <= to {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.pos = to

	for i, s := range out {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	m.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return n * frameBytes, nil
}

func (m *mixer) close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	m.voices = nil
	return true
}

func (m *mixer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
