package dictation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/live"
)

type fakeChannel struct {
	inbox chan *live.Message
	errs  chan error
	done  chan struct{}

	mu     sync.Mutex
	sent   int
	closed int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan *live.Message, 8), errs: make(chan error, 1), done: make(chan struct{})}
}

func (c *fakeChannel) SendAudio(ctx context.Context, chunk codec.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) (*live.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, live.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if c.closed == 1 {
		close(c.done)
	}
	return nil
}

func (c *fakeChannel) counts() (sent, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.closed
}

type fakeDialer struct {
	ch    *fakeChannel
	err   error
	setup live.Setup
	mu    sync.Mutex
}

func (d *fakeDialer) Dial(ctx context.Context, s live.Setup) (live.Channel, error) {
	d.mu.Lock()
	d.setup = s
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}

type fakeStream struct {
	mu       sync.Mutex
	callback func([]float32)
	stops    int
}

func (s *fakeStream) SampleRate() int { return capture.TargetRate }
func (s *fakeStream) Start() error    { return nil }
func (s *fakeStream) Close() error    { return nil }

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

type fakeMic struct {
	err    error
	mu     sync.Mutex
	stream *fakeStream
}

func (m *fakeMic) Open(onSamples func([]float32)) (capture.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = &fakeStream{callback: onSamples}
	return m.stream, nil
}

func (m *fakeMic) current() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

type result struct {
	text string
	err  error
}

type harness struct {
	ch      *fakeChannel
	dialer  *fakeDialer
	mic     *fakeMic
	d       *Dictator
	results chan result
	done    <-chan struct{}
}

func newHarness(t *testing.T, silence time.Duration) *harness {
	t.Helper()
	h := &harness{ch: newFakeChannel(), mic: &fakeMic{}, results: make(chan result, 4)}
	h.dialer = &fakeDialer{ch: h.ch}
	h.d = New(Options{
		APIKey:     "key",
		Model:      "test-model",
		Dialer:     h.dialer,
		Microphone: h.mic,
		FrameSize:  256,
		Silence:    silence,
	})
	t.Cleanup(h.d.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	done, err := h.d.Start(func(text string, err error) { h.results <- result{text, err} })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.done = done
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run never finished")
	}
}

func (h *harness) waitMic(t *testing.T) *fakeStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.mic.current(); s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("microphone never opened")
	return nil
}

func (h *harness) result(t *testing.T) result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
		return result{}
	}
}

func str(s string) *string { return &s }

func TestSilenceEndsRun(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.start(t)
	h.waitMic(t)

	h.ch.inbox <- &live.Message{InputText: str("  ¿Dónde está ")}
	h.ch.inbox <- &live.Message{InputText: str("la estación?  ")}

	got := h.result(t)
	if got.err != nil || got.text != "¿Dónde está la estación?" {
		t.Fatalf("got %+v", got)
	}
	if _, closed := h.ch.counts(); closed != 1 {
		t.Fatalf("channel closed %d times", closed)
	}
	if h.d.Listening() {
		t.Fatalf("run should be finished")
	}
	h.dialer.mu.Lock()
	setup := h.dialer.setup
	h.dialer.mu.Unlock()
	if !setup.InputOnly || setup.Model != "test-model" {
		t.Fatalf("unexpected setup: %+v", setup)
	}
}

func TestTurnCompleteEndsRun(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.start(t)
	h.waitMic(t)

	h.ch.inbox <- &live.Message{InputText: str("good ")}
	h.ch.inbox <- &live.Message{InputText: str("morning"), TurnComplete: true}

	got := h.result(t)
	if got.err != nil || got.text != "good morning" {
		t.Fatalf("got %+v", got)
	}
	h.waitDone(t)
	select {
	case extra := <-h.results:
		t.Fatalf("callback fired twice: %+v", extra)
	default:
	}
}

func TestMicrophoneDenied(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.mic.err = capture.ErrPermissionDenied
	h.start(t)

	got := h.result(t)
	if !errors.Is(got.err, ErrMicrophone) || !errors.Is(got.err, capture.ErrPermissionDenied) {
		t.Fatalf("unexpected error: %v", got.err)
	}
	if _, closed := h.ch.counts(); closed != 1 {
		t.Fatalf("channel should be closed, got %d", closed)
	}
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.dialer.err = live.ErrChannel
	h.start(t)
	got := h.result(t)
	if !errors.Is(got.err, ErrStart) || !errors.Is(got.err, live.ErrChannel) {
		t.Fatalf("unexpected error: %v", got.err)
	}
}

func TestChannelErrorReported(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.start(t)
	h.waitMic(t)
	h.ch.errs <- errors.New("reset by peer")
	got := h.result(t)
	if !errors.Is(got.err, ErrRecognition) {
		t.Fatalf("unexpected error: %v", got.err)
	}
}

func TestStopWithoutSpeechIsSilent(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.start(t)
	stream := h.waitMic(t)

	// The stream exists before the pipeline starts; keep feeding until one frame lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stream.callback(make([]float32, 256))
		if sent, _ := h.ch.counts(); sent >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame was not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.d.Stop()
	h.waitDone(t)
	select {
	case r := <-h.results:
		t.Fatalf("no callback expected for an empty run, got %+v", r)
	default:
	}
	before, _ := h.ch.counts()
	stream.callback(make([]float32, 256))
	time.Sleep(20 * time.Millisecond)
	if sent, _ := h.ch.counts(); sent != before {
		t.Fatalf("frames sent after stop: %d -> %d", before, sent)
	}
	stream.mu.Lock()
	stops := stream.stops
	stream.mu.Unlock()
	if stops != 1 {
		t.Fatalf("microphone stopped %d times", stops)
	}
}

func TestStartGuards(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.start(t)
	if _, err := h.d.Start(nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v", err)
	}

	d := New(Options{Dialer: h.dialer, Microphone: h.mic})
	if _, err := d.Start(nil); !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("Start without key = %v", err)
	}
}

func TestDoneClosesAfterCallback(t *testing.T) {
	h := newHarness(t, time.Minute)
	var (
		mu   sync.Mutex
		text string
	)
	done, err := h.d.Start(func(got string, err error) {
		mu.Lock()
		text = got
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitMic(t)
	h.ch.inbox <- &live.Message{InputText: str("bonjour"), TurnComplete: true}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if text != "bonjour" {
		t.Fatalf("callback should have run before done closed, text=%q", text)
	}
	if h.d.Listening() {
		t.Fatalf("run should be released before done closes")
	}
}
