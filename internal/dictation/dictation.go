// Package dictation turns a stretch of speech into text. It streams the
// microphone to the model with only input transcription enabled and ends the
// run after a period without server messages or when the turn completes.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/live"
	"github.com/tutor-voice-lab/internal/logging"
	"github.com/tutor-voice-lab/internal/metrics"
)

// DefaultSilence ends a run when no server message arrives for this long.
const DefaultSilence = 1500 * time.Millisecond

var (
	ErrBusy              = errors.New("dictation: already listening")
	ErrCredentialMissing = errors.New("dictation: API key is not configured")
	ErrStart             = errors.New("dictation: failed to start speech recognition session")
	ErrMicrophone        = errors.New("dictation: microphone access denied or error")
	ErrRecognition       = errors.New("dictation: speech recognition failed")
)

// Callback receives the trimmed transcript of a run, or the error that ended
// it. It is not called for a run that ends cleanly with nothing transcribed.
type Callback func(text string, err error)

type Options struct {
	APIKey     string
	Model      string
	Dialer     live.Dialer
	Microphone capture.Device
	FrameSize  int
	Silence    time.Duration
	Metrics    *metrics.Metrics
}

// Dictator runs at most one dictation at a time.
type Dictator struct {
	opts Options
	m    *metrics.Metrics

	mu  sync.Mutex
	cur *run
}

func New(opts Options) *Dictator {
	if opts.Silence <= 0 {
		opts.Silence = DefaultSilence
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Dictator{opts: opts, m: m}
}

// Listening reports whether a run is in progress.
func (d *Dictator) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur != nil
}

// Start begins a run in the background; onDone fires at most once when it
// ends. The returned channel is closed after the run is released and onDone
// has returned, including runs that end empty. Start itself fails only when
// a run is already active or no API key is configured.
func (d *Dictator) Start(onDone Callback) (<-chan struct{}, error) {
	if strings.TrimSpace(d.opts.APIKey) == "" {
		return nil, ErrCredentialMissing
	}
	d.mu.Lock()
	if d.cur != nil {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{d: d, onDone: onDone, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	d.cur = r
	d.mu.Unlock()

	d.m.DictationRuns.WithLabelValues("started").Inc()
	go r.start()
	return r.done, nil
}

// Stop ends the active run, delivering whatever was transcribed so far.
func (d *Dictator) Stop() {
	d.mu.Lock()
	r := d.cur
	d.mu.Unlock()
	if r != nil {
		r.stop(nil)
	}
}

func (d *Dictator) finish(r *run) {
	d.mu.Lock()
	if d.cur == r {
		d.cur = nil
	}
	d.mu.Unlock()
}

type run struct {
	d      *Dictator
	onDone Callback
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	ch      live.Channel
	pipe    *capture.Pipeline
	timer   *time.Timer
	text    strings.Builder
	stopped bool
}

func (r *run) start() {
	opts := r.d.opts
	ch, err := opts.Dialer.Dial(r.ctx, live.Setup{APIKey: opts.APIKey, Model: opts.Model, InputOnly: true})
	if err != nil {
		r.stop(fmt.Errorf("%w: %w", ErrStart, err))
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = ch.Close()
		return
	}
	r.ch = ch
	r.mu.Unlock()
	go r.receive(ch)

	pipe := capture.NewPipeline(opts.Microphone, capture.Options{
		FrameSize: opts.FrameSize,
		OnDropped: r.d.m.ChunksDropped.Inc,
	})
	if err := pipe.Open(); err != nil {
		logging.Warnw("dictation: microphone unavailable", "error", err)
		r.stop(fmt.Errorf("%w: %w", ErrMicrophone, err))
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = pipe.Stop()
		return
	}
	r.pipe = pipe
	r.mu.Unlock()

	if err := pipe.Start(r.send); err != nil {
		r.stop(fmt.Errorf("%w: %w", ErrMicrophone, err))
		return
	}
	logging.Infow("dictation: listening", "model", opts.Model, "silence", opts.Silence)
}

// send forwards a chunk while the run still holds a channel.
func (r *run) send(c codec.Chunk) bool {
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	if ch == nil {
		return false
	}
	if err := ch.SendAudio(r.ctx, c); err != nil {
		return false
	}
	r.d.m.ChunksSent.Inc()
	r.d.m.BytesSent.Add(float64(len(c.Data)))
	return true
}

func (r *run) receive(ch live.Channel) {
	for {
		msg, err := ch.Receive(r.ctx)
		if err != nil {
			if errors.Is(err, live.ErrClosed) || errors.Is(err, context.Canceled) {
				r.stop(nil)
			} else {
				r.stop(fmt.Errorf("%w: %w", ErrRecognition, err))
			}
			return
		}
		if r.onMessage(msg) {
			r.stop(nil)
			return
		}
	}
}

// onMessage restarts the silence timer and collects input transcription. It
// reports whether the turn is complete.
func (r *run) onMessage(msg *live.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.d.opts.Silence, func() { r.stop(nil) })
	if msg.InputText != nil {
		r.text.WriteString(*msg.InputText)
	}
	return msg.TurnComplete
}

// stop releases the run exactly once and reports the outcome.
func (r *run) stop(err error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	ch, pipe := r.ch, r.pipe
	r.ch, r.pipe = nil, nil
	text := strings.TrimSpace(r.text.String())
	r.mu.Unlock()

	if pipe != nil {
		pipe.Disconnect()
		if serr := pipe.Stop(); serr != nil {
			logging.Warnw("dictation: release microphone", "error", serr)
		}
	}
	if ch != nil {
		_ = ch.Close()
	}
	r.cancel()
	r.d.finish(r)

	switch {
	case err != nil:
		r.d.m.DictationRuns.WithLabelValues("error").Inc()
		logging.Warnw("dictation: run failed", "error", err)
	case text == "":
		r.d.m.DictationRuns.WithLabelValues("empty").Inc()
	default:
		r.d.m.DictationRuns.WithLabelValues("transcript").Inc()
		logging.Debugw("dictation: transcript ready", "chars", len(text))
	}
	if (text != "" || err != nil) && r.onDone != nil {
		r.onDone(text, err)
	}
	close(r.done)
}
