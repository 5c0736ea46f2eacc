// Package session runs a spoken tutoring conversation: it opens the model
// channel, streams the microphone into it, plays the model's speech back and
// assembles both transcripts into a conversation log.
//
// All session state is owned by a single goroutine. Public methods and every
// device or network callback post events to it, so no state is shared with
// the audio and network goroutines except the channel handle, which the
// capture sink reads atomically at send time.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/history"
	"github.com/tutor-voice-lab/internal/live"
	"github.com/tutor-voice-lab/internal/logging"
	"github.com/tutor-voice-lab/internal/metrics"
	"github.com/tutor-voice-lab/internal/playback"
	"github.com/tutor-voice-lab/internal/recording"
	"github.com/tutor-voice-lab/internal/transcript"
)

// ErrSessionClosed is returned by calls made after Close.
var ErrSessionClosed = errors.New("session: closed")

const (
	defaultPlaybackRate = 24000
	defaultDialTimeout  = 20 * time.Second
	persistTimeout      = 5 * time.Second
	eventBuffer         = 64
)

// Options wires a Session to its collaborators.
type Options struct {
	APIKey         string
	Model          string
	Voice          string
	NativeLanguage string
	TargetLanguage string

	Dialer     live.Dialer
	Microphone capture.Device
	// NewOutput opens the playback device for one run.
	NewOutput func() (playback.Output, error)
	// Store, Recordings and Metrics are optional.
	Store      history.Store
	Recordings *recording.Store
	Metrics    *metrics.Metrics

	FrameSize int
	// PlaybackRate is assumed for inbound PCM without a rate parameter.
	PlaybackRate int
	DialTimeout  time.Duration

	// OnChange runs on the session goroutine after every visible change. It
	// must not block or call back into the Session.
	OnChange func(Snapshot)
}

// Snapshot is a consistent copy of the observable session state.
type Snapshot struct {
	SessionID   string
	State       State
	Live        transcript.Live
	Log         []transcript.Entry
	Translating bool
	Err         error
}

type liveHandle struct {
	gen uint64
	ch  live.Channel
}

// rig is the set of resources acquired for one run.
type rig struct {
	gen     uint64
	id      uuid.UUID
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	out     playback.Output
	sched   *playback.Scheduler
	ch      live.Channel
	pipe    *capture.Pipeline
}

// Session is one tutoring conversation slot. Start and Stop may be called
// repeatedly; each Start begins a fresh run with an empty log.
type Session struct {
	opts Options
	m    *metrics.Metrics

	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	channel atomic.Pointer[liveHandle]
	rigMu   sync.Mutex
	rig     *rig

	// owned by the session goroutine
	state       State
	gen         uint64
	acc         transcript.Accumulator
	log         []transcript.Entry
	translating bool
	lastErr     error
	sessionID   string

	snapMu sync.RWMutex
	snap   Snapshot
}

// New starts the session goroutine. Close must be called to release it.
func New(opts Options) *Session {
	if opts.PlaybackRate <= 0 {
		opts.PlaybackRate = defaultPlaybackRate
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	s := &Session{
		opts:   opts,
		m:      m,
		events: make(chan event, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.snap = Snapshot{State: Idle}
	go s.run()
	return s
}

// Start begins a run. It returns once the run is under way; connecting and
// acquiring the microphone continue in the background. Without an API key
// it moves to CredentialMissing and returns ErrCredentialMissing.
func (s *Session) Start() error {
	reply := make(chan error, 1)
	if !s.post(startEvent{reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Stop tears the current run down and waits until it has been released.
func (s *Session) Stop() {
	reply := make(chan struct{}, 1)
	if !s.post(stopEvent{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

// SetTranslating marks the current turn as a translation request. The flag
// clears itself when the turn completes.
func (s *Session) SetTranslating(on bool) {
	s.post(translateEvent{on: on})
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := s.snap
	out.Log = append([]transcript.Entry(nil), s.snap.Log...)
	return out
}

// Close stops any run and terminates the session goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
	})
	return nil
}

func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.teardown(Idle, "close")
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case startEvent:
		ev.reply <- s.handleStart()
	case stopEvent:
		s.handleStop()
		ev.reply <- struct{}{}
	case translateEvent:
		s.translating = ev.on
		s.publish()
	case channelOpenEvent:
		s.handleChannelOpen(ev)
	case micEvent:
		s.handleMic(ev)
	case messageEvent:
		s.handleMessage(ev)
	case channelErrorEvent:
		s.handleChannelError(ev)
	case drainedEvent:
		s.handleDrained(ev)
	default:
		logging.Warnw("session: unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) currentRig(gen uint64) *rig {
	s.rigMu.Lock()
	defer s.rigMu.Unlock()
	if s.rig == nil || s.rig.gen != gen {
		return nil
	}
	return s.rig
}

func (s *Session) handleStart() error {
	if s.state.Active() {
		return nil
	}
	if strings.TrimSpace(s.opts.APIKey) == "" {
		s.lastErr = ErrCredentialMissing
		s.setState(CredentialMissing)
		return ErrCredentialMissing
	}

	s.gen++
	gen := s.gen
	id := uuid.New()
	s.sessionID = id.String()
	s.acc.Reset()
	s.log = nil
	s.lastErr = nil

	out, err := s.opts.NewOutput()
	if err != nil {
		s.lastErr = fmt.Errorf("session: open playback: %w", err)
		logging.Errorw("session: playback unavailable", "error", err)
		s.setState(Error)
		return s.lastErr
	}
	ctx, cancel := context.WithCancel(logging.WithFields(context.Background(), logging.SessionFields(s.sessionID, "")...))
	r := &rig{gen: gen, id: id, started: time.Now(), ctx: ctx, cancel: cancel, out: out}
	r.sched = playback.NewScheduler(out, func() { s.post(drainedEvent{gen: gen}) })

	s.rigMu.Lock()
	s.rig = r
	s.rigMu.Unlock()

	s.m.SessionsStarted.Inc()
	logging.InfowCtx(ctx, "session: starting", logging.LanguageFields(s.opts.NativeLanguage, s.opts.TargetLanguage)...)
	s.setState(Connecting)
	go s.dial(r)
	return nil
}

func (s *Session) dial(r *rig) {
	ctx, cancel := context.WithTimeout(r.ctx, s.opts.DialTimeout)
	defer cancel()
	ch, err := s.opts.Dialer.Dial(ctx, live.Setup{
		APIKey:            s.opts.APIKey,
		Model:             s.opts.Model,
		Voice:             s.opts.Voice,
		SystemInstruction: SystemInstruction(s.opts.TargetLanguage, s.opts.NativeLanguage),
		OnMalformed:       s.m.PayloadErrors.Inc,
	})
	if err != nil {
		logging.WarnwCtx(r.ctx, "session: connect failed", "model", s.opts.Model, "error", err)
	}
	if !s.post(channelOpenEvent{gen: r.gen, ch: ch, err: err}) && ch != nil {
		_ = ch.Close()
	}
}

func (s *Session) handleChannelOpen(ev channelOpenEvent) {
	r := s.currentRig(ev.gen)
	if r == nil {
		if ev.ch != nil {
			logging.Debugw("session: closing channel from a finished run", "gen", ev.gen)
			_ = ev.ch.Close()
		}
		return
	}
	err := ev.err
	if err == nil && ev.ch == nil {
		err = fmt.Errorf("%w: dialer returned no channel", live.ErrChannel)
	}
	if err != nil {
		s.fail(fmt.Errorf("session: connect: %w", err), "connect_failed")
		return
	}
	r.ch = ev.ch
	s.channel.Store(&liveHandle{gen: ev.gen, ch: ev.ch})
	logging.InfowCtx(r.ctx, "session: channel open", "model", s.opts.Model)
	go s.receive(r.ctx, ev.gen, ev.ch)

	pipe := capture.NewPipeline(s.opts.Microphone, capture.Options{
		FrameSize: s.opts.FrameSize,
		Record:    s.opts.Recordings != nil,
		OnDropped: s.m.ChunksDropped.Inc,
	})
	r.pipe = pipe
	gen := ev.gen
	go func() {
		err := pipe.Open()
		if !s.post(micEvent{gen: gen, pipe: pipe, err: err}) {
			_ = pipe.Stop()
		}
	}()
}

func (s *Session) handleMic(ev micEvent) {
	r := s.currentRig(ev.gen)
	if r == nil || r.pipe != ev.pipe {
		_ = ev.pipe.Stop()
		return
	}
	if ev.err != nil {
		s.fail(fmt.Errorf("session: acquire microphone: %w", ev.err), "microphone_failed")
		return
	}
	if err := ev.pipe.Start(s.sink(r)); err != nil {
		s.fail(fmt.Errorf("session: start microphone: %w", err), "microphone_failed")
		return
	}
	// The model may already be talking if audio arrived while connecting.
	if r.sched.Active() > 0 {
		s.setState(Speaking)
		return
	}
	s.setState(Listening)
}

// sink delivers chunks to the channel of run r. It runs on the capture
// sender goroutine and drops the chunk once that run's handle is cleared.
func (s *Session) sink(r *rig) capture.Sink {
	return func(c codec.Chunk) bool {
		h := s.channel.Load()
		if h == nil || h.gen != r.gen {
			return false
		}
		if err := h.ch.SendAudio(r.ctx, c); err != nil {
			fields := logging.ChunkFields(c.SampleRate, len(c.Data)/2, int(c.Duration().Milliseconds()))
			logging.DebugwCtx(r.ctx, "session: send audio failed", append(fields, "error", err)...)
			return false
		}
		s.m.ChunksSent.Inc()
		s.m.BytesSent.Add(float64(len(c.Data)))
		return true
	}
}

func (s *Session) receive(ctx context.Context, gen uint64, ch live.Channel) {
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			logging.DebugwCtx(ctx, "session: receive ended", "error", err)
			s.post(channelErrorEvent{gen: gen, err: err})
			return
		}
		if !s.post(messageEvent{gen: gen, msg: msg}) {
			return
		}
	}
}

func (s *Session) handleMessage(ev messageEvent) {
	r := s.currentRig(ev.gen)
	if r == nil || ev.msg == nil {
		return
	}
	msg := ev.msg
	if msg.InputText != nil {
		s.acc.AppendUser(*msg.InputText)
	}
	if msg.OutputText != nil {
		s.acc.AppendModel(*msg.OutputText)
	}
	for _, part := range msg.Audio {
		s.playAudio(r, part)
	}
	if msg.Interrupted {
		n := r.sched.Reset()
		s.m.PlaybackResets.Inc()
		logging.Debugw("session: playback interrupted", "stopped", n)
		if s.state == Speaking {
			s.setState(Listening)
		}
	}
	if msg.TurnComplete {
		entries := s.acc.Complete(s.translating)
		s.log = append(s.log, entries...)
		s.translating = false
		s.m.TurnsCompleted.Inc()
	}
	s.publish()
}

func (s *Session) playAudio(r *rig, part live.InlineAudio) {
	buf, err := codec.DecodePayload(part.Data, part.MIMEType, s.opts.PlaybackRate, 1)
	if err != nil {
		s.m.PayloadErrors.Inc()
		logging.Warnw("session: dropping audio payload", "mime", part.MIMEType, "bytes", len(part.Data), "error", err)
		return
	}
	if _, err := r.sched.Enqueue(buf); err != nil {
		s.m.PayloadErrors.Inc()
		logging.Warnw("session: playback rejected buffer", "error", err)
		return
	}
	s.m.BuffersScheduled.Inc()
	s.m.PlaybackSeconds.Add(buf.Duration().Seconds())
	if s.state == Listening {
		s.setState(Speaking)
	}
}

func (s *Session) handleDrained(ev drainedEvent) {
	r := s.currentRig(ev.gen)
	if r == nil || s.state != Speaking || r.sched.Active() > 0 {
		return
	}
	s.setState(Listening)
}

func (s *Session) handleChannelError(ev channelErrorEvent) {
	if s.currentRig(ev.gen) == nil {
		return
	}
	if errors.Is(ev.err, live.ErrClosed) {
		logging.Infow("session: channel closed by remote", logging.SessionFields(s.sessionID, s.state.String())...)
		s.teardown(Idle, "remote_close")
		return
	}
	s.fail(fmt.Errorf("session: channel: %w", ev.err), "channel_error")
}

func (s *Session) handleStop() {
	s.rigMu.Lock()
	running := s.rig != nil
	s.rigMu.Unlock()
	if running {
		s.teardown(Idle, "user_stop")
		return
	}
	s.lastErr = nil
	s.setState(Idle)
}

func (s *Session) fail(err error, reason string) {
	s.lastErr = err
	logging.Errorw("session: run failed", append(logging.SessionFields(s.sessionID, s.state.String()), "reason", reason, "error", err)...)
	s.teardown(Error, reason)
}

func (s *Session) setState(st State) {
	if s.state == st {
		s.publish()
		return
	}
	prev := s.state
	s.state = st
	s.m.StateTransitions.WithLabelValues(st.String()).Inc()
	logging.Infow("session: state changed", append(logging.SessionFields(s.sessionID, st.String()), "from", prev.String())...)
	s.publish()
}

func (s *Session) publish() {
	snap := Snapshot{
		SessionID:   s.sessionID,
		State:       s.state,
		Live:        s.acc.Snapshot(),
		Log:         append([]transcript.Entry(nil), s.log...),
		Translating: s.translating,
		Err:         s.lastErr,
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
	if s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}
