package capture

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/logging"
)

const (
	// TargetRate is the rate the model channel expects for input audio.
	TargetRate = 16000
	// DefaultFrameSize is the number of samples per emitted chunk (256 ms at 16 kHz).
	DefaultFrameSize = 4096

	pendingChunks = 16
)

// Sink receives emitted chunks on the pipeline's sender goroutine. It reports
// false when the chunk was not delivered, for instance because the session is
// no longer active.
type Sink func(codec.Chunk) bool

// Options tunes a Pipeline.
type Options struct {
	FrameSize int
	// Record keeps a copy of every emitted frame so the whole utterance can be
	// saved once the session ends.
	Record bool
	// OnDropped is called for every chunk the sink refused or that overflowed
	// the send queue.
	OnDropped func()
}

// Pipeline resamples microphone input to TargetRate, slices it into frames of
// FrameSize samples and hands each frame to the sink as a PCM16 chunk.
//
// The device callback never blocks on the network: chunks are queued and a
// sender goroutine delivers them. The sink is read at send time, so a
// Disconnect makes every later chunk drop.
type Pipeline struct {
	dev  Device
	opts Options

	mu      sync.Mutex
	stream  Stream
	rs      *Resampler
	frame   []float32
	sink    Sink
	queue   chan codec.Chunk
	started bool
	stopped bool
	rec     bytes.Buffer
}

func NewPipeline(dev Device, opts Options) *Pipeline {
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}
	return &Pipeline{dev: dev, opts: opts}
}

// Open acquires the microphone. It may block while the platform asks the user
// for permission, so callers run it off their event loop.
func (p *Pipeline) Open() error {
	stream, err := p.dev.Open(p.onSamples)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		_ = stream.Close()
		return fmt.Errorf("capture: pipeline stopped during acquisition")
	}
	p.stream = stream
	p.rs = NewResampler(stream.SampleRate(), TargetRate)
	p.frame = make([]float32, 0, p.opts.FrameSize)
	return nil
}

// Start attaches sink and begins capturing. Calling it again is a no-op.
func (p *Pipeline) Start(sink Sink) error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	if p.stream == nil {
		p.mu.Unlock()
		return fmt.Errorf("capture: start before open")
	}
	p.sink = sink
	p.queue = make(chan codec.Chunk, pendingChunks)
	p.started = true
	stream, queue := p.stream, p.queue
	p.mu.Unlock()

	go p.send(queue)
	if err := stream.Start(); err != nil {
		return fmt.Errorf("capture: start microphone: %w", err)
	}
	frameMs := p.opts.FrameSize * 1000 / TargetRate
	logging.Debugw("capture: started", append(logging.ChunkFields(TargetRate, p.opts.FrameSize, frameMs),
		"native_rate", stream.SampleRate())...)
	return nil
}

func (p *Pipeline) onSamples(in []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	for _, s := range p.rs.Process(in) {
		p.frame = append(p.frame, s)
		if len(p.frame) < p.opts.FrameSize {
			continue
		}
		chunk := codec.Chunk{Data: codec.PackPCM16(p.frame), SampleRate: TargetRate, Channels: 1}
		p.frame = p.frame[:0]
		if p.opts.Record {
			p.rec.Write(chunk.Data)
		}
		select {
		case p.queue <- chunk:
		default:
			p.dropped()
		}
	}
}

func (p *Pipeline) send(queue <-chan codec.Chunk) {
	for chunk := range queue {
		p.mu.Lock()
		sink := p.sink
		p.mu.Unlock()
		if sink == nil || !sink(chunk) {
			p.dropped()
		}
	}
}

func (p *Pipeline) dropped() {
	if p.opts.OnDropped != nil {
		p.opts.OnDropped()
	}
}

// Disconnect detaches the sink. Frames still in flight are dropped.
func (p *Pipeline) Disconnect() {
	p.mu.Lock()
	p.sink = nil
	p.mu.Unlock()
}

// Stop halts and releases the microphone. Queued chunks drain into the
// dropped counter. It is idempotent and safe before Open completes.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.sink = nil
	stream, queue := p.stream, p.queue
	p.stream = nil
	if queue != nil {
		close(queue)
	}
	p.mu.Unlock()

	var err error
	if stream != nil {
		if serr := stream.Stop(); serr != nil {
			err = fmt.Errorf("capture: stop microphone: %w", serr)
		}
		if cerr := stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("capture: close microphone: %w", cerr)
		}
	}
	return err
}

// Recording returns the PCM16 captured so far when Options.Record is set.
func (p *Pipeline) Recording() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.rec.Bytes()...)
}
