package main

import (
	"context"
	"testing"
	"time"

	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/dictation"
	"github.com/tutor-voice-lab/internal/live"
)

type scriptedChannel struct {
	inbox chan *live.Message
	done  chan struct{}
}

func (c *scriptedChannel) SendAudio(context.Context, codec.Chunk) error { return nil }

func (c *scriptedChannel) Receive(ctx context.Context) (*live.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		return nil, live.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedChannel) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

type scriptedDialer struct{ ch *scriptedChannel }

func (d scriptedDialer) Dial(context.Context, live.Setup) (live.Channel, error) { return d.ch, nil }

type silentMic struct{}

func (silentMic) Open(func([]float32)) (capture.Stream, error) { return silentStream{}, nil }

type silentStream struct{}

func (silentStream) SampleRate() int { return capture.TargetRate }
func (silentStream) Start() error    { return nil }
func (silentStream) Stop() error     { return nil }
func (silentStream) Close() error    { return nil }

func newScriptedDictator(msgs ...*live.Message) *dictation.Dictator {
	ch := &scriptedChannel{inbox: make(chan *live.Message, len(msgs)), done: make(chan struct{})}
	for _, m := range msgs {
		ch.inbox <- m
	}
	return dictation.New(dictation.Options{
		APIKey:     "key",
		Dialer:     scriptedDialer{ch: ch},
		Microphone: silentMic{},
		Silence:    time.Minute,
	})
}

func TestDictateReturnsTranscript(t *testing.T) {
	text := "où est la gare"
	d := newScriptedDictator(&live.Message{InputText: &text, TurnComplete: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := dictate(ctx, d)
	if err != nil || got != text {
		t.Fatalf("dictate = %q, %v", got, err)
	}
}

func TestDictateCancelledEndsEmpty(t *testing.T) {
	d := newScriptedDictator()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	finished := make(chan struct{})
	var (
		got string
		err error
	)
	go func() {
		got, err = dictate(ctx, d)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("dictate did not return after cancel")
	}
	if err != nil || got != "" {
		t.Fatalf("dictate = %q, %v", got, err)
	}
	if d.Listening() {
		t.Fatalf("run should be released")
	}
}
