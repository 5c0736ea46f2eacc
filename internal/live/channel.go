// Package live connects to the remote conversational model. A Channel is an
// opaque bidirectional stream: PCM chunks go up, transcriptions and
// synthesized speech come down.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/logging"
)

var (
	// ErrChannel wraps every transport failure reported by a channel.
	ErrChannel = errors.New("model channel error")
	// ErrClosed is returned by Receive once the channel has been closed by
	// either side without a failure.
	ErrClosed = errors.New("model channel closed")
	// ErrMalformed marks one inbound frame that could not be decoded. Receive
	// drops such frames and keeps reading.
	ErrMalformed = errors.New("malformed server message")
)

// Setup describes the conversation requested when dialing.
type Setup struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	// InputOnly requests transcription of the user's speech only. Dictation
	// uses it; the model's own replies are ignored.
	InputOnly bool
	// OnMalformed, if set, is called for every inbound frame Receive drops
	// because it could not be decoded.
	OnMalformed func()
}

// InlineAudio is one synthesized audio part of a model turn.
type InlineAudio struct {
	MIMEType string
	Data     []byte
}

// Message is one inbound server event. Any subset of fields may be set; a nil
// transcription pointer means the field was absent, which differs from an
// empty fragment.
type Message struct {
	InputText    *string
	OutputText   *string
	Audio        []InlineAudio
	TurnComplete bool
	Interrupted  bool
}

// Empty reports whether the message carries nothing the session acts on.
func (m *Message) Empty() bool {
	return m == nil || (m.InputText == nil && m.OutputText == nil && len(m.Audio) == 0 && !m.TurnComplete && !m.Interrupted)
}

// Channel is an open model session. SendAudio may be called concurrently with
// Receive; Close unblocks a pending Receive.
type Channel interface {
	SendAudio(ctx context.Context, chunk codec.Chunk) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, setup Setup) (Channel, error)
}

// classify maps transport errors onto ErrClosed or ErrChannel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrChannel) || errors.Is(err, ErrMalformed) {
		return err
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("%w: %v", ErrChannel, err)
}

// dropMalformed reports whether err is a per-frame decode failure that
// Receive should skip. It logs the frame and fires the hook.
func dropMalformed(err error, onMalformed func()) bool {
	if !errors.Is(err, ErrMalformed) {
		return false
	}
	logging.Warnw("live: dropped malformed server message", "error", err)
	if onMalformed != nil {
		onMalformed()
	}
	return true
}

func strPtr(s string) *string { return &s }
