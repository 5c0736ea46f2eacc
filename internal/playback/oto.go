package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/tutor-voice-lab/internal/codec"
	"github.com/tutor-voice-lab/internal/logging"
)

// oto allows a single context per process, so every OtoOutput shares it and
// owns only a player.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
	otoRate int
	otoCh   int
)

func sharedContext(sampleRate, channels int, bufferSize time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			otoErr = fmt.Errorf("playback: open output device: %w", err)
			return
		}
		<-ready
		otoCtx, otoRate, otoCh = ctx, sampleRate, channels
		logging.Infow("playback: output device ready", "sample_rate", sampleRate, "channels", channels, "buffer", bufferSize)
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate || otoCh != channels {
		return nil, fmt.Errorf("playback: output device already opened at %d Hz x%d", otoRate, otoCh)
	}
	return otoCtx, nil
}

// OtoOutput plays scheduled buffers on the system's default audio device.
type OtoOutput struct {
	mix    *mixer
	player *oto.Player
	once   sync.Once
}

// NewOtoOutput opens (or reuses) the device and starts a player pulling from a
// fresh mixer. bufferSize trades latency for robustness against underruns.
func NewOtoOutput(sampleRate, channels int, bufferSize time.Duration) (*OtoOutput, error) {
	ctx, err := sharedContext(sampleRate, channels, bufferSize)
	if err != nil {
		return nil, err
	}
	mix := newMixer(sampleRate, channels)
	player := ctx.NewPlayer(mix)
	player.Play()
	return &OtoOutput{mix: mix, player: player}, nil
}

func (o *OtoOutput) Now() time.Duration { return o.mix.now() }

func (o *OtoOutput) Schedule(buf *codec.SampleBuffer, at time.Duration, onEnded func()) (Handle, error) {
	if buf.SampleRate != o.mix.rate {
		return nil, fmt.Errorf("playback: buffer rate %d does not match output rate %d", buf.SampleRate, o.mix.rate)
	}
	v, err := o.mix.schedule(buf, at, onEnded)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (o *OtoOutput) Closed() bool { return o.mix.isClosed() }

// Close stops the player. Pending buffers are discarded without completion.
func (o *OtoOutput) Close() error {
	var err error
	o.once.Do(func() {
		o.mix.close()
		err = o.player.Close()
	})
	return err
}
