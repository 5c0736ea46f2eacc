package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/tutor-voice-lab/internal/logging"
)

// MalgoDevice captures from the system default input via miniaudio.
type MalgoDevice struct {
	ctx *malgo.AllocatedContext
	// Rate requested from the hardware; 0 keeps the device's native rate.
	rate int
}

// NewMalgoDevice initialises the audio backend. Close releases it.
func NewMalgoDevice(rate int) (*MalgoDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logging.Debugw("capture: backend", "message", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", ErrPermissionDenied, err)
	}
	return &MalgoDevice{ctx: ctx, rate: rate}, nil
}

func (d *MalgoDevice) Open(onSamples func([]float32)) (Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(d.rate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			n := int(frames)
			if n*4 > len(in) {
				n = len(in) / 4
			}
			samples := make([]float32, n)
			for i := range samples {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
			}
			onSamples(samples)
		},
	}
	dev, err := malgo.InitDevice(d.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	logging.Infow("capture: microphone acquired", "sample_rate", dev.SampleRate())
	return &malgoStream{dev: dev}, nil
}

// Close releases the audio backend. Streams must be closed first.
func (d *MalgoDevice) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

type malgoStream struct {
	dev  *malgo.Device
	once sync.Once
}

func (s *malgoStream) SampleRate() int { return int(s.dev.SampleRate()) }

func (s *malgoStream) Start() error { return s.dev.Start() }

func (s *malgoStream) Stop() error {
	if !s.dev.IsStarted() {
		return nil
	}
	return s.dev.Stop()
}

func (s *malgoStream) Close() error {
	s.once.Do(s.dev.Uninit)
	return nil
}
