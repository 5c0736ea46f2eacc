// Package codec converts between captured float samples, the 16-bit PCM wire
// format used by the model channel, and playback-ready sample buffers.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned for wire audio that cannot be decoded. The
// session drops such chunks and keeps running.
var ErrMalformedPayload = errors.New("malformed audio payload")

// ErrUnsupportedEncoding marks inbound audio in an encoding this build
// cannot decode. It is always reported together with ErrMalformedPayload.
var ErrUnsupportedEncoding = errors.New("unsupported audio encoding")

// Chunk is one unit of audio handed between the capture pipeline, the model
// channel and the playback scheduler. Data holds interleaved PCM16LE and must
// not be modified once the chunk has been emitted.
type Chunk struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// MIMEType renders the rate annotation the model channel expects.
func (c Chunk) MIMEType() string {
	return "audio/pcm;rate=" + strconv.Itoa(c.SampleRate)
}

// Base64 returns the chunk payload wrapped for JSON transport.
func (c Chunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// Duration of the chunk at its tagged rate.
func (c Chunk) Duration() time.Duration {
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	if c.SampleRate <= 0 {
		return 0
	}
	frames := len(c.Data) / (2 * ch)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns def when no rate is present.
func RateFromMIME(mime string, def int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "rate" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// floatToInt16 clamps s to [-1, 1] and scales it asymmetrically so both
// extremes map onto the full int16 range.
func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// PackPCM16 converts normalized samples into 16-bit little-endian bytes.
func PackPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// UnpackPCM16 is the inverse of packing: it reads little-endian int16 values.
// Odd-length input is rejected rather than silently truncated.
func UnpackPCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPayload, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// Encode packs samples as PCM16LE and wraps them in base64 for transport.
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(PackPCM16(samples))
}

// Decode is the exact inverse of Encode's packing step.
func Decode(wire string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return UnpackPCM16(raw)
}

// SampleBuffer is a decoded, deinterleaved buffer ready for playback.
type SampleBuffer struct {
	SampleRate int
	// Planes holds one slice per channel, all of equal length.
	Planes [][]float32
}

// Frames is the number of sample frames per channel.
func (b *SampleBuffer) Frames() int {
	if b == nil || len(b.Planes) == 0 {
		return 0
	}
	return len(b.Planes[0])
}

// NumChannels reports how many planes the buffer carries.
func (b *SampleBuffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Planes)
}

func (b *SampleBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// DecodeAudioData deinterleaves PCM16LE bytes into a buffer of the given rate
// and channel count, normalizing integers back to [-1, 1).
func DecodeAudioData(data []byte, sampleRate, channels int) (*SampleBuffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: rate=%d channels=%d", ErrMalformedPayload, sampleRate, channels)
	}
	samples, err := UnpackPCM16(data)
	if err != nil {
		return nil, err
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrMalformedPayload, len(samples), channels)
	}
	frames := len(samples) / channels
	buf := &SampleBuffer{SampleRate: sampleRate, Planes: make([][]float32, channels)}
	for ch := 0; ch < channels; ch++ {
		plane := make([]float32, frames)
		for i := 0; i < frames; i++ {
			plane[i] = float32(samples[i*channels+ch]) / 32768.0
		}
		buf.Planes[ch] = plane
	}
	return buf, nil
}

// DecodePayload dispatches on the payload's MIME type. Raw PCM carries its
// rate in the MIME parameters; defRate is used when it is missing.
func DecodePayload(data []byte, mime string, defRate, channels int) (*SampleBuffer, error) {
	base := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	rate := RateFromMIME(mime, defRate)
	switch base {
	case "", "audio/pcm", "audio/l16":
		return DecodeAudioData(data, rate, channels)
	case "audio/opus":
		return DecodeOpus(data, rate, channels)
	default:
		return nil, fmt.Errorf("%w: %w: %s", ErrMalformedPayload, ErrUnsupportedEncoding, base)
	}
}
