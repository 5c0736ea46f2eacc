//go:build opus
// +build opus

package codec

import (
	"fmt"

	"github.com/hraban/opus"
)

// opusFrameSamples is large enough for a 120ms frame at 48kHz stereo.
const opusFrameSamples = 5760 * 2

// DecodeOpus decodes a sequence of length-prefixed opus packets into a
// playback buffer. Each packet is preceded by a little-endian uint16 length.
func DecodeOpus(data []byte, sampleRate, channels int) (*SampleBuffer, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decoder: %v", ErrMalformedPayload, err)
	}
	pcm := make([]int16, opusFrameSamples)
	var out []int16
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated opus packet header", ErrMalformedPayload)
		}
		n := int(data[off]) | int(data[off+1])<<8
		off += 2
		if n == 0 || off+n > len(data) {
			return nil, fmt.Errorf("%w: bad opus packet length %d", ErrMalformedPayload, n)
		}
		frames, err := dec.Decode(data[off:off+n], pcm)
		if err != nil {
			return nil, fmt.Errorf("%w: opus decode: %v", ErrMalformedPayload, err)
		}
		out = append(out, pcm[:frames*channels]...)
		off += n
	}
	raw := make([]byte, len(out)*2)
	for i, s := range out {
		raw[i*2] = byte(s)
		raw[i*2+1] = byte(uint16(s) >> 8)
	}
	return DecodeAudioData(raw, sampleRate, channels)
}
