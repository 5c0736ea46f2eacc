//go:build !opus
// +build !opus

package codec

import "fmt"

// DecodeOpus is unavailable in builds without libopus; the real
// implementation is in opus.go which is built with the `opus` build tag.
func DecodeOpus(data []byte, sampleRate, channels int) (*SampleBuffer, error) {
	return nil, fmt.Errorf("%w: %w: audio/opus (build with -tags opus)", ErrMalformedPayload, ErrUnsupportedEncoding)
}
