// Package capture turns microphone input into fixed-size 16 kHz PCM chunks for
// the model channel.
package capture

import "errors"

// ErrPermissionDenied is returned when the microphone cannot be acquired,
// whether the user refused access or no usable device exists.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Device opens microphone streams. onSamples receives mono float32 samples at
// the stream's native rate, on the device's own goroutine.
type Device interface {
	Open(onSamples func([]float32)) (Stream, error)
}

// Stream is an acquired microphone.
type Stream interface {
	SampleRate() int
	Start() error
	Stop() error
	Close() error
}
