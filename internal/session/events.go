package session

import (
	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/live"
)

// Events are posted to the session goroutine by the public API and by the
// device and network goroutines. Run-scoped events carry the generation of
// the run that produced them so late arrivals can be recognised.
type event interface{}

type startEvent struct {
	reply chan<- error
}

type stopEvent struct {
	reply chan<- struct{}
}

type translateEvent struct {
	on bool
}

type channelOpenEvent struct {
	gen uint64
	ch  live.Channel
	err error
}

type micEvent struct {
	gen  uint64
	pipe *capture.Pipeline
	err  error
}

type messageEvent struct {
	gen uint64
	msg *live.Message
}

type channelErrorEvent struct {
	gen uint64
	err error
}

type drainedEvent struct {
	gen uint64
}
