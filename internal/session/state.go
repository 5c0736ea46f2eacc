package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a tutoring session.
type State int

const (
	Idle State = iota
	Connecting
	Listening
	Speaking
	Error
	CredentialMissing
)

var stateNames = [...]string{
	Idle:              "Idle",
	Connecting:        "Connecting",
	Listening:         "Listening",
	Speaking:          "Speaking",
	Error:             "Error",
	CredentialMissing: "CredentialMissing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether the state holds live resources.
func (s State) Active() bool {
	return s == Connecting || s == Listening || s == Speaking
}

// ErrCredentialMissing is reported when Start is called without an API key.
var ErrCredentialMissing = errors.New("session: API key is not configured")
