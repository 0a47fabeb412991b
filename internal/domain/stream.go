package domain

import (
	"time"

	"github.com/pkg/errors"
)

// ErrNoActiveCall is returned by a Roster when the host is not in a call.
var ErrNoActiveCall = errors.New("no active call")

// Participant is one roster entry as reported by the host.
type Participant struct {
	StreamID string
	UserID   string
	Nickname string
	// Disabled is set when the participant's video is paused or off.
	Disabled bool
}

// RawFrame is a single decoded video frame in RGBA layout.
type RawFrame struct {
	Width  int
	Height int
	Data   []byte
}

// Empty reports whether the frame carries no pixels.
func (f RawFrame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0
}

// Sample is an encoded chunk of video delivered by the host's frame sink.
type Sample struct {
	Data     []byte
	Duration time.Duration
}
