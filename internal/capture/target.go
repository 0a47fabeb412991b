// Package capture binds offscreen render targets to the host's frame sink and
// feeds the delivered samples into local WebRTC tracks.
package capture

import (
	"sync"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"
	"stream_relay/internal/webrtc"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrTargetClosed = errors.New("render target closed")

// Target is one render target. It owns a sink binding and the local track
// the bound samples are written to.
type Target struct {
	id       string
	streamID string
	sink     domain.FrameSink
	track    *pion.TrackLocalStaticSample
	logger   zerolog.Logger

	mu            sync.Mutex
	bound         bool
	closed        bool
	width, height int
}

// Capturer creates render targets on a frame sink.
type Capturer struct {
	sink  domain.FrameSink
	codec webrtc.Codec
}

// NewCapturer creates a Capturer whose tracks carry codec.
func NewCapturer(sink domain.FrameSink, codec webrtc.Codec) *Capturer {
	return &Capturer{sink: sink, codec: codec}
}

// Bind creates a render target for streamID and binds it to the sink.
func (c *Capturer) Bind(streamID string) (domain.Capture, error) {
	t, err := newTarget(c.sink, c.codec, streamID)
	if err != nil {
		return nil, err
	}
	if err := t.bind(); err != nil {
		return nil, err
	}
	return t, nil
}

func newTarget(sink domain.FrameSink, codec webrtc.Codec, streamID string) (*Target, error) {
	id := uuid.NewString()
	track, err := pion.NewTrackLocalStaticSample(codec.Capability(), "video-"+id, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "create local track")
	}
	return &Target{
		id:       id,
		streamID: streamID,
		sink:     sink,
		track:    track,
		logger:   logging.Module("capture").With().Str("stream_id", streamID).Str("target_id", id).Logger(),
	}, nil
}

func (t *Target) ID() string       { return t.id }
func (t *Target) StreamID() string { return t.streamID }

// Track returns the local track fed by the sink.
func (t *Target) Track() pion.TrackLocal { return t.track }

// Size returns the last frame size reported by the sink.
func (t *Target) Size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width, t.height
}

// Rebind releases the current binding and binds again.
func (t *Target) Rebind() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTargetClosed
	}
	wasBound := t.bound
	t.bound = false
	t.mu.Unlock()

	if wasBound {
		t.sink.Unbind(t.id, t.streamID)
	}
	t.logger.Info().Msg("rebinding render target")
	return t.bind()
}

// Close releases the binding. Calls after the first are no-ops.
func (t *Target) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	wasBound := t.bound
	t.bound = false
	t.mu.Unlock()

	if wasBound {
		t.sink.Unbind(t.id, t.streamID)
	}
	t.logger.Debug().Msg("render target released")
}

func (t *Target) bind() error {
	if err := t.sink.Bind(t.id, t.streamID, t.onSample, t.onResize); err != nil {
		return errors.Wrapf(err, "bind sink for stream %s", t.streamID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// Closed while binding.
		go t.sink.Unbind(t.id, t.streamID)
		return ErrTargetClosed
	}
	t.bound = true
	return nil
}

func (t *Target) onSample(s domain.Sample) {
	t.mu.Lock()
	live := t.bound && !t.closed
	t.mu.Unlock()
	if !live {
		return
	}

	if err := t.track.WriteSample(media.Sample{Data: s.Data, Duration: s.Duration}); err != nil {
		t.logger.Warn().Err(err).Msg("write sample")
	}
}

func (t *Target) onResize(width, height int) {
	t.mu.Lock()
	t.width, t.height = width, height
	t.mu.Unlock()
	t.logger.Debug().Int("width", width).Int("height", height).Msg("frame size changed")
}
