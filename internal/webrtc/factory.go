package webrtc

import (
	"io"

	"stream_relay/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// TrackSource is implemented by captures that expose a local track.
type TrackSource interface {
	Track() pion.TrackLocal
}

// Factory builds peer sessions and answerers sharing one API instance.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	opts   SessionOptions
}

// NewFactory creates a factory using the relay API.
func NewFactory(iceServers []string, opts SessionOptions) (*Factory, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	return &Factory{
		api:    api,
		config: Configuration(iceServers),
		opts:   opts,
	}, nil
}

// NewPeer creates a PeerSession over the capture's track.
func (f *Factory) NewPeer(c domain.Capture) (domain.Peer, error) {
	src, ok := c.(TrackSource)
	if !ok {
		return nil, errors.Errorf("capture %s has no local track", c.ID())
	}
	p, err := NewPeerSession(f.api, f.config, c.StreamID(), src.Track(), f.opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewAnswerer creates an Answerer writing received video to out.
func (f *Factory) NewAnswerer(streamID string, out io.WriteCloser) (domain.AnswerPeer, error) {
	a, err := NewAnswerer(f.api, f.config, streamID, out)
	if err != nil {
		return nil, err
	}
	return a, nil
}
