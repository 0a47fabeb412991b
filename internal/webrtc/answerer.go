package webrtc

import (
	"context"
	"io"
	"strings"
	"sync"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Answerer is the receiving side of one stream. Received H264 is written to
// out as an Annex-B byte stream.
type Answerer struct {
	streamID string
	pc       *pion.PeerConnection
	logger   zerolog.Logger

	mu     sync.Mutex
	out    io.WriteCloser
	onICE  func(domain.ICECandidatePayload)
	closed bool
}

// NewAnswerer creates a peer connection with one receive-only video
// transceiver.
func NewAnswerer(api *pion.API, cfg pion.Configuration, streamID string, out io.WriteCloser) (*Answerer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	_, err = pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		_ = pc.Close()
		return nil, errors.Wrap(err, "add video transceiver")
	}

	a := &Answerer{
		streamID: streamID,
		pc:       pc,
		out:      out,
		logger:   logging.Module("webrtc.answer").With().Str("stream_id", streamID).Logger(),
	}

	pc.OnTrack(a.onTrack)
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		a.mu.Lock()
		fn := a.onICE
		a.mu.Unlock()
		if fn != nil {
			fn(toCandidatePayload(c.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		a.logger.Info().Str("peer_connection_state", state.String()).Msg("peer connection state")
	})

	return a, nil
}

// OnICECandidate registers the callback for locally gathered candidates.
func (a *Answerer) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onICE = fn
}

// Answer applies the remote offer and returns the committed local answer.
func (a *Answerer) Answer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	err := a.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeOffer,
		SDP:  offer,
	})
	if err != nil {
		return "", errors.Wrap(err, "set remote description")
	}

	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create answer")
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}

	a.logger.Info().Msg("local SDP answer set")
	return answer.SDP, nil
}

// AddRemoteCandidate applies a remote ICE candidate.
func (a *Answerer) AddRemoteCandidate(candidate domain.ICECandidatePayload) error {
	if err := a.pc.AddICECandidate(toCandidateInit(candidate)); err != nil {
		return errors.Wrap(err, "add ice candidate")
	}
	return nil
}

// Close closes the peer connection and the output.
func (a *Answerer) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.onICE = nil
	a.mu.Unlock()

	if err := a.pc.Close(); err != nil {
		a.logger.Error().Err(err).Msg("close error")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.out.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close output")
	}
}

func (a *Answerer) onTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	a.logger.Info().
		Str("kind", track.Kind().String()).
		Str("codec", codec.MimeType).
		Uint8("pt", uint8(codec.PayloadType)).
		Msg("got track")

	if track.Kind() != pion.RTPCodecTypeVideo || !strings.EqualFold(codec.MimeType, pion.MimeTypeH264) {
		a.logger.Warn().Str("codec", codec.MimeType).Msg("unsupported track, draining")
		go drain(track)
		return
	}
	go a.readVideoTrack(track)
}

func (a *Answerer) readVideoTrack(track *pion.TrackRemote) {
	depack := NewH264Depacketizer()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			a.logger.Info().Err(err).Msg("video track ended")
			return
		}

		for _, nalu := range depack.Push(pkt) {
			if len(nalu) == 0 {
				continue
			}
			if err := a.write(nalu); err != nil {
				a.logger.Warn().Err(err).Msg("write video")
				return
			}
		}
	}
}

func (a *Answerer) write(nalu []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, err := a.out.Write(annexBStartCode); err != nil {
		return err
	}
	_, err := a.out.Write(nalu)
	return err
}

func drain(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
