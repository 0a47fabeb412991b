package webrtc

import (
	"context"
	"sync"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted   = errors.New("offer already created")
	ErrNotStarted       = errors.New("offer not created yet")
	ErrAnswerAlreadySet = errors.New("remote answer already set")
	ErrClosed           = errors.New("peer session closed")
)

// SessionOptions configures a PeerSession.
type SessionOptions struct {
	Shaping        Shaping
	FilterLoopback bool
}

// PeerSession is the offering side of one stream's peer connection. It sends
// a single local video track and is negotiated exactly once.
type PeerSession struct {
	streamID string
	pc       *pion.PeerConnection
	sender   *pion.RTPSender
	opts     SessionOptions
	logger   zerolog.Logger

	mu        sync.Mutex
	started   bool
	answering bool
	remoteSet bool
	closed    bool
	pending   []pion.ICECandidateInit
	onICE     func(domain.ICECandidatePayload)

	// addCandidate applies a remote candidate to pc.
	addCandidate func(pion.ICECandidateInit) error
}

// NewPeerSession creates a peer connection sending track.
func NewPeerSession(api *pion.API, cfg pion.Configuration, streamID string, track pion.TrackLocal, opts SessionOptions) (*PeerSession, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	tr, err := pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		_ = pc.Close()
		return nil, errors.Wrap(err, "add video transceiver")
	}

	p := &PeerSession{
		streamID: streamID,
		pc:       pc,
		sender:   tr.Sender(),
		opts:     opts,
		logger:   logging.Module("webrtc").With().Str("stream_id", streamID).Logger(),
	}
	p.addCandidate = pc.AddICECandidate

	pc.OnICECandidate(p.onLocalCandidate)
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Info().Str("ice_state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", state.String()).Msg("peer connection state")
	})

	go p.readRTCP()
	return p, nil
}

// OnICECandidate registers the callback for locally gathered candidates.
func (p *PeerSession) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

// Start creates the offer and commits it as the local description. The
// returned SDP is the shaped offer to send to the remote side.
func (p *PeerSession) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return "", ErrClosed
	case p.started:
		p.mu.Unlock()
		return "", ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}
	// pion rejects a local offer that differs from the one it generated, so
	// only the remote side sees the shaped copy. Shaping keeps the payload
	// types pion registered.
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "set local description")
	}

	shaped, err := p.opts.Shaping.Apply(offer.SDP)
	if err != nil {
		p.logger.Warn().Err(err).Msg("sdp shaping failed, sending offer unchanged")
	}
	p.logger.Info().Msg("local SDP offer set")
	return shaped, nil
}

// SetRemoteAnswer applies the remote answer and then every candidate that
// arrived before it, in arrival order.
func (p *PeerSession) SetRemoteAnswer(sdp string) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case !p.started:
		p.mu.Unlock()
		return ErrNotStarted
	case p.remoteSet || p.answering:
		p.mu.Unlock()
		return ErrAnswerAlreadySet
	}
	p.answering = true
	p.mu.Unlock()

	err := p.pc.SetRemoteDescription(pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp,
	})

	p.mu.Lock()
	p.answering = false
	if err != nil {
		p.mu.Unlock()
		return errors.Wrap(err, "set remote description")
	}
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	p.logger.Info().Int("buffered_candidates", len(pending)).Msg("remote SDP answer set")
	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("add buffered ICE candidate")
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, or buffers it until the
// remote answer is set.
func (p *PeerSession) AddRemoteCandidate(candidate domain.ICECandidatePayload) error {
	init := toCandidateInit(candidate)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		p.logger.Debug().Msg("buffered remote ICE candidate")
		return nil
	}
	p.mu.Unlock()

	if err := p.addCandidate(init); err != nil {
		return errors.Wrap(err, "add ice candidate")
	}
	return nil
}

// Close stops the video sender and then the peer connection. Calls after
// the first are no-ops.
func (p *PeerSession) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.onICE = nil
	p.pending = nil
	p.mu.Unlock()

	if err := p.sender.Stop(); err != nil {
		p.logger.Warn().Err(err).Msg("stop sender")
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Error().Err(err).Msg("close error")
		return
	}
	p.logger.Info().Msg("closed")
}

func (p *PeerSession) pendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *PeerSession) onLocalCandidate(c *pion.ICECandidate) {
	if c == nil {
		p.logger.Debug().Msg("ICE gathering complete")
		return
	}

	init := c.ToJSON()
	if p.opts.FilterLoopback && isLoopback(init.Candidate) {
		p.logger.Debug().Msg("filtering loopback ICE candidate")
		return
	}

	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(toCandidatePayload(init))
	}
}

// readRTCP drains the sender so interceptors see receiver reports and NACKs.
func (p *PeerSession) readRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := p.sender.Read(buf); err != nil {
			return
		}
	}
}

func toCandidateInit(c domain.ICECandidatePayload) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toCandidatePayload(c pion.ICECandidateInit) domain.ICECandidatePayload {
	return domain.ICECandidatePayload{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
