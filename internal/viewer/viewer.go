package viewer

import (
	"context"
	"sort"
	"sync"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrNoProducer    = errors.New("no producer connected")
)

// Stream is one stream announced by the producer.
type Stream struct {
	StreamID  string `json:"streamId"`
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname"`
	Preview   string `json:"streamPreview,omitempty"`
	Capturing bool   `json:"capturing"`
}

type call struct {
	peer     domain.AnswerPeer
	answered bool
}

// Viewer coordinates the consumer side: it keeps the stream list announced
// by the producer and answers the offers of captured streams.
// It implements domain.MessageHandler.
type Viewer struct {
	newAnswerer domain.AnswerFactory
	signal      domain.Sender
	logger      zerolog.Logger
	ctx         context.Context

	mu        sync.Mutex
	connected bool
	streams   map[string]*Stream
	calls     map[string]*call
	pending   map[string][]domain.ICECandidatePayload
}

// New creates a Viewer building answerers with newAnswerer.
// Call SetSignaler before use to complete the circular dependency.
func New(ctx context.Context, newAnswerer domain.AnswerFactory) *Viewer {
	return &Viewer{
		newAnswerer: newAnswerer,
		logger:      logging.Module("viewer"),
		ctx:         ctx,
		streams:     make(map[string]*Stream),
		calls:       make(map[string]*call),
		pending:     make(map[string][]domain.ICECandidatePayload),
	}
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Viewer needs Signaler, Signal needs Handler).
func (v *Viewer) SetSignaler(s domain.Sender) {
	v.signal = s
}

// ProducerConnection resets all stream state whenever the producer connects
// or goes away. A connecting producer re-announces its streams.
func (v *Viewer) ProducerConnection(connected bool) {
	v.mu.Lock()
	v.connected = connected
	v.mu.Unlock()

	v.logger.Info().Bool("connected", connected).Msg("producer connection changed")
	v.Reset()
}

// Connected reports whether a producer is attached.
func (v *Viewer) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Streams returns the known streams ordered by stream id.
func (v *Viewer) Streams() []Stream {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Stream, 0, len(v.streams))
	for _, s := range v.streams {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Capture asks the producer for the stream's media.
func (v *Viewer) Capture(streamID string) error {
	v.mu.Lock()
	s, ok := v.streams[streamID]
	if !ok {
		v.mu.Unlock()
		return errors.Wrapf(ErrUnknownStream, "%q", streamID)
	}
	if !v.connected {
		v.mu.Unlock()
		return ErrNoProducer
	}
	s.Capturing = true
	v.mu.Unlock()

	v.logger.Info().Str("stream_id", streamID).Msg("requesting capture")
	v.signal.Send(domain.CaptureRequest{StreamID: streamID})
	return nil
}

// EndCapture releases the stream's media and closes its answerer.
func (v *Viewer) EndCapture(streamID string) error {
	v.mu.Lock()
	s, ok := v.streams[streamID]
	if !ok {
		v.mu.Unlock()
		return errors.Wrapf(ErrUnknownStream, "%q", streamID)
	}
	s.Capturing = false
	c := v.takeCall(streamID)
	delete(v.pending, streamID)
	v.mu.Unlock()

	if c != nil {
		c.peer.Close()
	}
	v.logger.Info().Str("stream_id", streamID).Msg("ending capture")
	v.signal.Send(domain.EndCapture{StreamID: streamID})
	return nil
}

// Reset closes every answerer and forgets every stream.
func (v *Viewer) Reset() {
	v.mu.Lock()
	calls := v.calls
	v.calls = make(map[string]*call)
	v.streams = make(map[string]*Stream)
	v.pending = make(map[string][]domain.ICECandidatePayload)
	v.mu.Unlock()

	for _, c := range calls {
		c.peer.Close()
	}
}

// Close releases every answerer.
func (v *Viewer) Close() {
	v.Reset()
}

// HandleMessage dispatches a message from the producer.
func (v *Viewer) HandleMessage(msg domain.Message) {
	switch m := msg.(type) {
	case domain.Add:
		v.onAdd(m)
	case domain.Remove:
		v.onRemove(m.StreamID)
	case domain.UpdateUserInfo:
		v.onUpdate(m.Entries)
	case domain.Offer:
		v.onOffer(m)
	case domain.ICE:
		v.onICE(m)
	case domain.CaptureRequest, domain.EndCapture, domain.Answer:
		v.logger.Warn().Str("type", string(msg.Type())).Msg("consumer message received from producer, dropped")
	}
}

func (v *Viewer) onAdd(m domain.Add) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.streams[m.StreamID] = &Stream{
		StreamID: m.StreamID,
		UserID:   m.UserID,
		Nickname: m.Info.Nickname,
		Preview:  m.Info.StreamPreview,
	}
	v.logger.Info().Str("stream_id", m.StreamID).Str("nickname", m.Info.Nickname).Msg("stream added")
}

func (v *Viewer) onRemove(streamID string) {
	v.mu.Lock()
	_, ok := v.streams[streamID]
	delete(v.streams, streamID)
	delete(v.pending, streamID)
	c := v.takeCall(streamID)
	v.mu.Unlock()

	if c != nil {
		c.peer.Close()
	}
	if ok {
		v.logger.Info().Str("stream_id", streamID).Msg("stream removed")
	}
}

func (v *Viewer) onUpdate(entries []domain.UserInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, e := range entries {
		s, ok := v.streams[e.StreamID]
		if !ok {
			v.streams[e.StreamID] = &Stream{
				StreamID: e.StreamID,
				UserID:   e.UserID,
				Nickname: e.Info.Nickname,
				Preview:  e.Info.StreamPreview,
			}
			continue
		}
		s.UserID = e.UserID
		s.Nickname = e.Info.Nickname
		if e.Info.StreamPreview != "" {
			s.Preview = e.Info.StreamPreview
		}
	}
}

func (v *Viewer) onOffer(m domain.Offer) {
	logger := v.logger.With().Str("stream_id", m.StreamID).Logger()

	v.mu.Lock()
	s, ok := v.streams[m.StreamID]
	if !ok {
		v.mu.Unlock()
		logger.Warn().Msg("offer for unknown stream dropped")
		return
	}
	s.Capturing = true
	prev := v.takeCall(m.StreamID)
	v.mu.Unlock()

	if prev != nil {
		logger.Info().Msg("new offer replaces active answerer")
		prev.peer.Close()
	}

	peer, err := v.newAnswerer(m.StreamID)
	if err != nil {
		logger.Error().Err(err).Msg("create answerer")
		return
	}
	c := &call{peer: peer}
	streamID := m.StreamID
	peer.OnICECandidate(func(candidate domain.ICECandidatePayload) {
		v.signal.Send(domain.ICE{StreamID: streamID, Candidate: candidate})
	})

	v.mu.Lock()
	v.calls[streamID] = c
	v.mu.Unlock()

	answer, err := peer.Answer(v.ctx, m.SDP)
	if err != nil {
		logger.Error().Err(err).Msg("answer offer")
		v.mu.Lock()
		if v.calls[streamID] == c {
			delete(v.calls, streamID)
		}
		v.mu.Unlock()
		peer.Close()
		return
	}
	v.signal.Send(domain.Answer{StreamID: streamID, SDP: answer})

	v.mu.Lock()
	if v.calls[streamID] != c {
		// Ended while answering.
		v.mu.Unlock()
		return
	}
	c.answered = true
	pending := v.pending[streamID]
	delete(v.pending, streamID)
	v.mu.Unlock()

	for _, candidate := range pending {
		if err := peer.AddRemoteCandidate(candidate); err != nil {
			logger.Warn().Err(err).Msg("add buffered ICE candidate")
		}
	}
	logger.Info().Int("buffered_candidates", len(pending)).Msg("answer sent")
}

func (v *Viewer) onICE(m domain.ICE) {
	v.mu.Lock()
	s, ok := v.streams[m.StreamID]
	if !ok {
		v.mu.Unlock()
		v.logger.Warn().Str("stream_id", m.StreamID).Msg("ice for unknown stream dropped")
		return
	}
	c := v.calls[m.StreamID]
	if c == nil && !s.Capturing {
		v.mu.Unlock()
		v.logger.Warn().Str("stream_id", m.StreamID).Msg("ice for stream without capture dropped")
		return
	}
	if c == nil || !c.answered {
		v.pending[m.StreamID] = append(v.pending[m.StreamID], m.Candidate)
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	if err := c.peer.AddRemoteCandidate(m.Candidate); err != nil {
		v.logger.Warn().Err(err).Str("stream_id", m.StreamID).Msg("add remote ICE candidate")
	}
}

// takeCall removes and returns the stream's call. v.mu must be held.
func (v *Viewer) takeCall(streamID string) *call {
	c := v.calls[streamID]
	delete(v.calls, streamID)
	return c
}
