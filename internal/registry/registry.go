// Package registry owns the producer's stream sessions. Every session is
// created, mutated and destroyed on a single goroutine, in the order the
// operations were requested.
package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var errEmptyFrame = errors.New("empty frame")

// Options wires a Registry to its collaborators.
type Options struct {
	Channel  domain.Channel
	Frames   domain.FrameSource
	Previews domain.PreviewRenderer
	Capturer domain.Capturer
	Peers    domain.PeerFactory
	// PreviewInterval is the refresh period while any session exists.
	// Zero disables periodic refresh.
	PreviewInterval time.Duration
}

// SessionInfo is a read-only view of one session.
type SessionInfo struct {
	StreamID  string
	UserID    string
	Nickname  string
	Capturing bool
}

type session struct {
	streamID string
	userID   string
	nickname string
	preview  string
	capture  domain.Capture
	peer     domain.Peer
}

// Registry is the table of live streams, keyed by stream id.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inbox    []func()
	closed   bool
	onStop   []func()
	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once

	// Owned by the run goroutine.
	sessions map[string]*session
	ticker   *time.Ticker
}

// New starts a Registry.
func New(opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     opts,
		logger:   logging.Module("registry"),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
	}
	go r.run()
	return r
}

// OnStop registers fn to run when Stop is called, before sessions are torn
// down. The watcher's unsubscribe goes here.
func (r *Registry) OnStop(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = append(r.onStop, fn)
}

// Reconcile brings the session table in line with snapshot.
func (r *Registry) Reconcile(snapshot []domain.Participant) {
	r.do("reconcile", "", func() { r.reconcile(snapshot) })
}

// RefreshPreviews re-captures the previews of streamIDs and sends them as a
// single updateUserInfo batch.
func (r *Registry) RefreshPreviews(streamIDs []string) {
	r.do("refresh_previews", "", func() { r.refreshPreviews(streamIDs) })
}

// CaptureRequested starts media for a stream.
func (r *Registry) CaptureRequested(streamID string) {
	r.do("capture", streamID, func() { r.captureRequested(streamID) })
}

// CaptureEnded stops media for a stream. The session stays.
func (r *Registry) CaptureEnded(streamID string) {
	r.do("end_capture", streamID, func() { r.captureEnded(streamID) })
}

// Answer forwards the remote SDP answer to the stream's peer session.
func (r *Registry) Answer(streamID, sdp string) {
	r.do("answer", streamID, func() { r.answer(streamID, sdp) })
}

// RemoteCandidate forwards a remote ICE candidate to the stream's peer session.
func (r *Registry) RemoteCandidate(streamID string, candidate domain.ICECandidatePayload) {
	r.do("ice", streamID, func() { r.remoteCandidate(streamID, candidate) })
}

// SinkInvalidated rebinds the stream's active render target after the host
// recreated its video element.
func (r *Registry) SinkInvalidated(streamID string) {
	r.do("sink_invalidated", streamID, func() { r.sinkInvalidated(streamID) })
}

// Remove drops a stream on the consumer's request.
func (r *Registry) Remove(streamID string) {
	r.do("remove", streamID, func() {
		s, ok := r.sessions[streamID]
		if !ok {
			r.logger.Warn().Str("stream_id", streamID).Msg("remove for unknown stream")
			return
		}
		r.removeSession(s)
		r.updateTicker()
	})
}

// Resync re-announces every session after the signaling channel reconnected.
// Captures negotiated over the lost connection are torn down.
func (r *Registry) Resync() {
	r.do("resync", "", r.resync)
}

// HandleMessage routes a message from the consumer.
func (r *Registry) HandleMessage(msg domain.Message) {
	switch m := msg.(type) {
	case domain.CaptureRequest:
		r.CaptureRequested(m.StreamID)
	case domain.EndCapture:
		r.CaptureEnded(m.StreamID)
	case domain.Answer:
		r.Answer(m.StreamID, m.SDP)
	case domain.ICE:
		r.RemoteCandidate(m.StreamID, m.Candidate)
	case domain.Remove:
		r.Remove(m.StreamID)
	case domain.Add, domain.Offer, domain.UpdateUserInfo:
		r.logger.Warn().Str("type", string(msg.Type())).Msg("producer message received from consumer, dropped")
	}
}

// Snapshot returns the sessions ordered by stream id.
func (r *Registry) Snapshot() []SessionInfo {
	var out []SessionInfo
	r.do("snapshot", "", func() {
		out = make([]SessionInfo, 0, len(r.sessions))
		for _, s := range r.sessionsByID() {
			out = append(out, SessionInfo{
				StreamID:  s.streamID,
				UserID:    s.userID,
				Nickname:  s.nickname,
				Capturing: s.peer != nil,
			})
		}
	})
	return out
}

// Stop tears everything down. Nothing is sent on the channel once Stop has
// been called. Calls after the first are no-ops.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.cancel()

		r.mu.Lock()
		r.closed = true
		hooks := r.onStop
		r.onStop = nil
		r.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}
		close(r.quit)
		<-r.done
		r.logger.Info().Msg("stopped")
	})
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		var tick <-chan time.Time
		if r.ticker != nil {
			tick = r.ticker.C
		}

		select {
		case <-r.quit:
			r.shutdown()
			return
		case <-r.wake:
			r.drain()
		case <-tick:
			r.exec("refresh_previews", "", func() { r.refreshPreviews(r.streamIDs()) })
		}
	}
}

func (r *Registry) drain() {
	for {
		r.mu.Lock()
		tasks := r.inbox
		r.inbox = nil
		r.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

// enqueue appends fn to the task queue. It never blocks, so pion callbacks
// and the run goroutine itself may post.
func (r *Registry) enqueue(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.inbox = append(r.inbox, fn)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the run goroutine and waits for it. Must not be called from
// the run goroutine.
func (r *Registry) do(op, streamID string, fn func()) {
	done := make(chan struct{})
	ok := r.enqueue(func() {
		defer close(done)
		r.exec(op, streamID, fn)
	})
	if !ok {
		return
	}
	select {
	case <-done:
	case <-r.done:
	}
}

// post runs fn on the run goroutine without waiting.
func (r *Registry) post(op, streamID string, fn func()) {
	r.enqueue(func() { r.exec(op, streamID, fn) })
}

func (r *Registry) exec(op, streamID string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("op", op).
				Str("stream_id", streamID).
				Str("panic", fmt.Sprint(p)).
				Bytes("stack", debug.Stack()).
				Msg("handler panic recovered")
		}
	}()
	fn()
}

func (r *Registry) emit(msg domain.Message) {
	if r.stopped.Load() {
		return
	}
	r.opts.Channel.Send(msg)
}

func (r *Registry) reconcile(snapshot []domain.Participant) {
	next := make(map[string]domain.Participant, len(snapshot))
	order := make([]string, 0, len(snapshot))
	for _, p := range snapshot {
		if p.StreamID == "" {
			continue
		}
		if _, dup := next[p.StreamID]; !dup {
			order = append(order, p.StreamID)
		}
		next[p.StreamID] = p
	}

	for _, s := range r.sessionsByID() {
		p, ok := next[s.streamID]
		switch {
		case !ok:
			r.removeSession(s)
		case p.UserID != s.userID:
			// Same stream id, different owner: remove then add.
			r.logger.Info().Str("stream_id", s.streamID).Msg("stream changed owner")
			r.removeSession(s)
		}
	}

	for _, id := range order {
		p := next[id]
		if s, ok := r.sessions[id]; ok {
			if s.nickname != p.Nickname {
				s.nickname = p.Nickname
				r.logger.Debug().Str("stream_id", id).Str("nickname", p.Nickname).Msg("nickname refreshed")
			}
			continue
		}
		r.addSession(p)
	}

	r.updateTicker()
}

func (r *Registry) addSession(p domain.Participant) {
	preview, err := r.capturePreview(p.StreamID)
	if err != nil {
		r.logger.Debug().Err(err).Str("stream_id", p.StreamID).Msg("stream not live yet")
		return
	}

	r.sessions[p.StreamID] = &session{
		streamID: p.StreamID,
		userID:   p.UserID,
		nickname: p.Nickname,
		preview:  preview,
	}
	r.logger.Info().Str("stream_id", p.StreamID).Str("user_id", p.UserID).Msg("stream added")
	r.emit(domain.Add{
		StreamID: p.StreamID,
		UserID:   p.UserID,
		Info:     domain.StreamInfo{Nickname: p.Nickname, StreamPreview: preview},
	})
}

func (r *Registry) removeSession(s *session) {
	r.release(s)
	delete(r.sessions, s.streamID)
	r.logger.Info().Str("stream_id", s.streamID).Msg("stream removed")
	r.emit(domain.Remove{StreamID: s.streamID})
}

func (r *Registry) refreshPreviews(streamIDs []string) {
	var entries []domain.UserInfo
	for _, id := range streamIDs {
		s, ok := r.sessions[id]
		if !ok {
			continue
		}
		preview, err := r.capturePreview(id)
		if err != nil {
			r.logger.Debug().Err(err).Str("stream_id", id).Msg("preview refresh skipped")
			continue
		}
		s.preview = preview
		entries = append(entries, domain.UserInfo{
			StreamID: id,
			UserID:   s.userID,
			Info:     domain.StreamInfo{Nickname: s.nickname, StreamPreview: preview},
		})
	}
	if len(entries) == 0 {
		return
	}
	r.emit(domain.UpdateUserInfo{Entries: entries})
}

func (r *Registry) capturePreview(streamID string) (string, error) {
	frame, err := r.opts.Frames.CaptureFrame(r.ctx, streamID)
	if err != nil {
		return "", errors.Wrap(err, "capture frame")
	}
	if frame.Empty() {
		return "", errEmptyFrame
	}
	preview, err := r.opts.Previews.Render(frame)
	if err != nil {
		return "", errors.Wrap(err, "render preview")
	}
	return preview, nil
}

func (r *Registry) captureRequested(streamID string) {
	logger := r.logger.With().Str("stream_id", streamID).Logger()

	s, ok := r.sessions[streamID]
	if !ok {
		logger.Warn().Msg("capture requested for unknown stream")
		return
	}
	if s.peer != nil {
		logger.Warn().Msg("capture requested for stream already capturing")
		return
	}

	capture, err := r.opts.Capturer.Bind(streamID)
	if err != nil {
		logger.Error().Err(err).Msg("bind render target")
		return
	}

	peer, err := r.opts.Peers.NewPeer(capture)
	if err != nil {
		capture.Close()
		logger.Error().Err(err).Msg("create peer session")
		return
	}

	peer.OnICECandidate(func(c domain.ICECandidatePayload) {
		r.post("local_ice", streamID, func() {
			cur, ok := r.sessions[streamID]
			if !ok || cur.peer != peer {
				return
			}
			r.emit(domain.ICE{StreamID: streamID, Candidate: c})
		})
	})

	sdp, err := peer.Start(r.ctx)
	if err != nil {
		peer.Close()
		capture.Close()
		logger.Error().Err(err).Msg("create offer")
		return
	}

	s.capture = capture
	s.peer = peer
	logger.Info().Str("target_id", capture.ID()).Msg("capture started")
	r.emit(domain.Offer{StreamID: streamID, SDP: sdp})
}

func (r *Registry) captureEnded(streamID string) {
	s, ok := r.sessions[streamID]
	if !ok {
		r.logger.Warn().Str("stream_id", streamID).Msg("end capture for unknown stream")
		return
	}
	if s.peer == nil {
		r.logger.Debug().Str("stream_id", streamID).Msg("end capture for stream not capturing")
		return
	}
	r.release(s)
	r.logger.Info().Str("stream_id", streamID).Msg("capture ended")
}

func (r *Registry) answer(streamID, sdp string) {
	peer := r.activePeer(streamID, "answer")
	if peer == nil {
		return
	}
	if err := peer.SetRemoteAnswer(sdp); err != nil {
		r.logger.Warn().Err(err).Str("stream_id", streamID).Msg("set remote answer")
	}
}

func (r *Registry) remoteCandidate(streamID string, candidate domain.ICECandidatePayload) {
	peer := r.activePeer(streamID, "ice")
	if peer == nil {
		return
	}
	if err := peer.AddRemoteCandidate(candidate); err != nil {
		r.logger.Warn().Err(err).Str("stream_id", streamID).Msg("add remote candidate")
	}
}

func (r *Registry) activePeer(streamID, kind string) domain.Peer {
	s, ok := r.sessions[streamID]
	if !ok {
		r.logger.Warn().Str("stream_id", streamID).Str("type", kind).Msg("message for unknown stream dropped")
		return nil
	}
	if s.peer == nil {
		r.logger.Warn().Str("stream_id", streamID).Str("type", kind).Msg("message for stream not capturing dropped")
		return nil
	}
	return s.peer
}

func (r *Registry) sinkInvalidated(streamID string) {
	s, ok := r.sessions[streamID]
	if !ok || s.capture == nil {
		r.logger.Debug().Str("stream_id", streamID).Msg("sink invalidated for stream not capturing")
		return
	}
	if err := s.capture.Rebind(); err != nil {
		r.logger.Error().Err(err).Str("stream_id", streamID).Msg("rebind render target")
	}
}

func (r *Registry) resync() {
	for _, s := range r.sessionsByID() {
		if s.peer != nil {
			r.release(s)
			r.logger.Info().Str("stream_id", s.streamID).Msg("capture dropped after reconnect")
		}
		r.emit(domain.Add{
			StreamID: s.streamID,
			UserID:   s.userID,
			Info:     domain.StreamInfo{Nickname: s.nickname, StreamPreview: s.preview},
		})
	}
}

func (r *Registry) release(s *session) {
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
}

func (r *Registry) updateTicker() {
	switch {
	case len(r.sessions) > 0 && r.ticker == nil && r.opts.PreviewInterval > 0:
		r.ticker = time.NewTicker(r.opts.PreviewInterval)
	case len(r.sessions) == 0 && r.ticker != nil:
		r.ticker.Stop()
		r.ticker = nil
	}
}

func (r *Registry) shutdown() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	r.opts.Channel.Close()
	for _, s := range r.sessionsByID() {
		r.release(s)
		delete(r.sessions, s.streamID)
	}
}

func (r *Registry) streamIDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) sessionsByID() []*session {
	out := make([]*session, 0, len(r.sessions))
	for _, id := range r.streamIDs() {
		out = append(out, r.sessions[id])
	}
	return out
}
