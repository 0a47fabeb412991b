package domain

import "context"

// Channel is the producer's signaling transport.
type Channel interface {
	Send(msg Message)
	Close()
}

// Sender sends signaling messages without owning the transport.
type Sender interface {
	Send(msg Message)
}

// MessageHandler receives decoded signaling messages.
type MessageHandler interface {
	HandleMessage(msg Message)
}

// Peer is the offering side of one peer connection.
type Peer interface {
	Start(ctx context.Context) (string, error)
	SetRemoteAnswer(sdp string) error
	AddRemoteCandidate(candidate ICECandidatePayload) error
	OnICECandidate(fn func(candidate ICECandidatePayload))
	Close()
}

// AnswerPeer is the answering side of one peer connection.
type AnswerPeer interface {
	Answer(ctx context.Context, offer string) (string, error)
	AddRemoteCandidate(candidate ICECandidatePayload) error
	OnICECandidate(fn func(candidate ICECandidatePayload))
	Close()
}

// AnswerFactory builds an AnswerPeer for a stream.
type AnswerFactory func(streamID string) (AnswerPeer, error)

// Capture is an offscreen render target bound to the host's frame sink.
type Capture interface {
	ID() string
	StreamID() string
	// Rebind drops the current sink binding and binds again.
	Rebind() error
	Close()
}

// Capturer binds render targets for streams.
type Capturer interface {
	Bind(streamID string) (Capture, error)
}

// PeerFactory builds a Peer streaming the media of a capture.
type PeerFactory interface {
	NewPeer(capture Capture) (Peer, error)
}

// PreviewRenderer turns a raw frame into a displayable preview.
type PreviewRenderer interface {
	Render(frame RawFrame) (string, error)
}

// Reconciler accepts roster snapshots.
type Reconciler interface {
	Reconcile(snapshot []Participant)
}

// Roster is the host's call participant list.
type Roster interface {
	Participants(ctx context.Context) ([]Participant, error)
	// Subscribe registers fn for roster change notifications.
	Subscribe(fn func()) (unsubscribe func())
}

// FrameSource grabs single frames from the host's video pipeline.
type FrameSource interface {
	CaptureFrame(ctx context.Context, streamID string) (RawFrame, error)
}

// FrameSink delivers a stream's video into a bound render target.
type FrameSink interface {
	Bind(targetID, streamID string, onSample func(Sample), onResize func(width, height int)) error
	Unbind(targetID, streamID string)
	// OnInvalidate registers fn for bindings the host dropped on its own.
	OnInvalidate(fn func(streamID string))
}
