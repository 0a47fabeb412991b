package domain

// MessageType is the "type" tag of a signaling envelope.
type MessageType string

const (
	TypeAdd            MessageType = "add"
	TypeRemove         MessageType = "remove"
	TypeUpdateUserInfo MessageType = "updateUserInfo"
	TypeCapture        MessageType = "capture"
	TypeEndCapture     MessageType = "endCapture"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeICE            MessageType = "ice"
)

// Message is one of the signaling messages exchanged between producer and
// consumer. The set is closed: only the types in this file implement it.
type Message interface {
	Type() MessageType
	isMessage()
}

// StreamInfo is the display data attached to a stream.
type StreamInfo struct {
	Nickname      string `json:"nickname"`
	StreamPreview string `json:"streamPreview,omitempty"`
}

// UserInfo is one entry of an updateUserInfo batch.
type UserInfo struct {
	StreamID string     `json:"streamId"`
	UserID   string     `json:"userId"`
	Info     StreamInfo `json:"info"`
}

// ICECandidatePayload is the serialized form of an ICE candidate.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Add announces a newly live stream.
type Add struct {
	StreamID string     `json:"streamId"`
	UserID   string     `json:"userId"`
	Info     StreamInfo `json:"info"`
}

// Remove announces that a stream is gone. The consumer may also send it to
// request that the producer drops the stream.
type Remove struct {
	StreamID string `json:"streamId"`
}

// UpdateUserInfo carries refreshed previews and nicknames. On the wire the
// detail is the bare array of entries.
type UpdateUserInfo struct {
	Entries []UserInfo
}

// CaptureRequest asks for the media track of a stream.
type CaptureRequest struct {
	StreamID string `json:"streamId"`
}

// EndCapture releases the media track of a stream.
type EndCapture struct {
	StreamID string `json:"streamId"`
}

// Offer carries the producer's SDP offer for a stream.
type Offer struct {
	StreamID string `json:"streamId"`
	SDP      string `json:"sdp"`
}

// Answer carries the consumer's SDP answer for a stream.
type Answer struct {
	StreamID string `json:"streamId"`
	SDP      string `json:"sdp"`
}

// ICE carries one trickled ICE candidate for a stream.
type ICE struct {
	StreamID  string              `json:"streamId"`
	Candidate ICECandidatePayload `json:"candidate"`
}

func (Add) Type() MessageType            { return TypeAdd }
func (Remove) Type() MessageType         { return TypeRemove }
func (UpdateUserInfo) Type() MessageType { return TypeUpdateUserInfo }
func (CaptureRequest) Type() MessageType { return TypeCapture }
func (EndCapture) Type() MessageType     { return TypeEndCapture }
func (Offer) Type() MessageType          { return TypeOffer }
func (Answer) Type() MessageType         { return TypeAnswer }
func (ICE) Type() MessageType            { return TypeICE }

func (Add) isMessage()            {}
func (Remove) isMessage()         {}
func (UpdateUserInfo) isMessage() {}
func (CaptureRequest) isMessage() {}
func (EndCapture) isMessage()     {}
func (Offer) isMessage()          {}
func (Answer) isMessage()         {}
func (ICE) isMessage()            {}
