package signal

import (
	"encoding/json"

	"stream_relay/internal/domain"

	"github.com/pkg/errors"
)

// ErrUnknownType is returned by Decode for envelopes with an unknown type tag.
var ErrUnknownType = errors.New("unknown message type")

// envelope is the wire shape of every signaling frame.
type envelope struct {
	Type   domain.MessageType `json:"type"`
	Detail json.RawMessage    `json:"detail"`
}

// Encode marshals msg into a {type, detail} frame.
func Encode(msg domain.Message) ([]byte, error) {
	var detail any = msg
	if m, ok := msg.(domain.UpdateUserInfo); ok {
		entries := m.Entries
		if entries == nil {
			entries = []domain.UserInfo{}
		}
		detail = entries
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s detail", msg.Type())
	}
	data, err := json.Marshal(envelope{Type: msg.Type(), Detail: raw})
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s envelope", msg.Type())
	}
	return data, nil
}

// Decode parses a {type, detail} frame into its concrete message.
func Decode(data []byte) (domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}

	var msg domain.Message
	var err error
	switch env.Type {
	case domain.TypeAdd:
		var m domain.Add
		err = decodeDetail(env.Detail, &m)
		msg = m
	case domain.TypeRemove:
		var m domain.Remove
		err = decodeDetail(env.Detail, &m)
		msg = m
	case domain.TypeUpdateUserInfo:
		var m domain.UpdateUserInfo
		err = decodeDetail(env.Detail, &m.Entries)
		msg = m
	case domain.TypeCapture:
		var m domain.CaptureRequest
		err = decodeDetail(env.Detail, &m)
		msg = m
	case domain.TypeEndCapture:
		var m domain.EndCapture
		err = decodeDetail(env.Detail, &m)
		msg = m
	case domain.TypeOffer:
		var m domain.Offer
		err = decodeDetail(env.Detail, &m)
		msg = m
	case domain.TypeAnswer:
		var m domain.Answer
		err = decodeDetail(env.Detail, &m)
		msg = m
	case domain.TypeICE:
		var m domain.ICE
		err = decodeDetail(env.Detail, &m)
		msg = m
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s detail", env.Type)
	}
	return msg, nil
}

func decodeDetail(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing detail")
	}
	return json.Unmarshal(raw, v)
}
