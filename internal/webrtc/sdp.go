package webrtc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// ErrNoFreePayloadType is returned when [96,127] is exhausted.
var ErrNoFreePayloadType = errors.New("no free dynamic payload type")

const (
	dynamicPayloadMin = 96
	dynamicPayloadMax = 127

	attrRTPMap = "rtpmap"
	attrFmtp   = "fmtp"
	attrRTCPFb = "rtcp-fb"
)

// Shaping is the policy applied to outgoing offers.
type Shaping struct {
	// Codec, when set, is forced as the only video codec.
	Codec *Codec
	// BandwidthKbps, when positive, caps the video section bandwidth.
	BandwidthKbps int
}

// Apply runs the enabled transforms. On error the input is returned with it.
func (s Shaping) Apply(raw string) (string, error) {
	out := raw
	var err error
	if s.Codec != nil {
		if out, err = ForceCodec(out, *s.Codec); err != nil {
			return raw, err
		}
	}
	if s.BandwidthKbps > 0 {
		if out, err = ForceBandwidth(out, s.BandwidthKbps); err != nil {
			return raw, err
		}
	}
	return out, nil
}

// ForceCodec makes codec the preferred and only codec of the first video
// section. Existing payload types of the codec are kept, the first one moved
// to the front; if there is none a free dynamic payload type is allocated.
// rtpmap, fmtp and rtcp-fb lines of every other codec in the section are
// dropped.
func ForceCodec(raw string, codec Codec) (string, error) {
	desc, err := parseSDP(raw)
	if err != nil {
		return raw, err
	}
	md := videoSection(desc)
	if md == nil {
		return raw, nil
	}

	names := rtpmapNames(md)
	var keep []string
	for _, f := range md.MediaName.Formats {
		if strings.EqualFold(names[f], codec.Name) {
			keep = append(keep, f)
		}
	}

	var added []sdp.Attribute
	if len(keep) == 0 {
		pt, ok := freePayloadType(desc)
		if !ok {
			return raw, ErrNoFreePayloadType
		}
		keep = []string{pt}
		added = codecAttributes(pt, codec)
	}

	kept := make(map[string]bool, len(keep))
	for _, pt := range keep {
		kept[pt] = true
	}
	formats := make(map[string]bool, len(md.MediaName.Formats))
	for _, f := range md.MediaName.Formats {
		formats[f] = true
	}

	attrs := make([]sdp.Attribute, 0, len(md.Attributes)+len(added))
	insertAt := -1
	for _, a := range md.Attributes {
		if pt, ok := codecAttributePT(a); ok && formats[pt] && !kept[pt] {
			if insertAt < 0 {
				insertAt = len(attrs)
			}
			continue
		}
		attrs = append(attrs, a)
	}
	if len(added) > 0 {
		if insertAt < 0 {
			insertAt = len(attrs)
		}
		tail := append(added, attrs[insertAt:]...)
		attrs = append(attrs[:insertAt], tail...)
	}

	md.Attributes = attrs
	md.MediaName.Formats = keep
	return marshalSDP(desc)
}

// ForceBandwidth sets a single b=AS line on the first video section.
func ForceBandwidth(raw string, kbps int) (string, error) {
	desc, err := parseSDP(raw)
	if err != nil {
		return raw, err
	}
	md := videoSection(desc)
	if md == nil {
		return raw, nil
	}
	md.Bandwidth = []sdp.Bandwidth{{Type: "AS", Bandwidth: uint64(kbps)}}
	return marshalSDP(desc)
}

func parseSDP(raw string) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, errors.Wrap(err, "parse sdp")
	}
	return desc, nil
}

func marshalSDP(desc *sdp.SessionDescription) (string, error) {
	out, err := desc.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "marshal sdp")
	}
	return string(out), nil
}

func videoSection(desc *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return md
		}
	}
	return nil
}

// rtpmapNames maps payload types to codec names, e.g. "102" -> "H264".
func rtpmapNames(md *sdp.MediaDescription) map[string]string {
	names := make(map[string]string)
	for _, a := range md.Attributes {
		if a.Key != attrRTPMap {
			continue
		}
		pt, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		names[pt] = name
	}
	return names
}

func codecAttributePT(a sdp.Attribute) (string, bool) {
	switch a.Key {
	case attrRTPMap, attrFmtp, attrRTCPFb:
		pt, _, _ := strings.Cut(a.Value, " ")
		return pt, pt != ""
	}
	return "", false
}

func freePayloadType(desc *sdp.SessionDescription) (string, bool) {
	used := make(map[string]bool)
	for _, md := range desc.MediaDescriptions {
		for _, f := range md.MediaName.Formats {
			used[f] = true
		}
		for pt := range rtpmapNames(md) {
			used[pt] = true
		}
	}
	for pt := dynamicPayloadMin; pt <= dynamicPayloadMax; pt++ {
		if s := strconv.Itoa(pt); !used[s] {
			return s, true
		}
	}
	return "", false
}

func codecAttributes(pt string, codec Codec) []sdp.Attribute {
	attrs := []sdp.Attribute{
		sdp.NewAttribute(attrRTPMap, fmt.Sprintf("%s %s/%d", pt, codec.Name, codec.ClockRate)),
	}
	if codec.Fmtp != "" {
		attrs = append(attrs, sdp.NewAttribute(attrFmtp, pt+" "+codec.Fmtp))
	}
	for _, fb := range codec.Feedback {
		attrs = append(attrs, sdp.NewAttribute(attrRTCPFb, pt+" "+fb))
	}
	return attrs
}
