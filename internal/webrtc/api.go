package webrtc

import (
	"net"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Codec is a video codec the relay negotiates.
type Codec struct {
	Name        string
	MimeType    string
	ClockRate   uint32
	Fmtp        string
	PayloadType uint8
	Feedback    []string
}

var (
	H264 = Codec{
		Name:        "H264",
		MimeType:    pion.MimeTypeH264,
		ClockRate:   90000,
		Fmtp:        "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		PayloadType: 102,
		Feedback:    []string{"nack", "nack pli", "ccm fir"},
	}
	VP8 = Codec{
		Name:        "VP8",
		MimeType:    pion.MimeTypeVP8,
		ClockRate:   90000,
		PayloadType: 96,
		Feedback:    []string{"nack", "nack pli", "ccm fir"},
	}
)

var codecs = []Codec{H264, VP8}

// CodecByName looks up a registered codec, ignoring case.
func CodecByName(name string) (Codec, bool) {
	for _, c := range codecs {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Codec{}, false
}

// Capability returns the pion capability for tracks of this codec.
func (c Codec) Capability() pion.RTPCodecCapability {
	feedback := make([]pion.RTCPFeedback, 0, len(c.Feedback))
	for _, fb := range c.Feedback {
		typ, param, _ := strings.Cut(fb, " ")
		feedback = append(feedback, pion.RTCPFeedback{Type: typ, Parameter: param})
	}
	return pion.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		SDPFmtpLine:  c.Fmtp,
		RTCPFeedback: feedback,
	}
}

// NewAPI creates a pion API with the relay's video codecs, NACK in both
// directions and periodic PLI for received tracks.
func NewAPI() (*pion.API, error) {
	m := &pion.MediaEngine{}
	for _, c := range codecs {
		params := pion.RTPCodecParameters{
			RTPCodecCapability: c.Capability(),
			PayloadType:        pion.PayloadType(c.PayloadType),
		}
		if err := m.RegisterCodec(params, pion.RTPCodecTypeVideo); err != nil {
			return nil, errors.Wrapf(err, "register %s", c.Name)
		}
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create nack responder")
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create nack generator")
	}
	i.Add(generator)

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create pli interceptor")
	}
	i.Add(pli)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	), nil
}

// Configuration builds a peer connection configuration from ICE server URLs.
// No servers means host candidates only.
func Configuration(iceServers []string) pion.Configuration {
	var servers []pion.ICEServer
	for _, u := range iceServers {
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	return pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
}

// isLoopback reports whether the connection address of an SDP candidate
// line ("candidate:<foundation> <component> <proto> <priority> <addr> ...")
// is a loopback IP. Hostnames, mDNS names included, are never loopback.
func isLoopback(candidate string) bool {
	fields := strings.Fields(strings.TrimPrefix(candidate, "candidate:"))
	if len(fields) < 5 {
		return false
	}
	ip := net.ParseIP(fields[4])
	return ip != nil && ip.IsLoopback()
}
