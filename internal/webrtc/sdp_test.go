package webrtc

import (
	"strconv"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

func offerSDP(videoLines ...string) string {
	lines := []string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0",
	}
	lines = append(lines, videoLines...)
	return strings.Join(lines, "\r\n") + "\r\n"
}

var vp8AndH264 = []string{
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 102",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=rtpmap:96 VP8/90000",
	"a=rtcp-fb:96 nack",
	"a=rtpmap:97 rtx/90000",
	"a=fmtp:97 apt=96",
	"a=rtpmap:102 H264/90000",
	"a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	"a=rtcp-fb:102 nack",
	"a=sendonly",
}

func mustVideo(t *testing.T, raw string) *sdp.MediaDescription {
	t.Helper()
	desc, err := parseSDP(raw)
	if err != nil {
		t.Fatalf("parse shaped sdp: %v", err)
	}
	md := videoSection(desc)
	if md == nil {
		t.Fatal("no video section in shaped sdp")
	}
	return md
}

func TestForceCodec_KeepsExistingPayloadType(t *testing.T) {
	out, err := ForceCodec(offerSDP(vp8AndH264...), H264)
	if err != nil {
		t.Fatalf("ForceCodec: %v", err)
	}

	md := mustVideo(t, out)
	if got := md.MediaName.Formats; len(got) != 1 || got[0] != "102" {
		t.Fatalf("expected formats [102], got %v", got)
	}
	if strings.Contains(out, "VP8") || strings.Contains(out, "rtx") {
		t.Errorf("competing codecs left in sdp:\n%s", out)
	}
	for _, want := range []string{"a=rtpmap:102 H264/90000", "a=fmtp:102 ", "a=rtcp-fb:102 nack", "a=mid:0", "a=sendonly"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in shaped sdp:\n%s", want, out)
		}
	}
}

func TestForceCodec_Idempotent(t *testing.T) {
	once, err := ForceCodec(offerSDP(vp8AndH264...), H264)
	if err != nil {
		t.Fatalf("first ForceCodec: %v", err)
	}
	twice, err := ForceCodec(once, H264)
	if err != nil {
		t.Fatalf("second ForceCodec: %v", err)
	}
	if once != twice {
		t.Errorf("ForceCodec not idempotent:\n%s\n---\n%s", once, twice)
	}
}

func TestForceCodec_AllocatesPayloadType(t *testing.T) {
	raw := offerSDP(
		"m=video 9 UDP/TLS/RTP/SAVPF 96 97",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:97 rtx/90000",
		"a=fmtp:97 apt=96",
	)

	out, err := ForceCodec(raw, H264)
	if err != nil {
		t.Fatalf("ForceCodec: %v", err)
	}

	md := mustVideo(t, out)
	if got := md.MediaName.Formats; len(got) != 1 || got[0] != "98" {
		t.Fatalf("expected allocated format [98], got %v", got)
	}
	for _, want := range []string{
		"a=rtpmap:98 H264/90000",
		"a=fmtp:98 " + H264.Fmtp,
		"a=rtcp-fb:98 nack",
		"a=rtcp-fb:98 nack pli",
		"a=rtcp-fb:98 ccm fir",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in shaped sdp:\n%s", want, out)
		}
	}

	again, err := ForceCodec(out, H264)
	if err != nil {
		t.Fatalf("second ForceCodec: %v", err)
	}
	if again != out {
		t.Errorf("allocation not idempotent:\n%s\n---\n%s", out, again)
	}
}

func TestForceCodec_NoFreePayloadType(t *testing.T) {
	var formats []string
	lines := []string{"c=IN IP4 0.0.0.0", "a=mid:0"}
	for pt := dynamicPayloadMin; pt <= dynamicPayloadMax; pt++ {
		formats = append(formats, strconv.Itoa(pt))
		lines = append(lines, "a=rtpmap:"+strconv.Itoa(pt)+" VP8/90000")
	}
	raw := offerSDP(append([]string{"m=video 9 UDP/TLS/RTP/SAVPF " + strings.Join(formats, " ")}, lines...)...)

	out, err := ForceCodec(raw, H264)
	if !errors.Is(err, ErrNoFreePayloadType) {
		t.Fatalf("expected ErrNoFreePayloadType, got %v", err)
	}
	if out != raw {
		t.Error("expected input returned unchanged on error")
	}
}

func TestForceBandwidth(t *testing.T) {
	out, err := ForceBandwidth(offerSDP(vp8AndH264...), 500)
	if err != nil {
		t.Fatalf("ForceBandwidth: %v", err)
	}
	if n := strings.Count(out, "b=AS:500"); n != 1 {
		t.Fatalf("expected one b=AS:500 line, got %d:\n%s", n, out)
	}

	again, err := ForceBandwidth(out, 500)
	if err != nil {
		t.Fatalf("second ForceBandwidth: %v", err)
	}
	if again != out {
		t.Errorf("ForceBandwidth not idempotent:\n%s\n---\n%s", out, again)
	}

	lower, err := ForceBandwidth(out, 200)
	if err != nil {
		t.Fatalf("ForceBandwidth 200: %v", err)
	}
	if strings.Contains(lower, "b=AS:500") || !strings.Contains(lower, "b=AS:200") {
		t.Errorf("expected bandwidth replaced:\n%s", lower)
	}
}

func TestShaping_NoVideoSection(t *testing.T) {
	raw := offerSDP(
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=rtpmap:111 opus/48000/2",
	)
	s := Shaping{Codec: &H264, BandwidthKbps: 500}

	out, err := s.Apply(raw)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != raw {
		t.Errorf("expected audio-only sdp unchanged, got:\n%s", out)
	}
}

func TestShaping_ZeroValueIsNoop(t *testing.T) {
	raw := offerSDP(vp8AndH264...)
	out, err := Shaping{}.Apply(raw)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != raw {
		t.Error("expected zero Shaping to return its input")
	}
}

func TestShaping_InvalidSDP(t *testing.T) {
	s := Shaping{Codec: &H264}
	out, err := s.Apply("not an sdp")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if out != "not an sdp" {
		t.Errorf("expected input returned on error, got %q", out)
	}
}
