package viewer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"stream_relay/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// mockSignaler records sent messages for verification.
type mockSignaler struct {
	mu   sync.Mutex
	sent []domain.Message
}

func (m *mockSignaler) Send(msg domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
}

func (m *mockSignaler) messages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.sent...)
}

// mockAnswerer records calls for verification.
type mockAnswerer struct {
	mu         sync.Mutex
	answerSDP  string
	answerErr  error
	offer      string
	candidates []domain.ICECandidatePayload
	onICE      func(domain.ICECandidatePayload)
	closed     int
}

func (m *mockAnswerer) Answer(ctx context.Context, offer string) (string, error) {
	m.mu.Lock()
	m.offer = offer
	fn := m.onICE
	m.mu.Unlock()
	if m.answerErr != nil {
		return "", m.answerErr
	}
	if fn != nil {
		fn(domain.ICECandidatePayload{Candidate: "candidate:viewer"})
	}
	return m.answerSDP, nil
}

func (m *mockAnswerer) AddRemoteCandidate(c domain.ICECandidatePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *mockAnswerer) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = fn
}

func (m *mockAnswerer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

type answererFactory struct {
	created []*mockAnswerer
	err     error
}

func (f *answererFactory) new(streamID string) (domain.AnswerPeer, error) {
	if f.err != nil {
		return nil, f.err
	}
	a := &mockAnswerer{answerSDP: "v=0 answer " + streamID}
	f.created = append(f.created, a)
	return a, nil
}

func newTestViewer(t *testing.T) (*Viewer, *mockSignaler, *answererFactory) {
	t.Helper()
	factory := &answererFactory{}
	sig := &mockSignaler{}
	v := New(context.Background(), factory.new)
	v.SetSignaler(sig)
	v.ProducerConnection(true)
	t.Cleanup(v.Close)
	return v, sig, factory
}

func add(streamID, nickname string) domain.Add {
	return domain.Add{
		StreamID: streamID,
		UserID:   "u-" + streamID,
		Info:     domain.StreamInfo{Nickname: nickname, StreamPreview: "data:image/jpeg;base64,AAAA"},
	}
}

func TestStreamList(t *testing.T) {
	v, _, _ := newTestViewer(t)

	v.HandleMessage(add("s2", "bob"))
	v.HandleMessage(add("s1", "alice"))
	v.HandleMessage(domain.UpdateUserInfo{Entries: []domain.UserInfo{
		{StreamID: "s1", UserID: "u-s1", Info: domain.StreamInfo{Nickname: "alicia", StreamPreview: "data:new"}},
	}})
	v.HandleMessage(domain.Remove{StreamID: "s2"})

	streams := v.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %+v", streams)
	}
	if streams[0].Nickname != "alicia" || streams[0].Preview != "data:new" {
		t.Errorf("expected refreshed stream, got %+v", streams[0])
	}
}

func TestCapture_SendsRequest(t *testing.T) {
	v, sig, _ := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))

	if err := v.Capture("s1"); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	msgs := sig.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if req, ok := msgs[0].(domain.CaptureRequest); !ok || req.StreamID != "s1" {
		t.Errorf("expected capture request for s1, got %#v", msgs[0])
	}
	if !v.Streams()[0].Capturing {
		t.Error("expected stream marked capturing")
	}

	if err := v.Capture("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("expected ErrUnknownStream, got %v", err)
	}
}

func TestCapture_NoProducer(t *testing.T) {
	v, _, _ := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()

	if err := v.Capture("s1"); !errors.Is(err, ErrNoProducer) {
		t.Errorf("expected ErrNoProducer, got %v", err)
	}
}

func TestOnOffer_AnswersAndFlushesCandidates(t *testing.T) {
	v, sig, factory := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))
	if err := v.Capture("s1"); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	// Candidates may arrive before the offer is answered.
	v.HandleMessage(domain.ICE{StreamID: "s1", Candidate: domain.ICECandidatePayload{Candidate: "candidate:early"}})
	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 offer"})
	v.HandleMessage(domain.ICE{StreamID: "s1", Candidate: domain.ICECandidatePayload{Candidate: "candidate:late"}})

	if len(factory.created) != 1 {
		t.Fatalf("expected 1 answerer, got %d", len(factory.created))
	}
	a := factory.created[0]
	if a.offer != "v=0 offer" {
		t.Errorf("expected offer applied, got %q", a.offer)
	}
	if len(a.candidates) != 2 || a.candidates[0].Candidate != "candidate:early" || a.candidates[1].Candidate != "candidate:late" {
		t.Errorf("unexpected candidates: %+v", a.candidates)
	}

	msgs := sig.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected capture, ice and answer, got %d messages", len(msgs))
	}
	if ice, ok := msgs[1].(domain.ICE); !ok || ice.Candidate.Candidate != "candidate:viewer" {
		t.Errorf("expected local candidate sent, got %#v", msgs[1])
	}
	if ans, ok := msgs[2].(domain.Answer); !ok || ans.SDP != "v=0 answer s1" {
		t.Errorf("expected answer sent, got %#v", msgs[2])
	}
}

func TestOnICE_DroppedWithoutCapture(t *testing.T) {
	v, _, factory := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))

	for i := 0; i < 3; i++ {
		v.HandleMessage(domain.ICE{StreamID: "s1", Candidate: domain.ICECandidatePayload{Candidate: "candidate:stray"}})
	}
	v.mu.Lock()
	buffered := len(v.pending["s1"])
	v.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("expected no candidates buffered without a capture, got %d", buffered)
	}

	// A later offer starts from a clean buffer.
	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 offer"})
	if len(factory.created) != 1 {
		t.Fatalf("expected 1 answerer, got %d", len(factory.created))
	}
	if n := len(factory.created[0].candidates); n != 0 {
		t.Errorf("expected no stray candidates applied, got %d", n)
	}
}

func TestOnOffer_UnknownStream(t *testing.T) {
	v, sig, factory := newTestViewer(t)

	v.HandleMessage(domain.Offer{StreamID: "nope", SDP: "v=0"})
	v.HandleMessage(domain.ICE{StreamID: "nope"})

	if len(factory.created) != 0 || len(sig.messages()) != 0 {
		t.Error("expected unknown stream ignored")
	}
}

func TestOnOffer_AnswerFailureCloses(t *testing.T) {
	v, sig, _ := newTestViewer(t)
	failing := &mockAnswerer{answerErr: errors.New("bad offer")}
	v.newAnswerer = func(string) (domain.AnswerPeer, error) { return failing, nil }
	v.HandleMessage(add("s1", "alice"))

	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "garbage"})

	if failing.closed != 1 {
		t.Errorf("expected answerer closed, got %d", failing.closed)
	}
	if len(sig.messages()) != 0 {
		t.Errorf("expected no answer sent, got %d messages", len(sig.messages()))
	}
}

func TestOnOffer_ReplacesAnswerer(t *testing.T) {
	v, _, factory := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))

	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 first"})
	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 second"})

	if len(factory.created) != 2 {
		t.Fatalf("expected 2 answerers, got %d", len(factory.created))
	}
	if factory.created[0].closed != 1 || factory.created[1].closed != 0 {
		t.Error("expected only the first answerer closed")
	}
}

func TestEndCapture_ClosesAnswerer(t *testing.T) {
	v, sig, factory := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))
	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 offer"})

	if err := v.EndCapture("s1"); err != nil {
		t.Fatalf("EndCapture: %v", err)
	}
	if factory.created[0].closed != 1 {
		t.Error("expected answerer closed")
	}
	msgs := sig.messages()
	if end, ok := msgs[len(msgs)-1].(domain.EndCapture); !ok || end.StreamID != "s1" {
		t.Errorf("expected endCapture sent, got %#v", msgs[len(msgs)-1])
	}
	if v.Streams()[0].Capturing {
		t.Error("expected stream no longer capturing")
	}
}

func TestRemove_ClosesAnswerer(t *testing.T) {
	v, _, factory := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))
	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 offer"})

	v.HandleMessage(domain.Remove{StreamID: "s1"})
	v.HandleMessage(domain.Remove{StreamID: "s1"})

	if factory.created[0].closed != 1 {
		t.Errorf("expected answerer closed once, got %d", factory.created[0].closed)
	}
	if len(v.Streams()) != 0 {
		t.Error("expected stream removed")
	}
}

func TestProducerConnection_Resets(t *testing.T) {
	v, _, factory := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))
	v.HandleMessage(domain.Offer{StreamID: "s1", SDP: "v=0 offer"})

	v.ProducerConnection(false)

	if v.Connected() {
		t.Error("expected disconnected")
	}
	if len(v.Streams()) != 0 {
		t.Error("expected stream list cleared")
	}
	if factory.created[0].closed != 1 {
		t.Error("expected answerer closed")
	}
}

func TestIgnoresConsumerMessages(t *testing.T) {
	v, sig, _ := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))

	v.HandleMessage(domain.CaptureRequest{StreamID: "s1"})
	v.HandleMessage(domain.EndCapture{StreamID: "s1"})
	v.HandleMessage(domain.Answer{StreamID: "s1"})

	if len(sig.messages()) != 0 {
		t.Error("expected nothing sent")
	}
}

func newTestRouter(v *Viewer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v.Register(r)
	return r
}

func TestRoutes(t *testing.T) {
	v, sig, _ := newTestViewer(t)
	v.HandleMessage(add("s1", "alice"))
	r := newTestRouter(v)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/streams", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /streams: %d", w.Code)
	}
	var body struct {
		Streams []Stream `json:"streams"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode streams: %v", err)
	}
	if len(body.Streams) != 1 || body.Streams[0].StreamID != "s1" || body.Streams[0].Preview == "" {
		t.Errorf("unexpected streams: %+v", body.Streams)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/streams/s1/capture", http.StatusAccepted},
		{http.MethodDelete, "/streams/s1/capture", http.StatusNoContent},
		{http.MethodPost, "/streams/nope/capture", http.StatusNotFound},
		{http.MethodDelete, "/streams/nope/capture", http.StatusNotFound},
		{http.MethodGet, "/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, w.Code)
		}
	}

	msgs := sig.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected capture and endCapture, got %d messages", len(msgs))
	}
}

func TestFileAnswerFactory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	var gotOut io.WriteCloser
	factory := FileAnswerFactory(dir, func(streamID string, out io.WriteCloser) (domain.AnswerPeer, error) {
		gotOut = out
		return &mockAnswerer{}, nil
	})

	if _, err := factory("s1"); err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, err := gotOut.Write([]byte{0, 0, 0, 1, 0x65}); err != nil {
		t.Fatalf("write: %v", err)
	}
	gotOut.Close()

	data, err := os.ReadFile(filepath.Join(dir, "s1.h264"))
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if len(data) != 5 {
		t.Errorf("expected 5 bytes recorded, got %d", len(data))
	}
}

func TestRecordingPath(t *testing.T) {
	tests := []struct {
		streamID string
		want     string
	}{
		{"s1", filepath.Join("out", "s1.h264")},
		{"../etc/passwd", filepath.Join("out", ".._etc_passwd.h264")},
		{"", filepath.Join("out", "_.h264")},
	}
	for _, tt := range tests {
		if got := RecordingPath("out", tt.streamID); got != tt.want {
			t.Errorf("RecordingPath(%q) = %q, want %q", tt.streamID, got, tt.want)
		}
	}
}
