package peer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quillchat/call-core/internal/metrics"
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeConn struct {
	mu           sync.Mutex
	remote       *webrtc.SessionDescription
	remoteSets   int
	offers       int
	answers      int
	candidates   []webrtc.ICECandidateInit
	senders      []*fakeSender
	transceivers int
	closed       bool

	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &desc
	c.remoteSets++
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) AddTrack(webrtc.TrackLocal) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSender{}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transceivers++
	return nil, nil
}

func (c *fakeConn) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fireState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *fakeConn) candidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func newTestManager(grace time.Duration, hooks Hooks) (*Manager, *fakeFactory, *metrics.Metrics) {
	f := &fakeFactory{}
	met := metrics.New()
	m := NewManager(Config{Factory: f, DisconnectGrace: grace, Metrics: met}, hooks)
	return m, f, met
}

func TestEnsureLink_Idempotent(t *testing.T) {
	m, f, _ := newTestManager(time.Second, Hooks{})

	if err := m.EnsureLink("bob"); err != nil {
		t.Fatalf("EnsureLink: %v", err)
	}
	if err := m.EnsureLink("bob"); err != nil {
		t.Fatalf("EnsureLink again: %v", err)
	}
	if len(f.conns) != 1 {
		t.Fatalf("connections created = %d, want 1", len(f.conns))
	}
	if m.LinkCount() != 1 || !m.HasLink("bob") {
		t.Fatalf("link bookkeeping wrong")
	}
}

func TestHandleRemoteOffer_AnswersAndDeduplicates(t *testing.T) {
	var answers []webrtc.SessionDescription
	m, f, _ := newTestManager(time.Second, Hooks{
		SendAnswer: func(_ string, desc webrtc.SessionDescription) { answers = append(answers, desc) },
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 original"}
	if err := m.HandleRemoteOffer("bob", offer); err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("answers = %d, want 1", len(answers))
	}

	// Same offer again: the stored answer is re-sent, the connection untouched.
	if err := m.HandleRemoteOffer("bob", offer); err != nil {
		t.Fatalf("duplicate HandleRemoteOffer: %v", err)
	}
	if len(answers) != 2 || answers[1].SDP != answers[0].SDP {
		t.Fatalf("duplicate offer produced a different answer: %+v", answers)
	}
	if f.conns[0].remoteSets != 1 {
		t.Fatalf("remote description applied %d times, want 1", f.conns[0].remoteSets)
	}
}

func TestCandidates_QueuedUntilRemoteDescription(t *testing.T) {
	m, f, _ := newTestManager(time.Second, Hooks{})

	if err := m.HandleRemoteCandidate("bob", webrtc.ICECandidateInit{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("HandleRemoteCandidate: %v", err)
	}
	if err := m.HandleRemoteCandidate("bob", webrtc.ICECandidateInit{Candidate: "candidate:2"}); err != nil {
		t.Fatalf("HandleRemoteCandidate: %v", err)
	}
	if got := f.conns[0].candidateCount(); got != 0 {
		t.Fatalf("candidates applied before remote description: %d", got)
	}

	if err := m.CreateOffer("bob"); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := m.HandleRemoteAnswer("bob", answer); err != nil {
		t.Fatalf("HandleRemoteAnswer: %v", err)
	}
	if got := f.conns[0].candidateCount(); got != 2 {
		t.Fatalf("flushed candidates = %d, want 2", got)
	}

	// Late candidates apply directly now.
	if err := m.HandleRemoteCandidate("bob", webrtc.ICECandidateInit{Candidate: "candidate:3"}); err != nil {
		t.Fatalf("HandleRemoteCandidate: %v", err)
	}
	if got := f.conns[0].candidateCount(); got != 3 {
		t.Fatalf("late candidate not applied: %d", got)
	}
}

func TestAttachLocalTracks_OneSenderPerKind(t *testing.T) {
	m, f, _ := newTestManager(time.Second, Hooks{})

	audio := &fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	video := &fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo}
	if err := m.AttachLocalTracks("bob", audio, video); err != nil {
		t.Fatalf("AttachLocalTracks: %v", err)
	}
	if err := m.AttachLocalTracks("bob", audio, video); err != nil {
		t.Fatalf("AttachLocalTracks again: %v", err)
	}
	if got := len(f.conns[0].senders); got != 2 {
		t.Fatalf("senders = %d, want 2", got)
	}
}

func TestAttachLocalTracks_RenegotiatesWhenEstablished(t *testing.T) {
	var offers int
	connected := make(chan string, 1)
	m, f, met := newTestManager(time.Second, Hooks{
		SendOffer:     func(string, webrtc.SessionDescription) { offers++ },
		PeerConnected: func(userID string) { connected <- userID },
	})

	audio := &fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio}
	if err := m.AttachLocalTracks("bob", audio); err != nil {
		t.Fatalf("AttachLocalTracks: %v", err)
	}
	if offers != 0 {
		t.Fatalf("offer before establishment")
	}

	f.conns[0].fireState(webrtc.PeerConnectionStateConnected)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatalf("PeerConnected hook not fired")
	}

	video := &fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo}
	if err := m.AttachLocalTracks("bob", video); err != nil {
		t.Fatalf("AttachLocalTracks video: %v", err)
	}
	if offers != 1 {
		t.Fatalf("offers = %d, want 1", offers)
	}
	if met.Get(metrics.Renegotiation) != 1 {
		t.Fatalf("renegotiation counter = %d", met.Get(metrics.Renegotiation))
	}
}

func TestReplaceVideoTrack_SwapsAllSenders(t *testing.T) {
	m, f, _ := newTestManager(time.Second, Hooks{})

	video := &fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo}
	for _, user := range []string{"bob", "carol"} {
		if err := m.AttachLocalTracks(user, video); err != nil {
			t.Fatalf("AttachLocalTracks(%s): %v", user, err)
		}
	}

	screen := &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}
	if err := m.ReplaceVideoTrack(screen); err != nil {
		t.Fatalf("ReplaceVideoTrack: %v", err)
	}
	for i, conn := range f.conns {
		if got := conn.senders[0].Track(); got != webrtc.TrackLocal(screen) {
			t.Fatalf("conn %d sender track = %v", i, got)
		}
	}
}

func TestEnsureRecvOnlyVideo(t *testing.T) {
	m, f, _ := newTestManager(time.Second, Hooks{})

	if err := m.EnsureRecvOnlyVideo("bob"); err != nil {
		t.Fatalf("EnsureRecvOnlyVideo: %v", err)
	}
	if f.conns[0].transceivers != 1 {
		t.Fatalf("transceivers = %d, want 1", f.conns[0].transceivers)
	}

	// A repeat of the negotiation setup must not add another m-line.
	if err := m.EnsureRecvOnlyVideo("bob"); err != nil {
		t.Fatalf("EnsureRecvOnlyVideo again: %v", err)
	}
	if f.conns[0].transceivers != 1 {
		t.Fatalf("transceivers after repeat = %d, want 1", f.conns[0].transceivers)
	}

	// With a video sender present there is nothing to add.
	video := &fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo}
	if err := m.AttachLocalTracks("bob", video); err != nil {
		t.Fatalf("AttachLocalTracks: %v", err)
	}
	if err := m.EnsureRecvOnlyVideo("bob"); err != nil {
		t.Fatalf("EnsureRecvOnlyVideo: %v", err)
	}
	if f.conns[0].transceivers != 1 {
		t.Fatalf("transceivers = %d, want 1", f.conns[0].transceivers)
	}
}

func TestHasVideoSender_CountsEmptiedSender(t *testing.T) {
	m, _, _ := newTestManager(time.Second, Hooks{})

	if err := m.EnsureLink("bob"); err != nil {
		t.Fatalf("EnsureLink: %v", err)
	}
	if m.HasVideoSender("bob") {
		t.Fatalf("video sender reported before any track attach")
	}

	video := &fakeTrack{id: "v", kind: webrtc.RTPCodecTypeVideo}
	if err := m.AttachLocalTracks("bob", video); err != nil {
		t.Fatalf("AttachLocalTracks: %v", err)
	}
	if !m.HasVideoSender("bob") {
		t.Fatalf("video sender not reported after attach")
	}

	// Swapping the track out entirely keeps the sender; the next source is
	// replaced into it, not attached as a second sender.
	if err := m.ReplaceVideoTrack(nil); err != nil {
		t.Fatalf("ReplaceVideoTrack(nil): %v", err)
	}
	if !m.HasVideoSender("bob") {
		t.Fatalf("emptied sender no longer reported")
	}
}

func TestLinkStates_TracksTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []webrtc.PeerConnectionState
	m, f, _ := newTestManager(time.Second, Hooks{
		PeerStateChanged: func(_ string, state webrtc.PeerConnectionState) {
			mu.Lock()
			seen = append(seen, state)
			mu.Unlock()
		},
	})

	if err := m.EnsureLink("bob"); err != nil {
		t.Fatalf("EnsureLink: %v", err)
	}
	if got := m.LinkStates()["bob"]; got != webrtc.PeerConnectionStateNew {
		t.Fatalf("fresh link state = %s", got)
	}

	f.conns[0].fireState(webrtc.PeerConnectionStateConnecting)
	f.conns[0].fireState(webrtc.PeerConnectionStateConnected)
	if got := m.LinkStates()["bob"]; got != webrtc.PeerConnectionStateConnected {
		t.Fatalf("link state = %s, want connected", got)
	}

	mu.Lock()
	got := append([]webrtc.PeerConnectionState(nil), seen...)
	mu.Unlock()
	want := []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateConnected}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("state changes = %v, want %v", got, want)
	}

	m.Teardown("bob")
	if states := m.LinkStates(); len(states) != 0 {
		t.Fatalf("states after teardown = %v", states)
	}
}

func TestDisconnectGrace_ExpiryDropsPeer(t *testing.T) {
	lost := make(chan string, 1)
	m, f, met := newTestManager(20*time.Millisecond, Hooks{
		PeerLost: func(userID string) { lost <- userID },
	})

	if err := m.EnsureLink("bob"); err != nil {
		t.Fatalf("EnsureLink: %v", err)
	}
	f.conns[0].fireState(webrtc.PeerConnectionStateDisconnected)

	select {
	case userID := <-lost:
		if userID != "bob" {
			t.Fatalf("lost %q", userID)
		}
	case <-time.After(time.Second):
		t.Fatalf("grace expiry never fired")
	}
	if m.HasLink("bob") {
		t.Fatalf("link survived grace expiry")
	}
	if met.Get(metrics.PeerGraceExpired) != 1 {
		t.Fatalf("grace counter = %d", met.Get(metrics.PeerGraceExpired))
	}
}

func TestDisconnectGrace_RecoveryCancels(t *testing.T) {
	lost := make(chan string, 1)
	m, f, _ := newTestManager(30*time.Millisecond, Hooks{
		PeerLost: func(userID string) { lost <- userID },
	})

	if err := m.EnsureLink("bob"); err != nil {
		t.Fatalf("EnsureLink: %v", err)
	}
	f.conns[0].fireState(webrtc.PeerConnectionStateDisconnected)
	f.conns[0].fireState(webrtc.PeerConnectionStateConnected)

	select {
	case <-lost:
		t.Fatalf("peer declared lost after recovery")
	case <-time.After(100 * time.Millisecond):
	}
	if !m.HasLink("bob") {
		t.Fatalf("recovered link was dropped")
	}
}

func TestTeardownAll(t *testing.T) {
	m, f, _ := newTestManager(time.Second, Hooks{})
	_ = m.EnsureLink("bob")
	_ = m.EnsureLink("carol")

	m.TeardownAll()
	m.TeardownAll()

	if m.LinkCount() != 0 {
		t.Fatalf("links remain after TeardownAll")
	}
	for i, conn := range f.conns {
		if !conn.closed {
			t.Fatalf("conn %d not closed", i)
		}
	}
}
