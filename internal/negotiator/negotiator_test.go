package negotiator

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type sentOffer struct {
	target      string
	screenShare bool
	sdp         webrtc.SessionDescription
}

type sentAnswer struct {
	target string
	sdp    webrtc.SessionDescription
}

// recordingRelay captures outbound signals without delivering them.
type recordingRelay struct {
	mu      sync.Mutex
	offers  []sentOffer
	answers []sentAnswer
}

func (r *recordingRelay) SendOffer(target, _ string, screenShare bool, offer webrtc.SessionDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, sentOffer{target: target, screenShare: screenShare, sdp: offer})
}

func (r *recordingRelay) SendAnswer(target, _ string, answer webrtc.SessionDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, sentAnswer{target: target, sdp: answer})
}

func (r *recordingRelay) SendCandidate(string, webrtc.ICECandidateInit) {}

func (r *recordingRelay) offerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}

func (r *recordingRelay) answerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.answers)
}

func (r *recordingRelay) lastOffer() sentOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offers[len(r.offers)-1]
}

func newTestNegotiator(t *testing.T, userID string, relay Relay) *Negotiator {
	t.Helper()
	n, err := New(Config{
		UserID:        userID,
		UserName:      userID,
		Relay:         relay,
		StatsInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("negotiator init failed: %v", err)
	}
	t.Cleanup(n.Close)
	return n
}

func newVideoTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatalf("create track failed: %v", err)
	}
	return track
}

// remoteOffer builds a real offer from a throwaway peer connection, standing
// in for a remote party.
func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("create remote pc failed: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("add transceiver failed: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create remote offer failed: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set remote local description failed: %v", err)
	}
	return offer
}

// remoteAnswerTo answers an offer from a throwaway peer connection.
func remoteAnswerTo(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("create remote pc failed: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if err := pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("remote apply offer failed: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote create answer failed: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote set answer failed: %v", err)
	}
	return answer
}

func TestPoliteRoleIsDeterministic(t *testing.T) {
	relay := &recordingRelay{}

	alice := newTestNegotiator(t, "alice", relay)
	if err := alice.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}
	if !alice.peers["bob"].polite {
		t.Fatalf("alice should be polite toward bob")
	}

	zed := newTestNegotiator(t, "zed", relay)
	if err := zed.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}
	if zed.peers["bob"].polite {
		t.Fatalf("zed should be impolite toward bob")
	}
}

func TestPeerJoinedSendsOffer(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)
	n.SetLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}

	if relay.offerCount() != 1 {
		t.Fatalf("expected 1 offer, got %d", relay.offerCount())
	}
	if got := relay.lastOffer().target; got != "bob" {
		t.Fatalf("offer should address bob, got %s", got)
	}
	if state, _ := n.PeerState("bob"); state != StateAwaitingAnswer {
		t.Fatalf("expected awaiting-answer, got %s", state)
	}

	// A duplicate announcement must not spawn a second connection.
	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("repeat peer joined failed: %v", err)
	}
	if relay.offerCount() != 1 {
		t.Fatalf("duplicate announcement produced another offer")
	}
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)
	n.SetLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}

	answer := remoteAnswerTo(t, relay.lastOffer().sdp)
	if err := n.HandleAnswer("bob", answer); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}
	if state, _ := n.PeerState("bob"); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)
	n.SetLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706433 127.0.0.1 54321 typ host",
	}
	if err := n.HandleCandidate("bob", candidate); err != nil {
		t.Fatalf("handle candidate failed: %v", err)
	}
	if got := len(n.peers["bob"].pending); got != 1 {
		t.Fatalf("candidate should be buffered, pending=%d", got)
	}

	answer := remoteAnswerTo(t, relay.lastOffer().sdp)
	if err := n.HandleAnswer("bob", answer); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}
	link := n.peers["bob"]
	if len(link.pending) != 0 {
		t.Fatalf("buffered candidates should be flushed, pending=%d", len(link.pending))
	}
	if !link.remoteSet {
		t.Fatalf("remote description flag should be set")
	}
}

func TestCandidateForUnknownPeerIsDropped(t *testing.T) {
	n := newTestNegotiator(t, "alice", &recordingRelay{})
	err := n.HandleCandidate("ghost", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 1 typ host"})
	if err != nil {
		t.Fatalf("unknown peer candidate should be a silent drop, got %v", err)
	}
}

func TestGlareImpoliteSideIgnoresOffer(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "zed", relay)
	n.SetLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}

	if err := n.HandleOffer("bob", "Bob", false, remoteOffer(t)); err != nil {
		t.Fatalf("glare offer should be ignored without error, got %v", err)
	}
	if relay.answerCount() != 0 {
		t.Fatalf("impolite side must not answer during glare")
	}
	if state, _ := n.PeerState("bob"); state != StateAwaitingAnswer {
		t.Fatalf("impolite side should keep its own offer, got %s", state)
	}
}

func TestGlarePoliteSideYieldsAndAnswers(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)
	n.SetLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}
	glared := n.peers["bob"].pc

	// A candidate buffered before the collision must survive it.
	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706433 127.0.0.1 54321 typ host",
	}
	if err := n.HandleCandidate("bob", candidate); err != nil {
		t.Fatalf("handle candidate failed: %v", err)
	}

	if err := n.HandleOffer("bob", "Bob", true, remoteOffer(t)); err != nil {
		t.Fatalf("polite side should accept the remote offer: %v", err)
	}
	if relay.answerCount() != 1 {
		t.Fatalf("polite side should answer, got %d answers", relay.answerCount())
	}

	link := n.peers["bob"]
	if state, _ := n.PeerState("bob"); state != StateConnected {
		t.Fatalf("expected connected after yielding, got %s", state)
	}
	if link.pc == glared {
		t.Fatalf("yielding should replace the glared connection")
	}
	if glared.SignalingState() != webrtc.SignalingStateClosed {
		t.Fatalf("glared connection should be closed, got %s", glared.SignalingState())
	}
	if len(link.pending) != 0 || !link.remoteSet {
		t.Fatalf("buffered candidate should be flushed on the new connection, pending=%d remoteSet=%v",
			len(link.pending), link.remoteSet)
	}
	if !link.remoteScreenShare {
		t.Fatalf("screen-share flag from the winning offer should be recorded")
	}
}

func TestIncomingOfferIsAnswered(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "bob", relay)

	if err := n.HandleOffer("alice", "Alice", true, remoteOffer(t)); err != nil {
		t.Fatalf("handle offer failed: %v", err)
	}
	if relay.answerCount() != 1 {
		t.Fatalf("expected 1 answer, got %d", relay.answerCount())
	}
	if state, _ := n.PeerState("alice"); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
	if !n.peers["alice"].remoteScreenShare {
		t.Fatalf("screen-share flag from the offer should be recorded")
	}
}

func TestAnswerWithoutOfferIsDropped(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if err := n.HandleAnswer("ghost", answer); err != nil {
		t.Fatalf("answer for unknown peer should be a logged no-op, got %v", err)
	}
}

func TestProfileChangeTriggersSingleRenegotiation(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)
	track := newVideoTrack(t)
	n.SetLocalTracks([]webrtc.TrackLocal{track}, StreamProfile{Width: 1280, Height: 720})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}
	answer := remoteAnswerTo(t, relay.lastOffer().sdp)
	if err := n.HandleAnswer("bob", answer); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}

	// Same profile, same tracks: no renegotiation.
	n.ReplaceLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{Width: 1280, Height: 720})
	if relay.offerCount() != 1 {
		t.Fatalf("unchanged profile must not renegotiate, got %d offers", relay.offerCount())
	}

	// Switching to screen share renegotiates once with the new flag.
	n.ReplaceLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{ScreenShare: true, Width: 1920, Height: 1080})
	if relay.offerCount() != 2 {
		t.Fatalf("expected exactly one renegotiation offer, got %d total", relay.offerCount())
	}
	if !relay.lastOffer().screenShare {
		t.Fatalf("renegotiation offer should carry the screen-share flag")
	}
}

func TestPeerLeftDiscardsConnection(t *testing.T) {
	relay := &recordingRelay{}
	n := newTestNegotiator(t, "alice", relay)
	n.SetLocalTracks([]webrtc.TrackLocal{newVideoTrack(t)}, StreamProfile{})

	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("peer joined failed: %v", err)
	}
	n.HandlePeerLeft("bob")

	if _, ok := n.PeerState("bob"); ok {
		t.Fatalf("departed peer should be removed")
	}
	if len(n.Peers()) != 0 {
		t.Fatalf("peer set should be empty")
	}

	// A rejoin of the same user starts from scratch.
	if err := n.HandlePeerJoined("bob", "Bob"); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if state, _ := n.PeerState("bob"); state != StateAwaitingAnswer {
		t.Fatalf("rejoin should produce a fresh offer, got %s", state)
	}
}
