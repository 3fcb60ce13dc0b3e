// Package negotiator drives the client side of a mesh call: one WebRTC
// peer connection per remote participant, with offer/answer exchange,
// glare handling, candidate buffering, in-place track replacement and
// periodic transport statistics.
package negotiator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Relay carries negotiation messages to one addressed peer. The signaling
// client satisfies it; tests substitute an in-process loopback.
type Relay interface {
	SendOffer(targetUserID, userName string, screenShare bool, offer webrtc.SessionDescription)
	SendAnswer(targetUserID, userName string, answer webrtc.SessionDescription)
	SendCandidate(targetUserID string, candidate webrtc.ICECandidateInit)
}

// StreamProfile describes the local outgoing stream. A profile change on
// track replacement triggers renegotiation with every connected peer.
type StreamProfile struct {
	ScreenShare bool
	Width       int
	Height      int
	FrameRate   float64
}

// Config wires a Negotiator to its surroundings. Relay and UserID are
// required; everything else has a usable zero value.
type Config struct {
	UserID     string
	UserName   string
	ICEServers []webrtc.ICEServer
	Relay      Relay

	// OnTrack fires when a remote track starts arriving. Runs on a pion
	// goroutine; the receiver must drain the track itself.
	OnTrack func(peerID string, track *webrtc.TrackRemote)

	// OnStats receives one sample per peer per statistics interval.
	OnStats func(peerID string, sample Stats)

	// OnPeerState observes lifecycle transitions, mainly for UI.
	OnPeerState func(peerID string, state State)

	StatsInterval time.Duration
	Logger        *slog.Logger
}

type Negotiator struct {
	cfg Config

	mu          sync.Mutex
	peers       map[string]*peerLink
	localTracks []webrtc.TrackLocal
	profile     StreamProfile

	stop      chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

func New(cfg Config) (*Negotiator, error) {
	if cfg.UserID == "" {
		return nil, errors.New("negotiator: user id is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("negotiator: relay is required")
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	n := &Negotiator{
		cfg:   cfg,
		peers: make(map[string]*peerLink),
		stop:  make(chan struct{}),
		log:   cfg.Logger,
	}
	go n.sampleLoop()
	return n, nil
}

// SetLocalTracks installs the initial outgoing tracks. Call before the
// first peer joins; later changes go through ReplaceLocalTracks.
func (n *Negotiator) SetLocalTracks(tracks []webrtc.TrackLocal, profile StreamProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.localTracks = tracks
	n.profile = profile
}

// HandlePeerJoined opens a connection to a newly announced peer and sends
// the initial offer. Existing connections are left alone.
func (n *Negotiator) HandlePeerJoined(userID, userName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.peers[userID]; ok {
		return nil
	}

	link, err := n.newLinkLocked(userID, userName)
	if err != nil {
		return err
	}
	n.peers[userID] = link

	return n.sendOfferLocked(link, StateOffering)
}

// HandleOffer applies a remote offer and answers it. On glare the impolite
// side discards the incoming offer and lets its own stand; the polite side
// abandons its own offer and answers on a rebuilt connection.
func (n *Negotiator) HandleOffer(callerID, callerName string, screenShare bool, offer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	link, ok := n.peers[callerID]
	if !ok {
		var err error
		link, err = n.newLinkLocked(callerID, callerName)
		if err != nil {
			return err
		}
		n.peers[callerID] = link
	}
	link.userName = callerName
	link.remoteScreenShare = screenShare

	if link.hasLocalOffer() {
		if !link.polite {
			n.log.Debug("glare: impolite side ignoring remote offer", "peer", callerID)
			return nil
		}
		// pion has no SDP rollback, so the outstanding offer is abandoned
		// by replacing the connection and answering on the fresh one.
		// Buffered remote candidates carry over; they belong to the remote
		// ICE session, not to the discarded local offer.
		n.log.Debug("glare: polite side abandoning local offer", "peer", callerID)
		pending := link.pending
		if err := link.pc.Close(); err != nil {
			n.log.Warn("closing glared connection failed", "peer", callerID, "error", err)
		}
		fresh, err := n.newLinkLocked(callerID, callerName)
		if err != nil {
			delete(n.peers, callerID)
			return fmt.Errorf("rebuild connection for %s: %w", callerID, err)
		}
		fresh.pending = pending
		fresh.remoteScreenShare = screenShare
		n.peers[callerID] = fresh
		link = fresh
	}

	n.setStateLocked(link, StateAnswering)

	if err := link.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply offer from %s: %w", callerID, err)
	}
	n.flushCandidatesLocked(link)

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", callerID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", callerID, err)
	}

	n.cfg.Relay.SendAnswer(callerID, n.cfg.UserName, answer)
	n.setStateLocked(link, StateConnected)
	return nil
}

// HandleAnswer completes an exchange this side initiated. An answer for an
// unknown peer or one without an outstanding offer is logged and dropped.
func (n *Negotiator) HandleAnswer(callerID string, answer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	link, ok := n.peers[callerID]
	if !ok {
		n.log.Warn("answer for unknown peer dropped", "peer", callerID)
		return nil
	}
	if !link.hasLocalOffer() {
		n.log.Warn("unexpected answer dropped", "peer", callerID, "state", link.state.String())
		return nil
	}

	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", callerID, err)
	}
	n.flushCandidatesLocked(link)
	n.setStateLocked(link, StateConnected)
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it when the
// remote description has not been applied yet.
func (n *Negotiator) HandleCandidate(callerID string, candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	link, ok := n.peers[callerID]
	if !ok {
		n.log.Debug("candidate for unknown peer dropped", "peer", callerID)
		return nil
	}

	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		return nil
	}
	if err := link.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", callerID, err)
	}
	return nil
}

// ReplaceLocalTracks swaps the outgoing tracks on every connection without
// tearing anything down. When the stream profile changed, or a connection
// needed new senders, that connection is renegotiated with a fresh offer.
func (n *Negotiator) ReplaceLocalTracks(tracks []webrtc.TrackLocal, profile StreamProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()

	profileChanged := profile != n.profile
	n.localTracks = tracks
	n.profile = profile

	byKind := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		byKind[t.Kind()] = t
	}

	for _, link := range n.peers {
		if link.state == StateClosed {
			continue
		}

		structural := false
		seen := make(map[webrtc.RTPCodecType]bool, len(link.senders))
		for _, sender := range link.senders {
			tr := sender.Track()
			if tr == nil {
				continue
			}
			seen[tr.Kind()] = true
			replacement, ok := byKind[tr.Kind()]
			if !ok {
				continue
			}
			if err := sender.ReplaceTrack(replacement); err != nil {
				n.log.Warn("track replacement failed", "peer", link.userID, "kind", tr.Kind().String(), "error", err)
			}
		}
		for kind, t := range byKind {
			if seen[kind] {
				continue
			}
			sender, err := link.pc.AddTrack(t)
			if err != nil {
				n.log.Warn("adding track failed", "peer", link.userID, "kind", kind.String(), "error", err)
				continue
			}
			link.senders = append(link.senders, sender)
			structural = true
		}

		if !profileChanged && !structural {
			continue
		}
		if link.state != StateConnected {
			continue
		}
		if err := n.sendOfferLocked(link, StateRenegotiating); err != nil {
			n.log.Warn("renegotiation failed", "peer", link.userID, "error", err)
		}
	}
}

// HandlePeerLeft tears down the connection for a departed peer along with
// its buffered candidates and counters.
func (n *Negotiator) HandlePeerLeft(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	link, ok := n.peers[userID]
	if !ok {
		return
	}
	n.closeLinkLocked(link)
	delete(n.peers, userID)
}

// Peers returns the ids of peers with a live connection record.
func (n *Negotiator) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// PeerState reports the lifecycle state for one peer.
func (n *Negotiator) PeerState(userID string) (State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	link, ok := n.peers[userID]
	if !ok {
		return StateClosed, false
	}
	return link.state, true
}

// Close stops the statistics sampler and closes every peer connection.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		close(n.stop)
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, link := range n.peers {
		n.closeLinkLocked(link)
		delete(n.peers, id)
	}
}

func (n *Negotiator) newLinkLocked(userID, userName string) (*peerLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: n.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", userID, err)
	}

	link := &peerLink{
		userID:   userID,
		userName: userName,
		polite:   n.cfg.UserID < userID,
		state:    StateIdle,
		pc:       pc,
	}

	for _, t := range n.localTracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach local track for %s: %w", userID, err)
		}
		link.senders = append(link.senders, sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.cfg.Relay.SendCandidate(userID, c.ToJSON())
	})

	if n.cfg.OnTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			n.cfg.OnTrack(userID, track)
		})
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.log.Debug("peer connection state", "peer", userID, "state", s.String())
	})

	return link, nil
}

// sendOfferLocked creates and relays an offer, leaving the link awaiting
// the answer. offeringState is the transient state shown while the offer
// is being produced.
func (n *Negotiator) sendOfferLocked(link *peerLink, offeringState State) error {
	n.setStateLocked(link, offeringState)

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", link.userID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", link.userID, err)
	}

	n.cfg.Relay.SendOffer(link.userID, n.cfg.UserName, n.profile.ScreenShare, offer)
	n.setStateLocked(link, StateAwaitingAnswer)
	return nil
}

func (n *Negotiator) flushCandidatesLocked(link *peerLink) {
	link.remoteSet = true
	for _, c := range link.pending {
		if err := link.pc.AddICECandidate(c); err != nil {
			n.log.Warn("buffered candidate rejected", "peer", link.userID, "error", err)
		}
	}
	link.pending = nil
}

func (n *Negotiator) closeLinkLocked(link *peerLink) {
	if err := link.pc.Close(); err != nil {
		n.log.Warn("closing peer connection failed", "peer", link.userID, "error", err)
	}
	link.pending = nil
	n.setStateLocked(link, StateClosed)
}

func (n *Negotiator) setStateLocked(link *peerLink, s State) {
	if link.state == s {
		return
	}
	link.state = s
	if n.cfg.OnPeerState != nil {
		n.cfg.OnPeerState(link.userID, s)
	}
}
