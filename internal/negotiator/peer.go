package negotiator

import (
	"github.com/pion/webrtc/v4"
)

// State is the negotiation lifecycle of a single remote peer.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerLink is the per-peer connection record. All fields are guarded by the
// negotiator mutex; the stats sampler only touches pc (pion-internal
// locking) and counters.
type peerLink struct {
	userID   string
	userName string

	// The polite side yields its own offer on glare. Assigned
	// deterministically so both ends agree without coordination.
	polite bool

	state State
	pc    *webrtc.PeerConnection

	senders []*webrtc.RTPSender

	// Last screen-share flag announced by the remote side.
	remoteScreenShare bool

	// Remote candidates that arrived before the remote description.
	// Applied in arrival order once it lands.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	counters inboundCounters
}

// hasLocalOffer reports whether the link is mid-offer, the collision window
// for glare.
func (l *peerLink) hasLocalOffer() bool {
	return l.state == StateOffering || l.state == StateAwaitingAnswer ||
		l.state == StateRenegotiating
}
