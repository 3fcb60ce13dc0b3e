package negotiator

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Stats is one transport health sample for a single peer. LossPercent is
// computed from the delta of cumulative counters between consecutive
// samples, so it reflects the last window rather than the whole call.
type Stats struct {
	At time.Time

	RTTMillis float64
	Jitter    float64

	PacketsLost     int64
	PacketsReceived uint64
	LossPercent     float64

	FramesDecoded uint64
	FrameRate     float64
}

// inboundCounters is the cumulative-counter snapshot carried between
// samples to produce per-window deltas.
type inboundCounters struct {
	packetsLost     int64
	packetsReceived uint64
	framesDecoded   uint64
	at              time.Time
}

func (n *Negotiator) sampleLoop() {
	ticker := time.NewTicker(n.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.sampleOnce()
		case <-n.stop:
			return
		}
	}
}

func (n *Negotiator) sampleOnce() {
	type probe struct {
		id   string
		pc   *webrtc.PeerConnection
		prev inboundCounters
	}

	n.mu.Lock()
	probes := make([]probe, 0, len(n.peers))
	for id, link := range n.peers {
		if link.state == StateClosed {
			continue
		}
		probes = append(probes, probe{id: id, pc: link.pc, prev: link.counters})
	}
	n.mu.Unlock()

	now := time.Now()
	for _, p := range probes {
		sample, next := reduceStats(p.pc.GetStats(), p.prev, now)

		n.mu.Lock()
		if link, ok := n.peers[p.id]; ok {
			link.counters = next
		}
		n.mu.Unlock()

		if n.cfg.OnStats != nil {
			n.cfg.OnStats(p.id, sample)
		}
	}
}

// reduceStats folds a raw stats report into one sample. Round-trip time
// comes from the succeeded candidate pair, jitter and packet counters from
// the inbound video stream. Frame rate and loss percentage are per-window
// deltas against prev.
func reduceStats(report webrtc.StatsReport, prev inboundCounters, now time.Time) (Stats, inboundCounters) {
	sample := Stats{At: now}

	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.ICECandidatePairStats:
			if stat.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			rtt := stat.CurrentRoundTripTime * 1000
			if stat.Nominated || sample.RTTMillis == 0 {
				sample.RTTMillis = rtt
			}

		case webrtc.InboundRTPStreamStats:
			if stat.Kind != "video" {
				continue
			}
			sample.Jitter = stat.Jitter
			sample.PacketsLost = int64(stat.PacketsLost)
			sample.PacketsReceived = uint64(stat.PacketsReceived)
			sample.FramesDecoded = uint64(stat.FramesDecoded)
		}
	}

	deltaLost := sample.PacketsLost - prev.packetsLost
	deltaRecv := int64(sample.PacketsReceived) - int64(prev.packetsReceived)
	if deltaLost < 0 {
		deltaLost = 0
	}
	if deltaRecv < 0 {
		deltaRecv = 0
	}
	if total := deltaLost + deltaRecv; total > 0 {
		sample.LossPercent = 100 * float64(deltaLost) / float64(total)
	}

	if !prev.at.IsZero() {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			deltaFrames := int64(sample.FramesDecoded) - int64(prev.framesDecoded)
			if deltaFrames > 0 {
				sample.FrameRate = float64(deltaFrames) / elapsed
			}
		}
	}

	next := inboundCounters{
		packetsLost:     sample.PacketsLost,
		packetsReceived: sample.PacketsReceived,
		framesDecoded:   sample.FramesDecoded,
		at:              now,
	}
	return sample, next
}
