package negotiator

import (
	"math"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestReduceStatsComputesWindowDeltas(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	prev := inboundCounters{
		packetsLost:     10,
		packetsReceived: 90,
		framesDecoded:   60,
		at:              now.Add(-2 * time.Second),
	}

	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:            true,
			CurrentRoundTripTime: 0.05,
		},
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			Jitter:          0.012,
			PacketsLost:     60,
			PacketsReceived: 140,
			FramesDecoded:   120,
		},
		"inbound-audio": webrtc.InboundRTPStreamStats{
			Kind:            "audio",
			Jitter:          0.5,
			PacketsLost:     1000,
			PacketsReceived: 1000,
		},
	}

	sample, next := reduceStats(report, prev, now)

	if sample.RTTMillis != 50 {
		t.Fatalf("expected 50ms rtt, got %v", sample.RTTMillis)
	}
	if sample.Jitter != 0.012 {
		t.Fatalf("audio stream must not override video jitter, got %v", sample.Jitter)
	}

	// Window: 50 lost out of 100 total.
	if sample.LossPercent != 50 {
		t.Fatalf("expected 50%% window loss, got %v", sample.LossPercent)
	}
	if sample.PacketsLost != 60 || sample.PacketsReceived != 140 {
		t.Fatalf("cumulative counters should pass through, got %d/%d", sample.PacketsLost, sample.PacketsReceived)
	}

	// 60 frames over 2 seconds.
	if math.Abs(sample.FrameRate-30) > 0.001 {
		t.Fatalf("expected 30fps, got %v", sample.FrameRate)
	}

	if next.packetsLost != 60 || next.packetsReceived != 140 || next.framesDecoded != 120 {
		t.Fatalf("carried counters wrong: %+v", next)
	}
	if !next.at.Equal(now) {
		t.Fatalf("carried timestamp wrong: %v", next.at)
	}
}

func TestReduceStatsFirstSampleHasNoRates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	report := webrtc.StatsReport{
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			PacketsLost:     5,
			PacketsReceived: 95,
			FramesDecoded:   30,
		},
	}

	sample, next := reduceStats(report, inboundCounters{}, now)

	// No previous window, so the delta equals the lifetime counters.
	if sample.LossPercent != 5 {
		t.Fatalf("expected 5%% loss on first window, got %v", sample.LossPercent)
	}
	if sample.FrameRate != 0 {
		t.Fatalf("frame rate needs a previous sample, got %v", sample.FrameRate)
	}
	if next.framesDecoded != 30 {
		t.Fatalf("counters not carried: %+v", next)
	}
}

func TestReduceStatsIgnoresFailedCandidatePairs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	report := webrtc.StatsReport{
		"pair-failed": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateFailed,
			CurrentRoundTripTime: 9.9,
		},
	}

	sample, _ := reduceStats(report, inboundCounters{}, now)
	if sample.RTTMillis != 0 {
		t.Fatalf("failed pair must not contribute rtt, got %v", sample.RTTMillis)
	}
}

func TestReduceStatsEmptyWindowHasZeroLoss(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	prev := inboundCounters{packetsLost: 60, packetsReceived: 140, at: now.Add(-2 * time.Second)}
	report := webrtc.StatsReport{
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			PacketsLost:     60,
			PacketsReceived: 140,
		},
	}

	sample, _ := reduceStats(report, prev, now)
	if sample.LossPercent != 0 {
		t.Fatalf("no traffic in the window should read as 0%% loss, got %v", sample.LossPercent)
	}
}
