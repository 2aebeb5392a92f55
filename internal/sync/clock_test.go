// ABOUTME: Tests for clock offset estimation
// ABOUTME: Round-trip math, RTT gating, drift extrapolation, quality aging
package sync

import (
	"testing"
	"time"
)

func TestInitialSample(t *testing.T) {
	cs := NewClockSync()

	if _, quality := cs.GetStats(); quality != QualityLost {
		t.Fatalf("expected lost quality before any sample, got %v", quality)
	}

	// Server runs 500ms ahead; 20ms symmetric round trip.
	base := time.Now().UnixMicro()
	t1 := base
	t2 := base + 500000 + 10000
	t3 := t2 // no server processing delay
	t4 := base + 20000
	cs.ProcessSyncResponse(t1, t2, t3, t4)

	offset := cs.Offset()
	if offset < 499*time.Millisecond || offset > 501*time.Millisecond {
		t.Errorf("expected ~500ms offset, got %v", offset)
	}

	rtt, quality := cs.GetStats()
	if rtt != 20000 {
		t.Errorf("expected 20000us rtt, got %d", rtt)
	}
	if quality != QualityGood {
		t.Errorf("expected good quality, got %v", quality)
	}
}

func TestHighRTTSampleDiscarded(t *testing.T) {
	cs := NewClockSync()

	base := time.Now().UnixMicro()
	cs.ProcessSyncResponse(base, base+500000+10000, base+500000+10000, base+20000)

	// A congested round trip: 200ms RTT with a wildly different offset.
	t1 := base + 1000000
	cs.ProcessSyncResponse(t1, t1+900000+100000, t1+900000+100000, t1+200000)

	offset := cs.Offset()
	if offset < 499*time.Millisecond || offset > 501*time.Millisecond {
		t.Errorf("high-RTT sample must not move the estimate, got %v", offset)
	}
	if rtt, _ := cs.GetStats(); rtt != 200000 {
		t.Errorf("stats still report the last rtt, got %d", rtt)
	}
}

func TestStableOffsetAcrossSamples(t *testing.T) {
	cs := NewClockSync()

	base := time.Now().UnixMicro()
	for i := int64(0); i < 5; i++ {
		t1 := base + i*100000
		cs.ProcessSyncResponse(t1, t1+500000+5000, t1+500000+5000, t1+10000)
	}

	offset := cs.Offset()
	if offset < 498*time.Millisecond || offset > 502*time.Millisecond {
		t.Errorf("constant offset should converge to ~500ms, got %v", offset)
	}
}

func TestServerToLocalTime(t *testing.T) {
	cs := NewClockSync()

	base := time.Now().UnixMicro()
	cs.ProcessSyncResponse(base, base+500000+10000, base+500000+10000, base+20000)

	server := base + 1000000
	local := cs.ServerToLocalTime(server)
	want := time.UnixMicro(server - 500000)
	if diff := local.Sub(want); diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("expected %v, got %v", want, local)
	}
}

func TestQualityAgesOut(t *testing.T) {
	cs := NewClockSync()

	base := time.Now().UnixMicro()
	cs.ProcessSyncResponse(base, base+10000, base+10000, base+20000)

	cs.mu.Lock()
	cs.lastSync = time.Now().Add(-11 * time.Second)
	cs.mu.Unlock()

	if _, quality := cs.GetStats(); quality != QualityDegraded {
		t.Errorf("expected degraded quality after a stale sync, got %v", quality)
	}
}

func TestNonMonotonicSampleDiscarded(t *testing.T) {
	cs := NewClockSync()

	base := time.Now().UnixMicro()
	cs.ProcessSyncResponse(base, base+500000+5000, base+500000+5000, base+10000)
	cs.ProcessSyncResponse(base+100000, base+600000+5000, base+600000+5000, base+110000)

	// t4 earlier than the previous sample's must be ignored.
	cs.ProcessSyncResponse(base-500000, base+400000, base+400000, base-490000)

	offset := cs.Offset()
	if offset < 495*time.Millisecond || offset > 505*time.Millisecond {
		t.Errorf("non-monotonic sample must not move the estimate, got %v", offset)
	}
}
