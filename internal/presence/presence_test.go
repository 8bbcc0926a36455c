package presence

import (
	"testing"
	"time"
)

func TestLocalCounters(t *testing.T) {
	tr := NewTracker("s1", time.Minute)
	tr.RecordConnect()
	tr.RecordConnect()
	tr.RecordGameStart()
	tr.RecordDisconnect()

	snap := tr.LocalSnapshot()
	if snap.Online != 1 {
		t.Fatalf("online = %d, want 1", snap.Online)
	}
	if snap.Playing != 2 {
		t.Fatalf("playing = %d, want 2", snap.Playing)
	}
	tr.RecordGameEnd()
	if got := tr.LocalSnapshot().Playing; got != 0 {
		t.Fatalf("playing after game end = %d, want 0", got)
	}
}

func TestFleetMergeSumsPeers(t *testing.T) {
	tr := NewTracker("s1", time.Minute)
	tr.RecordConnect()

	tr.Merge(Snapshot{ServerID: "s2", Online: 10, Playing: 4, SentAt: 100})
	tr.Merge(Snapshot{ServerID: "s3", Online: 5, Playing: 2, SentAt: 100})

	v := tr.FleetSnapshot()
	if v.Online != 16 || v.Playing != 6 || v.Servers != 3 {
		t.Fatalf("fleet view = %+v", v)
	}
}

func TestMergeIgnoresSelfAndStaleFrames(t *testing.T) {
	tr := NewTracker("s1", time.Minute)

	tr.Merge(Snapshot{ServerID: "s1", Online: 99, SentAt: 100})
	if v := tr.FleetSnapshot(); v.Online != 0 {
		t.Fatalf("self snapshot counted: %+v", v)
	}

	tr.Merge(Snapshot{ServerID: "s2", Online: 10, SentAt: 200})
	tr.Merge(Snapshot{ServerID: "s2", Online: 50, SentAt: 150}) // out of order
	if v := tr.FleetSnapshot(); v.Online != 10 {
		t.Fatalf("stale frame applied: %+v", v)
	}
}

func TestSilentPeerExpires(t *testing.T) {
	tr := NewTracker("s1", 10*time.Second)
	base := time.Unix(1000, 0)
	tr.now = func() time.Time { return base }

	tr.Merge(Snapshot{ServerID: "s2", Online: 10, Playing: 2, SentAt: base.UnixMilli()})
	if v := tr.FleetSnapshot(); v.Online != 10 {
		t.Fatalf("fresh peer not counted: %+v", v)
	}

	// Peer goes silent past the staleness window: contributes zero, never
	// negative, and drops out of the server count.
	tr.now = func() time.Time { return base.Add(11 * time.Second) }
	v := tr.FleetSnapshot()
	if v.Online != 0 || v.Playing != 0 || v.Servers != 1 {
		t.Fatalf("silent peer still counted: %+v", v)
	}
}

func TestNegativePeerCountsClamped(t *testing.T) {
	tr := NewTracker("s1", time.Minute)
	tr.Merge(Snapshot{ServerID: "s2", Online: -5, Playing: -2, SentAt: 100})
	v := tr.FleetSnapshot()
	if v.Online != 0 || v.Playing != 0 {
		t.Fatalf("negative peer counts not clamped: %+v", v)
	}
}
