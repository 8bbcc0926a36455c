package presence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/bus"
	"github.com/castlegate/arena/internal/obslog"
)

// Snapshot is one instance's contribution to the fleet counters.
type Snapshot struct {
	ServerID string `json:"server_id"`
	Online   int64  `json:"online"`
	Playing  int64  `json:"playing"`
	SentAt   int64  `json:"sent_at"` // unix millis
}

// FleetView is the merged, eventually consistent fleet picture. Staleness is
// bounded by the broadcast interval plus the stale window.
type FleetView struct {
	Online  int64
	Playing int64
	Servers int
}

type peerEntry struct {
	snap     Snapshot
	received time.Time
}

// Tracker keeps the local online/in-game counters and merges peer snapshots
// received over the bus. Local counters use atomics; registry and game engine
// call the Record hooks from many goroutines.
type Tracker struct {
	serverID string
	stale    time.Duration

	online  atomic.Int64
	playing atomic.Int64

	mu    sync.Mutex
	peers map[string]peerEntry

	now func() time.Time
}

func NewTracker(serverID string, stale time.Duration) *Tracker {
	if stale <= 0 {
		stale = 15 * time.Second
	}
	return &Tracker{
		serverID: serverID,
		stale:    stale,
		peers:    make(map[string]peerEntry),
		now:      time.Now,
	}
}

func (t *Tracker) ServerID() string { return t.serverID }

func (t *Tracker) RecordConnect()    { t.online.Add(1) }
func (t *Tracker) RecordDisconnect() { t.online.Add(-1) }

// RecordGameStart counts both players entering a game on this instance.
func (t *Tracker) RecordGameStart() { t.playing.Add(2) }
func (t *Tracker) RecordGameEnd()   { t.playing.Add(-2) }

// LocalSnapshot is what this instance broadcasts.
func (t *Tracker) LocalSnapshot() Snapshot {
	return Snapshot{
		ServerID: t.serverID,
		Online:   t.online.Load(),
		Playing:  t.playing.Load(),
		SentAt:   t.now().UnixMilli(),
	}
}

// Merge folds in a peer snapshot. Out-of-order frames (at-least-once bus, no
// cross-topic ordering) are dropped by timestamp; self snapshots are dropped
// by id so a looped-back frame can never double count.
func (t *Tracker) Merge(s Snapshot) {
	if s.ServerID == "" || s.ServerID == t.serverID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.peers[s.ServerID]; ok && prev.snap.SentAt >= s.SentAt {
		return
	}
	t.peers[s.ServerID] = peerEntry{snap: s, received: t.now()}
}

// FleetSnapshot merges local counters with every peer refreshed inside the
// staleness window. A silent peer contributes zero, never negative.
func (t *Tracker) FleetSnapshot() FleetView {
	view := FleetView{
		Online:  t.online.Load(),
		Playing: t.playing.Load(),
		Servers: 1,
	}
	cutoff := t.now().Add(-t.stale)
	t.mu.Lock()
	for id, p := range t.peers {
		if p.received.Before(cutoff) {
			delete(t.peers, id)
			continue
		}
		view.Online += maxInt64(p.snap.Online, 0)
		view.Playing += maxInt64(p.snap.Playing, 0)
		view.Servers++
	}
	t.mu.Unlock()
	return view
}

// Run broadcasts the local snapshot on a fixed interval and merges peer
// snapshots until ctx is done.
func (t *Tracker) Run(ctx context.Context, b *bus.Bus, interval time.Duration) error {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	cancel, err := b.Subscribe(bus.TopicPresence, func(_ string, payload []byte) {
		var s Snapshot
		if err := json.Unmarshal(payload, &s); err != nil {
			obslog.L().Warn("presence_bad_snapshot", zap.Error(err))
			return
		}
		t.Merge(s)
	})
	if err != nil {
		return err
	}
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.Publish(ctx, bus.TopicPresence, t.LocalSnapshot()); err != nil {
				obslog.L().Warn("presence_broadcast_error", zap.Error(err))
			}
		}
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
