package game

import (
	"container/heap"
	"time"
)

// deadlineEntry marks a moment a game may need clock attention. Entries are
// never removed eagerly; a popped entry is re-checked against live session
// state, so stale entries cost one lookup and nothing else.
type deadlineEntry struct {
	gameID string
	at     time.Time
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// schedule pushes a deadline. Callers hold the engine mutex.
func (e *Engine) schedule(gameID string, at time.Time) {
	heap.Push(&e.deadlines, deadlineEntry{gameID: gameID, at: at})
}

// dueGames pops every entry at or before now and returns the distinct game
// ids. Callers hold the engine mutex.
func (e *Engine) dueGames(now time.Time) []string {
	var ids []string
	seen := make(map[string]bool)
	for e.deadlines.Len() > 0 && !e.deadlines[0].at.After(now) {
		entry := heap.Pop(&e.deadlines).(deadlineEntry)
		if !seen[entry.gameID] {
			seen[entry.gameID] = true
			ids = append(ids, entry.gameID)
		}
	}
	return ids
}
