// Package playback keeps bounded in-memory transition history per machine
// for step-through debugging. Recording while the cursor is rewound truncates
// the redo tail, the same way an editor's undo stack does.
package playback

import (
	"sync"
	"time"

	"github.com/pialmmh/statemachine/pkg/core"
)

// Entry is one recorded transition.
type Entry struct {
	Version     int64       `json:"version"`
	StateBefore string      `json:"stateBefore"`
	StateAfter  string      `json:"stateAfter"`
	EventType   string      `json:"eventType"`
	Payload     interface{} `json:"payload,omitempty"`
	ContextJSON string      `json:"contextJson,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// Statistics summarizes one machine's ring.
type Statistics struct {
	MachineID     string         `json:"machineId"`
	TotalEntries  int            `json:"totalEntries"`
	Cursor        int            `json:"cursor"`
	PerStateCount map[string]int `json:"perStateCount"`
	FirstRecorded int64          `json:"firstRecorded"`
	LastRecorded  int64          `json:"lastRecorded"`
}

// Ring is a bounded transition history with a replay cursor. The cursor sits
// on the entry last applied; -1 means before the first entry.
type Ring struct {
	machineID string
	max       int

	mu      sync.Mutex
	entries []Entry
	cursor  int
}

// NewRing creates a ring holding at most max entries (oldest dropped first).
func NewRing(machineID string, max int) *Ring {
	if max <= 0 {
		max = 1000
	}
	return &Ring{machineID: machineID, max: max, cursor: -1}
}

// Record appends an entry at the cursor, discarding any redo tail beyond it.
// When full, the oldest entry is dropped.
func (r *Ring) Record(e Entry) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries[:r.cursor+1], e)
	if len(r.entries) > r.max {
		drop := len(r.entries) - r.max
		r.entries = append([]Entry(nil), r.entries[drop:]...)
	}
	r.cursor = len(r.entries) - 1
}

// StepBackward moves the cursor one entry back and returns the entry it now
// rests on. Returns false at the beginning.
func (r *Ring) StepBackward() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor <= 0 {
		return Entry{}, false
	}
	r.cursor--
	return r.entries[r.cursor], true
}

// StepForward moves the cursor one entry ahead. Returns false at the end.
func (r *Ring) StepForward() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor >= len(r.entries)-1 {
		return Entry{}, false
	}
	r.cursor++
	return r.entries[r.cursor], true
}

// JumpTo places the cursor on the given index.
func (r *Ring) JumpTo(index int) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.entries) {
		return Entry{}, false
	}
	r.cursor = index
	return r.entries[index], true
}

// Current returns the entry under the cursor.
func (r *Ring) Current() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor < 0 || r.cursor >= len(r.entries) {
		return Entry{}, false
	}
	return r.entries[r.cursor], true
}

// Entries returns a copy of the recorded history.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Statistics computes per-state counts and timestamps over the ring.
func (r *Ring) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		MachineID:     r.machineID,
		TotalEntries:  len(r.entries),
		Cursor:        r.cursor,
		PerStateCount: make(map[string]int),
	}
	for _, e := range r.entries {
		stats.PerStateCount[e.StateAfter]++
	}
	if len(r.entries) > 0 {
		stats.FirstRecorded = r.entries[0].Timestamp
		stats.LastRecorded = r.entries[len(r.entries)-1].Timestamp
	}
	return stats
}

// export is the serialized form of a ring.
type export struct {
	MachineID string  `json:"machineId"`
	Max       int     `json:"max"`
	Cursor    int     `json:"cursor"`
	Entries   []Entry `json:"entries"`
}

// Export serializes the ring, cursor included, to JSON.
func (r *Ring) Export() ([]byte, error) {
	r.mu.Lock()
	snap := export{MachineID: r.machineID, Max: r.max, Cursor: r.cursor, Entries: append([]Entry(nil), r.entries...)}
	r.mu.Unlock()
	return core.JSONEncode(snap)
}

// ImportRing rebuilds a ring from an Export payload.
func ImportRing(data []byte) (*Ring, error) {
	var snap export
	if err := core.JSONDecode(data, &snap); err != nil {
		return nil, err
	}
	r := NewRing(snap.MachineID, snap.Max)
	r.entries = snap.Entries
	r.cursor = snap.Cursor
	if r.cursor >= len(r.entries) {
		r.cursor = len(r.entries) - 1
	}
	return r, nil
}
