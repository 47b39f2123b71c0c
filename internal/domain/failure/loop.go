package failure

import (
	"sync"
	"time"
)

// DefaultWindow is the number of consecutive identical failures that
// constitutes a loop.
const DefaultWindow = 3

// window is the per-task bounded failure history. FIFO eviction: the oldest
// entry is dropped on overflow, never the whole window.
type window struct {
	mu         sync.Mutex
	entries    []Signature
	cap        int
	external   int
	triggered  bool
	lastActive time.Time
}

// LoopDetector tracks recent failure signatures per task and reports when an
// agent is stuck repeating an identical failure. All operations are O(1) and
// touch no network or disk.
type LoopDetector struct {
	cap     int
	windows sync.Map // map[taskID]*window
}

// NewLoopDetector creates a detector with the given window capacity.
// Capacity <= 0 falls back to DefaultWindow.
func NewLoopDetector(capacity int) *LoopDetector {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &LoopDetector{cap: capacity}
}

func (d *LoopDetector) win(taskID string) *window {
	if v, ok := d.windows.Load(taskID); ok {
		return v.(*window)
	}
	v, _ := d.windows.LoadOrStore(taskID, &window{cap: d.cap})
	return v.(*window)
}

// RecordFailure appends a signature to the task's window and returns true iff
// the window is full and every entry is byte-identical on ExactMessage.
// External failures are tracked in a separate bucket and never count toward
// the loop threshold: they are expected to be transient.
func (d *LoopDetector) RecordFailure(taskID string, sig Signature) bool {
	w := d.win(taskID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActive = time.Now()

	if sig.Class == ClassExternal {
		w.external++
		return false
	}

	w.entries = append(w.entries, sig)
	if len(w.entries) > w.cap {
		w.entries = w.entries[1:]
	}
	if len(w.entries) < w.cap {
		return false
	}
	first := w.entries[0]
	for _, e := range w.entries[1:] {
		if !e.Identical(first) {
			return false
		}
	}
	w.triggered = true
	return true
}

// RecordSuccess clears the task's failure window entirely. No partial credit:
// a later identical failure starts from an empty window.
func (d *LoopDetector) RecordSuccess(taskID string) {
	w := d.win(taskID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
	w.external = 0
	w.triggered = false
	w.lastActive = time.Now()
}

// Reset removes all state for the task.
func (d *LoopDetector) Reset(taskID string) {
	d.windows.Delete(taskID)
}

// Triggered reports whether a loop has been flagged for the task.
func (d *LoopDetector) Triggered(taskID string) bool {
	v, ok := d.windows.Load(taskID)
	if !ok {
		return false
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggered
}

// ExternalCount returns how many external failures the task has accumulated
// since the last success. Used by the engine's transient-retry budget.
func (d *LoopDetector) ExternalCount(taskID string) int {
	v, ok := d.windows.Load(taskID)
	if !ok {
		return 0
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.external
}

// Sweep drops windows that have been inactive longer than maxIdle.
// Runs out-of-band; per-window locking keeps it safe against active workers.
func (d *LoopDetector) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	d.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		stale := w.lastActive.Before(cutoff)
		w.mu.Unlock()
		if stale {
			d.windows.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
