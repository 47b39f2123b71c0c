package collab

import (
	"sync"
	"time"
)

const (
	// DefaultThreadWindow is the number of recent questions kept per ordered
	// agent pair.
	DefaultThreadWindow = 10
	// DefaultSimilarityThreshold flags a question as a repeat of a prior one.
	DefaultSimilarityThreshold = 0.85
	// DefaultRepeatLimit is how many near-duplicate priors within the window
	// constitute a deadlock.
	DefaultRepeatLimit = 2
)

// Exchange is one question/response hop between two agents.
type Exchange struct {
	ID        string    `json:"id"`
	Requester string    `json:"requester_agent"`
	Target    string    `json:"target_agent"`
	Question  string    `json:"question"`
	Response  string    `json:"response,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// thread holds the bounded question history for one ordered agent pair.
// Single-writer per key: the tracker locks per-thread, so unrelated pairs
// never contend.
type thread struct {
	mu         sync.Mutex
	questions  []string
	window     int
	blocked    bool
	lastActive time.Time
}

// Tracker detects semantic question loops per ordered agent pair.
type Tracker struct {
	window      int
	threshold   float64
	repeatLimit int
	threads     sync.Map // map[pairKey]*thread
}

// NewTracker creates a tracker; non-positive arguments fall back to defaults.
func NewTracker(window int, threshold float64, repeatLimit int) *Tracker {
	if window <= 0 {
		window = DefaultThreadWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	if repeatLimit <= 0 {
		repeatLimit = DefaultRepeatLimit
	}
	return &Tracker{window: window, threshold: threshold, repeatLimit: repeatLimit}
}

func pairKey(requester, target string) string {
	return requester + "->" + target
}

func (t *Tracker) thread(requester, target string) *thread {
	key := pairKey(requester, target)
	if v, ok := t.threads.Load(key); ok {
		return v.(*thread)
	}
	v, _ := t.threads.LoadOrStore(key, &thread{window: t.window})
	return v.(*thread)
}

// RecordQuestion appends a question to the pair's thread and returns true when
// the pair has deadlocked: the new question is similar (>= threshold) to at
// least repeatLimit prior questions within the window. Once deadlocked the
// pair stays blocked until Unblock is called.
func (t *Tracker) RecordQuestion(requester, target, question string) bool {
	th := t.thread(requester, target)
	th.mu.Lock()
	defer th.mu.Unlock()
	th.lastActive = time.Now()

	if th.blocked {
		return true
	}

	repeats := 0
	for _, prior := range th.questions {
		if Similarity(question, prior) >= t.threshold {
			repeats++
		}
	}

	th.questions = append(th.questions, question)
	if len(th.questions) > th.window {
		th.questions = th.questions[1:]
	}

	if repeats >= t.repeatLimit {
		th.blocked = true
		return true
	}
	return false
}

// Blocked reports whether the ordered pair is currently deadlocked.
func (t *Tracker) Blocked(requester, target string) bool {
	v, ok := t.threads.Load(pairKey(requester, target))
	if !ok {
		return false
	}
	th := v.(*thread)
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.blocked
}

// Unblock clears the deadlock flag and history for the pair, typically after
// a human resolves the collaboration_deadlock gate.
func (t *Tracker) Unblock(requester, target string) {
	v, ok := t.threads.Load(pairKey(requester, target))
	if !ok {
		return
	}
	th := v.(*thread)
	th.mu.Lock()
	defer th.mu.Unlock()
	th.blocked = false
	th.questions = nil
	th.lastActive = time.Now()
}

// Sweep drops threads inactive longer than maxIdle. Safe to run out-of-band:
// each thread carries its own lock.
func (t *Tracker) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	t.threads.Range(func(key, value any) bool {
		th := value.(*thread)
		th.mu.Lock()
		stale := th.lastActive.Before(cutoff)
		th.mu.Unlock()
		if stale {
			t.threads.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
