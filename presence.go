package campusmatch

import (
	"sync"
	"time"
)

// typingClearTimeout guards against a lost stop-typing event leaving the
// indicator stuck. Fixed, not configurable per message.
const typingClearTimeout = 4 * time.Second

// ============================================================================
// TypingTracker
// ============================================================================

// TypingTracker holds the ephemeral typing state of one conversation: the
// remote participant's indicator with an auto-clear timeout, and the local
// transition latch that bounds outbound typing traffic to state changes.
// Nothing here persists past the conversation session.
type TypingTracker struct {
	mu          sync.Mutex
	remote      bool
	clearTimer  *time.Timer
	clearGen    uint64
	localTyping bool
	timeout     time.Duration
	stopped     bool
}

// NewTypingTracker creates a tracker with the standard auto-clear timeout.
func NewTypingTracker() *TypingTracker {
	return newTypingTracker(typingClearTimeout)
}

func newTypingTracker(timeout time.Duration) *TypingTracker {
	return &TypingTracker{timeout: timeout}
}

// SetRemoteTyping records the remote participant's typing state. When set,
// a safety timer clears it if no stop event follows within the timeout.
func (t *TypingTracker) SetRemoteTyping(isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	t.remote = isTyping
	t.clearGen++
	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
	if isTyping {
		gen := t.clearGen
		t.clearTimer = time.AfterFunc(t.timeout, func() { t.autoClear(gen) })
	}
}

func (t *TypingTracker) autoClear(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A timer that fired while a refresh held the lock is stale; the refresh
	// already re-armed a newer one.
	if gen != t.clearGen {
		return
	}
	t.remote = false
	t.clearTimer = nil
}

// RemoteTyping reports whether the remote participant is currently typing.
func (t *TypingTracker) RemoteTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// AnnounceLocal records the local typing state and reports whether it is a
// transition (idle to typing or back). Only transitions are worth
// transmitting; repeated keystrokes in the same state return false.
func (t *TypingTracker) AnnounceLocal(isTyping bool) (transitioned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.localTyping == isTyping {
		return false
	}
	t.localTyping = isTyping
	return true
}

// Stop cancels the auto-clear timer and freezes the tracker. Called on
// session teardown so no timer outlives the conversation.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.remote = false
	t.localTyping = false
	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
}
