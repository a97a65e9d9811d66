package client

import (
	"sync"
	"time"
)

const DefaultTypingWindow = time.Second

// TypingNotifier turns keystrokes into typing / stop_typing signals. The
// first keystroke of a burst emits typing; every keystroke reschedules one
// timer; stop_typing is emitted exactly once when the burst ends.
type TypingNotifier struct {
	mu     sync.Mutex
	window time.Duration
	emit   func(typing bool)
	timer  *time.Timer
	gen    uint64
	active bool
}

func NewTypingNotifier(window time.Duration, emit func(typing bool)) *TypingNotifier {
	if window <= 0 {
		window = DefaultTypingWindow
	}

	return &TypingNotifier{window: window, emit: emit}
}

func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active {
		n.active = true
		n.emit(true)
	}

	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.window, func() { n.expire(gen) })
}

// expire ends the burst unless a later keystroke or Sent superseded the
// timer that fired.
func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if gen != n.gen || !n.active {
		return
	}

	n.active = false
	n.emit(false)
}

// Sent ends the current burst immediately.
func (n *TypingNotifier) Sent() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cancel()
	if n.active {
		n.active = false
		n.emit(false)
	}
}

// Stop cancels the timer without emitting anything.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cancel()
	n.active = false
}

func (n *TypingNotifier) cancel() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}
