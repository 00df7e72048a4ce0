package chat

import (
	"strings"
	"sync"
	"time"
)

// Typist debounces typing-indicator emission: a burst of keystrokes emits
// typing:true once, and exactly one typing:false fires after the idle
// window elapses with no further input. Clearing the field or sending a
// message emits typing:false immediately.
type Typist struct {
	mu     sync.Mutex
	active bool
	timer  *time.Timer
	idle   time.Duration
	emit   func(isTyping bool)
}

// NewTypist creates a typist emitting through emit.
func NewTypist(idle time.Duration, emit func(bool)) *Typist {
	if idle <= 0 {
		idle = 3 * time.Second
	}
	return &Typist{idle: idle, emit: emit}
}

// Input reports the current composer content on every change.
func (t *Typist) Input(text string) {
	if strings.TrimSpace(text) == "" {
		t.Stop()
		return
	}

	t.mu.Lock()
	if !t.active {
		t.active = true
		t.mu.Unlock()
		t.emit(true)
		t.mu.Lock()
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, t.expire)
	t.mu.Unlock()
}

// Stop ends the typing state immediately (field cleared, message sent, or
// client shutdown). Emits typing:false only if a burst was active.
func (t *Typist) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if wasActive {
		t.emit(false)
	}
}

func (t *Typist) expire() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()
	t.emit(false)
}
