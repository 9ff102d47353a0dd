// Package hotkey provides a global pause/resume hotkey using gohook.
// Each press of the key combo flips between paused and running.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// Event is emitted on the channel returned by Events after each press.
type Event struct {
	Paused bool
}

// Listener manages a global hotkey and emits pause/resume events.
type Listener struct {
	keys []string
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	paused bool
}

// NewListener creates a Listener for the given key combo.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "p"]).
func NewListener(keys []string) *Listener {
	return &Listener{
		keys: keys,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) {
		l.press()
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// press flips the paused state and reports it without blocking.
func (l *Listener) press() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = !l.paused
	select {
	case l.ch <- Event{Paused: l.paused}:
	default: // don't block if channel is full
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
