package workspace

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultAutoSaveDelay is the quiet period after the last edit before the
// buffer is written.
const DefaultAutoSaveDelay = time.Second

// AutoSaver debounces editor writes: each Schedule restarts the delay, and
// only the last content scheduled for the delay window is written.
type AutoSaver struct {
	delay  time.Duration
	save   func(name, content string) error
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	name    string
	content string
	pending bool
}

func NewAutoSaver(delay time.Duration, save func(name, content string) error, logger *slog.Logger) *AutoSaver {
	if delay <= 0 {
		delay = DefaultAutoSaveDelay
	}
	return &AutoSaver{delay: delay, save: save, logger: logger}
}

// Schedule queues content for name. A pending save of a different file is
// written immediately so switching files never loses an edit.
func (a *AutoSaver) Schedule(name, content string) {
	a.mu.Lock()
	if a.pending && a.name != name {
		prevName, prevContent := a.name, a.content
		a.mu.Unlock()
		a.write(prevName, prevContent)
		a.mu.Lock()
	}
	a.name, a.content, a.pending = name, content, true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, a.fire)
	a.mu.Unlock()
}

func (a *AutoSaver) fire() {
	a.mu.Lock()
	if !a.pending {
		a.mu.Unlock()
		return
	}
	name, content := a.name, a.content
	a.pending = false
	a.mu.Unlock()

	a.write(name, content)
}

// Flush writes any pending content now.
func (a *AutoSaver) Flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	if !a.pending {
		a.mu.Unlock()
		return
	}
	name, content := a.name, a.content
	a.pending = false
	a.mu.Unlock()

	a.write(name, content)
}

// Cancel drops any pending content for name.
func (a *AutoSaver) Cancel(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending && a.name == name {
		a.pending = false
		if a.timer != nil {
			a.timer.Stop()
		}
	}
}

func (a *AutoSaver) write(name, content string) {
	if err := a.save(name, content); err != nil {
		a.logger.Warn("auto-save failed", "file", name, "error", err)
		return
	}
	a.logger.Debug("auto-saved", "file", name, "bytes", len(content))
}
