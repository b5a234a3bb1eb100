package session

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyInProgress rejects a trigger while a response generation is
	// in flight for the session, regardless of text.
	ErrAlreadyInProgress = errors.New("response already in progress")

	// ErrDuplicateText rejects a trigger whose text is byte-identical to the
	// most recently completed processed text for the session. This guards
	// against the debounce timer and an end-of-speech event both flushing
	// the same content.
	ErrDuplicateText = errors.New("duplicate utterance text")
)

// triggerGuard ensures at most one response-generation cycle runs per
// session and that the same utterance text is never processed twice in a
// row. Rejections are telemetry, not errors surfaced to the caller.
type triggerGuard struct {
	mu            sync.Mutex
	inProgress    bool
	inFlightText  string
	lastCompleted string
	suppressed    int64
}

// tryAcquire attempts to start a response cycle for text. On acceptance it
// returns a release function that must be invoked on every exit path;
// release(true) records text as the completed processed text, release(false)
// leaves the duplicate marker untouched so the same text may be retried
// after a failure. The release is idempotent.
func (g *triggerGuard) tryAcquire(text string) (func(completed bool), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inProgress {
		g.suppressed++
		return nil, ErrAlreadyInProgress
	}
	if text != "" && text == g.lastCompleted {
		g.suppressed++
		return nil, ErrDuplicateText
	}

	g.inProgress = true
	g.inFlightText = text

	var once sync.Once
	release := func(completed bool) {
		once.Do(func() {
			g.mu.Lock()
			g.inProgress = false
			g.inFlightText = ""
			if completed {
				g.lastCompleted = text
			}
			g.mu.Unlock()
		})
	}
	return release, nil
}

// suppressedCount returns how many triggers were rejected.
func (g *triggerGuard) suppressedCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressed
}

// busy reports whether a response cycle is currently in flight.
func (g *triggerGuard) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inProgress
}
