package session

import (
	"strings"
	"sync"
	"time"
)

// debouncer consolidates finalized transcript fragments into a single
// utterance. An explicit end-of-speech signal from the recognizer flushes
// immediately; otherwise a quiet period after the last fragment does. At
// most one timer is alive at any instant: every new fragment cancels the
// previous one. A timer that fires after a newer flush already emptied the
// buffer is a no-op: the emptiness check, not timer identity, is the
// guarantee, since a Stop can race the fire.
type debouncer struct {
	mu        sync.Mutex
	delay     time.Duration
	fragments []string
	timer     *time.Timer
	flush     func(utterance string)
	closed    bool
}

func newDebouncer(delay time.Duration, flush func(string)) *debouncer {
	return &debouncer{delay: delay, flush: flush}
}

// Observe feeds one transcript event into the state machine. Interim events
// never enter the buffer.
func (d *debouncer) Observe(text string, isFinal, endOfSpeech bool) {
	if !isFinal {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.fragments = append(d.fragments, text)
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if endOfSpeech {
		utterance := d.takeLocked()
		d.mu.Unlock()
		d.flush(utterance)
		return
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
	d.mu.Unlock()
}

// fire is the timer callback. It re-checks the buffer under the lock so a
// stale timer never produces a second flush.
func (d *debouncer) fire() {
	d.mu.Lock()
	if d.closed || len(d.fragments) == 0 {
		d.mu.Unlock()
		return
	}
	utterance := d.takeLocked()
	d.timer = nil
	d.mu.Unlock()
	d.flush(utterance)
}

// takeLocked joins the buffered fragments in arrival order and clears the
// buffer. Caller holds d.mu.
func (d *debouncer) takeLocked() string {
	utterance := strings.Join(d.fragments, " ")
	d.fragments = nil
	return utterance
}

// Pending reports whether any fragments are buffered.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fragments) > 0
}

// Close cancels any pending timer and rejects further events. Safe to call
// concurrently with a firing timer and safe to call twice.
func (d *debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.fragments = nil
}
