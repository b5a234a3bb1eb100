package session

import (
	"sync"
	"time"

	"github.com/phone-voice-lab/llm"
)

// PlaybackTarget selects how synthesized audio is delivered back to the
// caller. It is fixed at session creation, never inferred from the transport.
type PlaybackTarget int

const (
	// TargetLiveStream paces companded audio out as fixed-duration media
	// chunks at real-time cadence.
	TargetLiveStream PlaybackTarget = iota

	// TargetSingleBlock delivers the complete linear PCM payload as one
	// message with no artificial delay (local test sinks).
	TargetSingleBlock
)

func (t PlaybackTarget) String() string {
	if t == TargetSingleBlock {
		return "single-block"
	}
	return "live-streaming-chunked"
}

// Sink is the outbound audio surface for one call.
type Sink interface {
	// WriteChunk forwards one paced media chunk to the live transport.
	WriteChunk(chunk []byte) error

	// WriteBlock delivers a complete payload as a single unit.
	WriteBlock(block []byte) error
}

// Checkpoints records per-turn latency timestamps for a session.
type Checkpoints struct {
	LastAudioReceived time.Time
	UtteranceStarted  time.Time
	GenerationStarted time.Time
	GenerationEnded   time.Time
	SynthesisStarted  time.Time
	SynthesisEnded    time.Time
}

// Stats is a point-in-time snapshot of a session's counters.
type Stats struct {
	CallID               string        `json:"call_id"`
	StreamID             string        `json:"stream_id"`
	Target               string        `json:"target"`
	Frames               int64         `json:"frames"`
	Bytes                int64         `json:"bytes"`
	Transcripts          int64         `json:"transcripts"`
	Responses            int64         `json:"responses"`
	DuplicatesSuppressed int64         `json:"duplicates_suppressed"`
	Duration             time.Duration `json:"duration_ns"`
}

// Session holds all mutable state for one active call. All mutation goes
// through methods that take the session mutex; sessions never share state
// with each other.
type Session struct {
	CallID    string
	StreamID  string
	CreatedAt time.Time
	Target    PlaybackTarget

	deb   *debouncer
	guard *triggerGuard
	sink  Sink

	mu           sync.Mutex
	lastActivity time.Time
	frames       int64
	bytes        int64
	transcripts  int64
	responses    int64
	history      []llm.Message
	historyMax   int
	checkpoints  Checkpoints
	sttStarted   bool
	closed       bool
}

// countFrame records one inbound frame and returns the running frame count.
func (s *Session) countFrame(n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.bytes += int64(n)
	s.lastActivity = time.Now()
	s.checkpoints.LastAudioReceived = time.Now()
	return s.frames
}

func (s *Session) countTranscript() {
	s.mu.Lock()
	s.transcripts++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) countResponse() {
	s.mu.Lock()
	s.responses++
	s.mu.Unlock()
}

// appendExchange appends the user/assistant pair to the conversation history
// and trims it FIFO to the configured bound. History length stays even
// outside this critical section.
func (s *Session) appendExchange(userText, assistantText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: assistantText},
	)
	if max := s.historyMax; max > 0 && len(s.history) > max {
		s.history = append([]llm.Message(nil), s.history[len(s.history)-max:]...)
	}
}

// historySnapshot returns a copy of the bounded conversation history.
func (s *Session) historySnapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) setCheckpoint(set func(*Checkpoints)) {
	s.mu.Lock()
	set(&s.checkpoints)
	s.mu.Unlock()
}

// CheckpointSnapshot returns a copy of the latency checkpoints.
func (s *Session) CheckpointSnapshot() Checkpoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints
}

// markClosed flips the session to closed and reports whether this call did
// the flip. Teardown work must only happen when it returns true.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot returns the session's counters for the status endpoint.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		CallID:               s.CallID,
		StreamID:             s.StreamID,
		Target:               s.Target.String(),
		Frames:               s.frames,
		Bytes:                s.bytes,
		Transcripts:          s.transcripts,
		Responses:            s.responses,
		DuplicatesSuppressed: s.guard.suppressedCount(),
		Duration:             time.Since(s.CreatedAt),
	}
}
