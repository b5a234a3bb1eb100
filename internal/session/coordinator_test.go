package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/phone-voice-lab/internal/config"
	"github.com/phone-voice-lab/internal/metrics"
	"github.com/phone-voice-lab/internal/stt"
	"github.com/phone-voice-lab/internal/tts"
	"github.com/phone-voice-lab/llm"
)

type fakeEngine struct {
	mu       sync.Mutex
	enabled  bool
	started  map[string]stt.EventHandler
	stops    map[string]int
	sent     map[string][][]byte
	startErr error
}

func newFakeEngine(enabled bool) *fakeEngine {
	return &fakeEngine{
		enabled: enabled,
		started: make(map[string]stt.EventHandler),
		stops:   make(map[string]int),
		sent:    make(map[string][][]byte),
	}
}

func (e *fakeEngine) Enabled() bool { return e.enabled }

func (e *fakeEngine) StartStream(_ context.Context, callID string, _, _ int, onEvent stt.EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started[callID] = onEvent
	return nil
}

func (e *fakeEngine) SendAudio(callID string, pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.started[callID]; !ok {
		return fmt.Errorf("no stream for %s", callID)
	}
	e.sent[callID] = append(e.sent[callID], append([]byte(nil), pcm...))
	return nil
}

func (e *fakeEngine) StopStream(callID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops[callID]++
	delete(e.started, callID)
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) stopCount(callID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops[callID]
}

type fakeGenerator struct {
	mu      sync.Mutex
	enabled bool
	calls   []string
	history [][]llm.Message
	reply   string
	err     error
	delay   time.Duration
}

func (g *fakeGenerator) Enabled() bool { return g.enabled }

func (g *fakeGenerator) Respond(_ context.Context, utterance string, history []llm.Message) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, utterance)
	g.history = append(g.history, history)
	delay, reply, err := g.delay, g.reply, g.err
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return reply, err
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeSynth struct {
	enabled bool
	audio   []byte
	delay   time.Duration
}

func (s *fakeSynth) Enabled() bool { return s.enabled }

func (s *fakeSynth) Synthesize(context.Context, string, tts.Encoding) ([]byte, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.audio, nil
}

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
	blocks [][]byte
}

func (s *fakeSink) WriteChunk(chunk []byte) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) WriteBlock(block []byte) error {
	s.mu.Lock()
	s.blocks = append(s.blocks, append([]byte(nil), block...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) writes() (chunks, blocks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), len(s.blocks)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.DebounceMs = 20
	cfg.Session.IdleTimeout = 60
	return cfg
}

func newTestCoordinator(t *testing.T, engine stt.Engine, gen Generator, synth Synthesizer) *Coordinator {
	t.Helper()
	c := NewCoordinator(testConfig(), engine, gen, synth, metrics.NewForTesting())
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCoordinatorFullTurn(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "indeed it is"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 480)}
	c := newTestCoordinator(t, engine, gen, synth)

	sink := &fakeSink{}
	c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, sink)

	c.HandleTranscript("CA1", stt.Event{Text: "is anyone", IsFinal: true})
	c.HandleTranscript("CA1", stt.Event{Text: "home", IsFinal: true, EndOfSpeech: true})

	waitFor(t, "paced playback", func() bool {
		chunks, _ := sink.writes()
		return chunks == 3 // 480 bytes of mulaw at 8kHz/20ms = 3 chunks of 160
	})

	if got := gen.callCount(); got != 1 {
		t.Fatalf("expected 1 generation call, got %d", got)
	}
	gen.mu.Lock()
	utterance := gen.calls[0]
	gen.mu.Unlock()
	if utterance != "is anyone home" {
		t.Fatalf("expected consolidated utterance, got %q", utterance)
	}
	if _, blocks := sink.writes(); blocks != 0 {
		t.Fatal("live-stream target must not use block delivery")
	}
}

func TestCoordinatorSingleBlockDelivery(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "hello from the lab"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 6400)}
	c := newTestCoordinator(t, engine, gen, synth)

	sink := &fakeSink{}
	c.HandleStreamStart("CA1", "local", TargetSingleBlock, sink)
	c.HandleTranscript("CA1", stt.Event{Text: "testing locally", IsFinal: true, EndOfSpeech: true})

	waitFor(t, "block delivery", func() bool {
		_, blocks := sink.writes()
		return blocks == 1
	})
	if chunks, _ := sink.writes(); chunks != 0 {
		t.Fatal("single-block target must not pace chunks")
	}
}

func TestCoordinatorSuppressesDuplicateUtterance(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "once is enough"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 160)}
	c := newTestCoordinator(t, engine, gen, synth)

	sink := &fakeSink{}
	s := c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, sink)

	c.HandleTranscript("CA1", stt.Event{Text: "repeat after me", IsFinal: true, EndOfSpeech: true})
	waitFor(t, "first turn", func() bool { return !s.guard.busy() && gen.callCount() == 1 })

	// The debounce timer replaying the identical text must be dropped.
	c.HandleTranscript("CA1", stt.Event{Text: "repeat after me", IsFinal: true, EndOfSpeech: true})
	time.Sleep(100 * time.Millisecond)

	if got := gen.callCount(); got != 1 {
		t.Fatalf("duplicate text triggered generation, calls = %d", got)
	}
	if got := s.guard.suppressedCount(); got != 1 {
		t.Fatalf("expected 1 suppression, got %d", got)
	}
}

func TestCoordinatorRejectsOverlappingTurns(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "slow reply", delay: 150 * time.Millisecond}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 160)}
	c := newTestCoordinator(t, engine, gen, synth)

	sink := &fakeSink{}
	s := c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, sink)

	c.HandleTranscript("CA1", stt.Event{Text: "first question", IsFinal: true, EndOfSpeech: true})
	waitFor(t, "turn in flight", func() bool { return s.guard.busy() })

	c.HandleTranscript("CA1", stt.Event{Text: "second question", IsFinal: true, EndOfSpeech: true})

	waitFor(t, "turn completion", func() bool { return !s.guard.busy() })
	if got := gen.callCount(); got != 1 {
		t.Fatalf("overlapping trigger ran generation, calls = %d", got)
	}
	if got := s.guard.suppressedCount(); got != 1 {
		t.Fatalf("expected 1 suppression, got %d", got)
	}
}

func TestCoordinatorBoundsHistory(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "noted"}
	synth := &fakeSynth{enabled: false}
	c := newTestCoordinator(t, engine, gen, synth)

	sink := &fakeSink{}
	s := c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, sink)

	for i := 0; i < 8; i++ {
		text := fmt.Sprintf("utterance number %d", i)
		c.HandleTranscript("CA1", stt.Event{Text: text, IsFinal: true, EndOfSpeech: true})
		waitFor(t, "turn", func() bool {
			return !s.guard.busy() && gen.callCount() == i+1
		})
	}

	history := s.historySnapshot()
	if len(history) != 10 {
		t.Fatalf("expected history capped at 10 messages, got %d", len(history))
	}
	if history[0].Content != "utterance number 3" {
		t.Fatalf("expected oldest exchanges evicted first, head = %q", history[0].Content)
	}
	if history[9].Role != llm.RoleAssistant {
		t.Fatal("history must end with the assistant message")
	}
}

func TestCoordinatorCleanupIsIdempotent(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "bye"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 160)}
	c := newTestCoordinator(t, engine, gen, synth)

	c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, &fakeSink{})
	if c.ActiveCalls() != 1 {
		t.Fatalf("expected 1 active call, got %d", c.ActiveCalls())
	}

	c.HandleStreamStop("CA1")
	c.Cleanup("CA1") // disconnect path racing the stop event
	c.Cleanup("CA1")

	if c.ActiveCalls() != 0 {
		t.Fatalf("expected 0 active calls, got %d", c.ActiveCalls())
	}
	if got := engine.stopCount("CA1"); got != 1 {
		t.Fatalf("expected exactly one transcription stop, got %d", got)
	}
}

func TestCoordinatorDegradesWithoutTranscription(t *testing.T) {
	engine := newFakeEngine(false)
	gen := &fakeGenerator{enabled: true, reply: "unreachable"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 160)}
	c := newTestCoordinator(t, engine, gen, synth)

	c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, &fakeSink{})

	// Media for a degraded session is absorbed, never an error to the caller.
	c.HandleMedia("CA1", make([]byte, 160), true)
	c.HandleMedia("CA-unknown", make([]byte, 160), true)

	time.Sleep(50 * time.Millisecond)
	if gen.callCount() != 0 {
		t.Fatal("no transcription means no generation")
	}
	c.HandleStreamStop("CA1")
}

func TestCoordinatorAbandonsTurnAfterClose(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "too late"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 160), delay: 100 * time.Millisecond}
	c := newTestCoordinator(t, engine, gen, synth)

	sink := &fakeSink{}
	s := c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, sink)

	c.HandleTranscript("CA1", stt.Event{Text: "still there", IsFinal: true, EndOfSpeech: true})
	waitFor(t, "turn in flight", func() bool { return s.guard.busy() })

	c.HandleStreamStop("CA1")
	waitFor(t, "turn completion", func() bool { return !s.guard.busy() })

	chunks, blocks := sink.writes()
	if chunks != 0 || blocks != 0 {
		t.Fatalf("closed session received playback: %d chunks, %d blocks", chunks, blocks)
	}
}

func TestCoordinatorForwardsMediaToTranscription(t *testing.T) {
	engine := newFakeEngine(true)
	gen := &fakeGenerator{enabled: true, reply: "ok"}
	synth := &fakeSynth{enabled: true, audio: make([]byte, 160)}
	c := newTestCoordinator(t, engine, gen, synth)

	c.HandleStreamStart("CA1", "MZ1", TargetLiveStream, &fakeSink{})
	c.HandleMedia("CA1", make([]byte, 160), true)

	engine.mu.Lock()
	forwarded := engine.sent["CA1"]
	engine.mu.Unlock()
	if len(forwarded) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(forwarded))
	}
	// Companded frames are expanded to 16-bit linear before forwarding.
	if len(forwarded[0]) != 320 {
		t.Fatalf("expected 320 bytes of PCM, got %d", len(forwarded[0]))
	}
}
