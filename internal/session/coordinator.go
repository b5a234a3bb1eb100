package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phone-voice-lab/internal/audio"
	"github.com/phone-voice-lab/internal/config"
	"github.com/phone-voice-lab/internal/logging"
	"github.com/phone-voice-lab/internal/metrics"
	"github.com/phone-voice-lab/internal/stt"
	"github.com/phone-voice-lab/internal/tts"
	"github.com/phone-voice-lab/llm"
)

const reapInterval = 30 * time.Second

// Generator produces a text response for a consolidated utterance.
type Generator interface {
	Enabled() bool
	Respond(ctx context.Context, utterance string, history []llm.Message) (string, error)
}

// Synthesizer converts response text to raw audio.
type Synthesizer interface {
	Enabled() bool
	Synthesize(ctx context.Context, text string, enc tts.Encoding) ([]byte, error)
}

// Coordinator owns the session registry and drives the per-call turn
// pipeline: inbound audio to transcription, transcript events through the
// debouncer, guarded response generation, synthesis, and paced playback.
type Coordinator struct {
	cfg     *config.Config
	reg     *Registry
	engine  stt.Engine
	gen     Generator
	synth   Synthesizer
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator builds a Coordinator and starts its idle-session reaper.
func NewCoordinator(cfg *config.Config, engine stt.Engine, gen Generator, synth Synthesizer, m *metrics.Metrics) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		reg:     NewRegistry(),
		engine:  engine,
		gen:     gen,
		synth:   synth,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.reapLoop()
	return c
}

// HandleStreamStart creates (or refreshes) the session for callID, wires its
// debouncer and trigger guard, and opens a transcription stream. A failure
// to open transcription degrades the session rather than rejecting the call.
func (c *Coordinator) HandleStreamStart(callID, streamID string, target PlaybackTarget, sink Sink) *Session {
	s := &Session{
		CallID:       callID,
		StreamID:     streamID,
		CreatedAt:    time.Now(),
		Target:       target,
		guard:        &triggerGuard{},
		sink:         sink,
		lastActivity: time.Now(),
		historyMax:   c.cfg.Session.HistoryMax,
	}
	s.deb = newDebouncer(time.Duration(c.cfg.Session.DebounceMs)*time.Millisecond, func(utterance string) {
		c.onUtterance(s, utterance)
	})

	s, created := c.reg.put(s)
	if !created {
		return s
	}
	c.metrics.SessionsCreated.Inc()
	c.metrics.ActiveSessions.Set(float64(c.reg.Len()))
	logging.Infow("session started",
		append(logging.StreamFields(callID, streamID), "playback_target", target.String())...)

	if c.engine.Enabled() {
		err := c.engine.StartStream(c.ctx, callID, c.cfg.Audio.TelephonySampleRate, 1, func(ev stt.Event) {
			c.HandleTranscript(callID, ev)
		})
		if err != nil {
			logging.Errorw("failed to start transcription stream, session degraded",
				append(logging.CallFields(callID), "error", err)...)
		} else {
			s.mu.Lock()
			s.sttStarted = true
			s.mu.Unlock()
		}
	} else {
		logging.Warnw("transcription engine disabled, session will not transcribe",
			logging.CallFields(callID)...)
	}
	return s
}

// HandleMedia forwards one inbound audio frame to the session's
// transcription stream. encoded payloads are companded telephony audio and
// are expanded to linear PCM first.
func (c *Coordinator) HandleMedia(callID string, payload []byte, encoded bool) {
	s, ok := c.reg.Get(callID)
	if !ok {
		c.metrics.FrameErrors.Inc()
		logging.Warnw("media frame for unknown call", logging.CallFields(callID)...)
		return
	}

	frames := s.countFrame(len(payload))
	c.metrics.FramesReceived.Inc()
	c.metrics.BytesReceived.Add(float64(len(payload)))

	pcm := payload
	if encoded {
		pcm = audio.DecodeULaw(payload)
	}

	if frames%100 == 0 {
		logging.Debugw("media frames received",
			append(logging.CallFields(callID), "frames", frames, "bytes", len(payload))...)
	}
	if rms := audio.RMS(pcm); rms > float64(c.cfg.Audio.SpeechRMSThreshold) {
		logging.Debugw("speech activity detected",
			append(logging.CallFields(callID), "rms", fmt.Sprintf("%.0f", rms))...)
	}

	if err := c.engine.SendAudio(callID, pcm); err != nil {
		c.metrics.FrameErrors.Inc()
		logging.Warnw("failed to forward audio to transcription",
			append(logging.CallFields(callID), "error", err)...)
	}
}

// HandleTranscript feeds one transcript event into the session's debouncer.
func (c *Coordinator) HandleTranscript(callID string, ev stt.Event) {
	s, ok := c.reg.Get(callID)
	if !ok {
		return
	}
	c.metrics.TranscriptEvents.Inc()
	if ev.IsFinal {
		s.countTranscript()
		logging.Debugw("final transcript fragment",
			append(logging.CallFields(callID),
				"text", ev.Text,
				"confidence", ev.Confidence,
				"end_of_speech", ev.EndOfSpeech)...)
	}
	s.deb.Observe(ev.Text, ev.IsFinal, ev.EndOfSpeech)
}

// onUtterance is the debouncer flush callback. It consults the trigger guard
// and, on acceptance, runs the response turn on its own goroutine so the
// flush path (timer or recognizer callback) never blocks on the engines.
func (c *Coordinator) onUtterance(s *Session, utterance string) {
	if s.isClosed() || utterance == "" {
		return
	}
	c.metrics.UtterancesFlushed.Inc()
	s.setCheckpoint(func(cp *Checkpoints) { cp.UtteranceStarted = time.Now() })

	release, err := s.guard.tryAcquire(utterance)
	if err != nil {
		c.metrics.DuplicatesSuppressed.Inc()
		logging.Debugw("response trigger suppressed",
			append(logging.CallFields(s.CallID), "reason", err.Error(), "text", utterance)...)
		return
	}

	go c.respond(s, utterance, release)
}

// respond runs one complete response turn: generation, synthesis, delivery.
// The guard release runs on every exit path; only a fully delivered turn
// marks the utterance text as completed.
func (c *Coordinator) respond(s *Session, utterance string, release func(completed bool)) {
	completed := false
	defer func() { release(completed) }()

	correlationID := uuid.NewString()
	fields := logging.TurnFields(s.CallID, correlationID)
	turnStart := time.Now()

	if !c.gen.Enabled() {
		logging.Warnw("response generation disabled, dropping utterance", fields...)
		return
	}

	logging.Infow("utterance accepted for response",
		append(fields, "text", utterance)...)

	history := s.historySnapshot()
	s.setCheckpoint(func(cp *Checkpoints) { cp.GenerationStarted = time.Now() })
	genStart := time.Now()
	reply, err := c.gen.Respond(c.ctx, utterance, history)
	c.metrics.GenerationDuration.Observe(time.Since(genStart).Seconds())
	s.setCheckpoint(func(cp *Checkpoints) { cp.GenerationEnded = time.Now() })
	if err != nil {
		c.metrics.TurnFailures.Inc()
		logging.Errorw("response generation failed", append(fields, "error", err)...)
		return
	}
	if reply == "" {
		c.metrics.TurnFailures.Inc()
		logging.Warnw("response generation produced empty text", fields...)
		return
	}

	s.appendExchange(utterance, reply)
	logging.Infow("response generated",
		append(fields, "chars", len(reply))...)

	if !c.synth.Enabled() {
		// Text-only turn: history advanced, nothing to play.
		completed = true
		s.countResponse()
		c.metrics.ResponsesGenerated.Inc()
		c.metrics.TurnDuration.Observe(time.Since(turnStart).Seconds())
		logging.Warnw("synthesis disabled, response not voiced", fields...)
		return
	}

	enc := tts.Encoding{Codec: "mulaw", SampleRate: c.cfg.Audio.TelephonySampleRate}
	if s.Target == TargetSingleBlock {
		enc = tts.Encoding{Codec: "linear16", SampleRate: c.cfg.Audio.BlockSampleRate}
	}
	s.setCheckpoint(func(cp *Checkpoints) { cp.SynthesisStarted = time.Now() })
	synthStart := time.Now()
	speech, err := c.synth.Synthesize(c.ctx, reply, enc)
	c.metrics.SynthesisDuration.Observe(time.Since(synthStart).Seconds())
	s.setCheckpoint(func(cp *Checkpoints) { cp.SynthesisEnded = time.Now() })
	if err != nil {
		c.metrics.TurnFailures.Inc()
		logging.Errorw("speech synthesis failed", append(fields, "error", err)...)
		return
	}

	if s.isClosed() {
		logging.Infow("session closed before playback, abandoning turn", fields...)
		return
	}

	if err := c.deliver(s, speech, enc); err != nil {
		c.metrics.TurnFailures.Inc()
		logging.Errorw("playback delivery failed", append(fields, "error", err)...)
		return
	}

	completed = true
	s.countResponse()
	c.metrics.ResponsesGenerated.Inc()
	c.metrics.TurnDuration.Observe(time.Since(turnStart).Seconds())
	logging.Infow("response delivered",
		append(fields, "audio_bytes", len(speech), "target", s.Target.String())...)
}

// deliver plays synthesized audio back through the session's sink, paced
// for the live target and as one message for the single-block target.
func (c *Coordinator) deliver(s *Session, speech []byte, enc tts.Encoding) error {
	if s.Target == TargetSingleBlock {
		return s.sink.WriteBlock(speech)
	}
	pacer := audio.NewPacer(audio.Format{
		SampleRate:     enc.SampleRate,
		BytesPerSample: 1, // companded telephony audio
	}, c.cfg.Audio.ChunkMs)
	_, err := pacer.Pace(c.ctx, speech, s.sink.WriteChunk)
	return err
}

// HandleStreamStop tears down the session for callID.
func (c *Coordinator) HandleStreamStop(callID string) {
	c.Cleanup(callID)
}

// Cleanup removes callID's session and releases its resources. Safe to call
// any number of times: the disconnect path, the stop event, and the idle
// reaper all funnel here.
func (c *Coordinator) Cleanup(callID string) {
	s, ok := c.reg.remove(callID)
	if ok {
		c.metrics.SessionsRemoved.Inc()
		c.metrics.ActiveSessions.Set(float64(c.reg.Len()))
	}
	if s == nil || !s.markClosed() {
		return
	}

	s.deb.Close()
	if err := c.engine.StopStream(callID); err != nil {
		logging.Warnw("failed to stop transcription stream",
			append(logging.CallFields(callID), "error", err)...)
	}
	c.metrics.SessionDuration.Observe(time.Since(s.CreatedAt).Seconds())

	stats := s.Snapshot()
	logging.Infow("session removed",
		append(logging.StreamFields(callID, s.StreamID),
			"frames", stats.Frames,
			"responses", stats.Responses,
			"duplicates_suppressed", stats.DuplicatesSuppressed,
			"duration", stats.Duration.Round(time.Millisecond).String())...)
}

// Stats returns snapshots of every active session.
func (c *Coordinator) Stats() []Stats {
	sessions := c.reg.Snapshot()
	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// ActiveCalls returns the number of sessions currently registered.
func (c *Coordinator) ActiveCalls() int { return c.reg.Len() }

// Close stops the reaper and tears down every remaining session.
func (c *Coordinator) Close() {
	c.cancel()
	for _, s := range c.reg.Snapshot() {
		c.Cleanup(s.CallID)
	}
	if err := c.engine.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Warnw("transcription engine close", "error", err)
	}
}

// reapLoop periodically removes sessions with no traffic past the idle
// timeout, covering transports that vanish without a stop event.
func (c *Coordinator) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.cfg.Session.GetIdleTimeout())
			for _, callID := range c.reg.idleCalls(cutoff) {
				logging.Infow("reaping idle session", logging.CallFields(callID)...)
				c.Cleanup(callID)
			}
		}
	}
}
