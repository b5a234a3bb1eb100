package stt

import "context"

// Event is a transcript event produced asynchronously by the transcription
// engine. Events arrive arbitrarily interleaved across calls and must be
// keyed strictly by the call they were registered for.
type Event struct {
	Text        string
	Confidence  float64
	IsFinal     bool
	EndOfSpeech bool
}

// EventHandler receives transcript events for one call's stream.
type EventHandler func(Event)

// Engine is the contract the turn coordinator expects from a streaming
// transcription service. Implementations must tolerate StopStream being
// called for unknown or already-stopped calls.
type Engine interface {
	// Enabled reports whether the engine is configured and usable. A
	// disabled engine degrades transcription to a no-op for every call.
	Enabled() bool

	// StartStream opens a transcription stream for callID. onEvent is
	// invoked from a background goroutine for every transcript produced.
	StartStream(ctx context.Context, callID string, sampleRate, channels int, onEvent EventHandler) error

	// SendAudio forwards raw PCM16LE audio for callID, in arrival order.
	SendAudio(callID string, pcm []byte) error

	// StopStream tears down the stream for callID. Safe to call twice.
	StopStream(callID string) error

	// Close stops all streams.
	Close() error
}

// Disabled returns an Engine whose every operation is a successful no-op.
// Used when no transcription credentials are configured.
func Disabled() Engine { return disabledEngine{} }

type disabledEngine struct{}

func (disabledEngine) Enabled() bool { return false }
func (disabledEngine) StartStream(context.Context, string, int, int, EventHandler) error {
	return nil
}
func (disabledEngine) SendAudio(string, []byte) error { return nil }
func (disabledEngine) StopStream(string) error        { return nil }
func (disabledEngine) Close() error                   { return nil }
