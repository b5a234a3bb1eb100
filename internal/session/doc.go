// Package session implements the per-call turn-taking core of the bridge:
// the session registry, the transcript buffer and debouncer that consolidate
// recognizer output into utterances, the trigger guard that keeps response
// generation single-flight per call, and the coordinator that sequences the
// transcription, generation, synthesis and playback stages.
package session
