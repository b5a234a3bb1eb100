package audio

import (
	"context"
	"time"
)

// Format describes the raw sample format of a synthesized audio payload.
type Format struct {
	SampleRate     int // Hz
	BytesPerSample int // 1 for μ-law, 2 for linear16
}

// Pacer slices a complete audio payload into fixed-duration chunks and emits
// them at real-time cadence so a consumer can forward them to a live
// transport. The final chunk carries the payload remainder and may be
// shorter than the nominal size; it is never padded.
//
// Non-streaming playback targets bypass the pacer entirely and deliver the
// payload as a single block.
type Pacer struct {
	Format  Format
	ChunkMs int

	sleep func(time.Duration)
}

// NewPacer returns a Pacer for the given format and chunk duration.
// chunkMs <= 0 falls back to the 20 ms telephony frame cadence.
func NewPacer(f Format, chunkMs int) *Pacer {
	if chunkMs <= 0 {
		chunkMs = 20
	}
	return &Pacer{Format: f, ChunkMs: chunkMs, sleep: time.Sleep}
}

// ChunkSize returns the nominal chunk size in bytes.
func (p *Pacer) ChunkSize() int {
	return p.Format.SampleRate * p.ChunkMs / 1000 * p.Format.BytesPerSample
}

// Pace emits payload as a sequence of chunks, sleeping ChunkMs between
// consecutive emissions. It returns the number of chunks emitted. Emission
// stops early when ctx is cancelled or emit returns an error.
func (p *Pacer) Pace(ctx context.Context, payload []byte, emit func(chunk []byte) error) (int, error) {
	size := p.ChunkSize()
	if size <= 0 || len(payload) == 0 {
		return 0, nil
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	interval := time.Duration(p.ChunkMs) * time.Millisecond
	emitted := 0
	for off := 0; off < len(payload); off += size {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		if err := emit(payload[off:end]); err != nil {
			return emitted, err
		}
		emitted++
		if end < len(payload) {
			sleep(interval)
		}
	}
	return emitted, nil
}
