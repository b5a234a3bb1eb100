package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeSleeper records requested sleep durations instead of blocking.
type fakeSleeper struct {
	slept []time.Duration
}

func (f *fakeSleeper) sleep(d time.Duration) { f.slept = append(f.slept, d) }

func newTestPacer(f Format, chunkMs int) (*Pacer, *fakeSleeper) {
	p := NewPacer(f, chunkMs)
	fs := &fakeSleeper{}
	p.sleep = fs.sleep
	return p, fs
}

// TestPaceExactChunks: a payload of exactly 4 chunk-widths yields 4 chunks
// with the nominal spacing between consecutive sends.
func TestPaceExactChunks(t *testing.T) {
	p, fs := newTestPacer(Format{SampleRate: 8000, BytesPerSample: 1}, 20)
	size := p.ChunkSize()
	if size != 160 {
		t.Fatalf("chunk size: want 160, got %d", size)
	}

	var chunks [][]byte
	n, err := p.Pace(context.Background(), make([]byte, size*4), func(c []byte) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Pace: %v", err)
	}
	if n != 4 || len(chunks) != 4 {
		t.Fatalf("want 4 chunks, got n=%d len=%d", n, len(chunks))
	}
	for i, c := range chunks {
		if len(c) != size {
			t.Errorf("chunk %d: want %d bytes, got %d", i, size, len(c))
		}
	}
	// spacing between the 4 sends: 3 sleeps at the chunk cadence
	if len(fs.slept) != 3 {
		t.Fatalf("want 3 inter-chunk sleeps, got %d", len(fs.slept))
	}
	for i, d := range fs.slept {
		if d < 20*time.Millisecond {
			t.Errorf("sleep %d below cadence: %s", i, d)
		}
	}
}

// TestPaceShortFinalChunk: 3.5 chunk-widths yields 4 chunks, the last one
// shorter, never padded.
func TestPaceShortFinalChunk(t *testing.T) {
	p, _ := newTestPacer(Format{SampleRate: 16000, BytesPerSample: 2}, 20)
	size := p.ChunkSize()

	var chunks [][]byte
	n, err := p.Pace(context.Background(), make([]byte, size*3+size/2), func(c []byte) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Pace: %v", err)
	}
	if n != 4 {
		t.Fatalf("want 4 chunks, got %d", n)
	}
	if got := len(chunks[3]); got != size/2 {
		t.Fatalf("final chunk: want %d bytes, got %d", size/2, got)
	}
}

func TestPaceEmptyPayload(t *testing.T) {
	p, fs := newTestPacer(Format{SampleRate: 8000, BytesPerSample: 1}, 20)
	n, err := p.Pace(context.Background(), nil, func(c []byte) error {
		t.Fatal("emit called for empty payload")
		return nil
	})
	if err != nil || n != 0 {
		t.Fatalf("want 0 chunks no error, got n=%d err=%v", n, err)
	}
	if len(fs.slept) != 0 {
		t.Fatalf("unexpected sleeps: %d", len(fs.slept))
	}
}

// TestPaceStopsOnEmitError verifies emission stops at the failing chunk.
func TestPaceStopsOnEmitError(t *testing.T) {
	p, _ := newTestPacer(Format{SampleRate: 8000, BytesPerSample: 1}, 20)
	boom := errors.New("sink closed")
	calls := 0
	n, err := p.Pace(context.Background(), make([]byte, p.ChunkSize()*4), func(c []byte) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want emit error, got %v", err)
	}
	if n != 1 || calls != 2 {
		t.Fatalf("want 1 emitted and 2 attempts, got n=%d calls=%d", n, calls)
	}
}

// TestPaceStopsOnCancel verifies a cancelled context halts pacing.
func TestPaceStopsOnCancel(t *testing.T) {
	p, _ := newTestPacer(Format{SampleRate: 8000, BytesPerSample: 1}, 20)
	ctx, cancel := context.WithCancel(context.Background())
	n, err := p.Pace(ctx, make([]byte, p.ChunkSize()*4), func(c []byte) error {
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("want context error")
	}
	if n != 1 {
		t.Fatalf("want 1 chunk before cancel, got %d", n)
	}
}
