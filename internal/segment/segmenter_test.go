package segment

import (
	"errors"
	"testing"
	"time"

	"github.com/voxmeet/voxid/pkg/audio"
)

func newSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	bad := []Config{
		{WorkingRate: 0, MaxWindow: time.Second},
		{WorkingRate: 16000, MaxWindow: 0},
		{WorkingRate: 16000, MaxWindow: time.Second, MinUtterance: 2 * time.Second},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Errorf("config %d should be rejected: %+v", i, cfg)
		}
	}
}

func TestCut(t *testing.T) {
	t.Parallel()

	t.Run("basic boundary", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t, DefaultConfig())

		if err := s.Write(make([]int16, 16000), 16000); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		u, err := s.Cut()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.Seq != 1 {
			t.Errorf("want seq 1, got %d", u.Seq)
		}
		if len(u.PCM) != 16000 || u.SampleRate != 16000 {
			t.Errorf("want 16000 samples at 16 kHz, got %d at %d", len(u.PCM), u.SampleRate)
		}
		if u.Start != 0 || u.End != time.Second {
			t.Errorf("want [0s, 1s], got [%v, %v]", u.Start, u.End)
		}
		if s.Buffered() != 0 {
			t.Error("cut should reset the accumulator")
		}
	})

	t.Run("sequence and timeline advance", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t, DefaultConfig())

		_ = s.Write(make([]int16, 8000), 16000)
		u1, err := s.Cut()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = s.Write(make([]int16, 16000), 16000)
		u2, err := s.Cut()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u1.Seq != 1 || u2.Seq != 2 {
			t.Errorf("want seq 1,2 got %d,%d", u1.Seq, u2.Seq)
		}
		if u2.Start != 500*time.Millisecond || u2.End != 1500*time.Millisecond {
			t.Errorf("want [500ms, 1.5s], got [%v, %v]", u2.Start, u2.End)
		}
	})

	t.Run("resamples caller rate", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t, DefaultConfig())

		// One second of 48 kHz audio becomes one second at 16 kHz.
		_ = s.Write(make([]int16, 48000), 48000)
		u, err := s.Cut()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(u.PCM) != 16000 {
			t.Fatalf("want 16000 working-rate samples, got %d", len(u.PCM))
		}
	})

	t.Run("too-short snapshot is rejected and discarded", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t, DefaultConfig())

		_ = s.Write(make([]int16, 160), 16000) // 10 ms
		if _, err := s.Cut(); !errors.Is(err, ErrTooShort) {
			t.Fatalf("want ErrTooShort, got %v", err)
		}
		if s.Buffered() != 0 {
			t.Error("rejected snapshot should still reset the accumulator")
		}

		// The next utterance starts cleanly after the rejected blip.
		_ = s.Write(make([]int16, 16000), 16000)
		u, err := s.Cut()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.Seq != 1 {
			t.Errorf("rejected snapshots must not consume sequence numbers, got seq %d", u.Seq)
		}
		if u.Start != 10*time.Millisecond {
			t.Errorf("want start 10ms, got %v", u.Start)
		}
	})

	t.Run("empty boundary", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t, DefaultConfig())
		if _, err := s.Cut(); !errors.Is(err, ErrTooShort) {
			t.Fatalf("want ErrTooShort for empty accumulator, got %v", err)
		}
	})
}

func TestRingEviction(t *testing.T) {
	t.Parallel()

	cfg := Config{WorkingRate: 16000, MaxWindow: time.Second, MinUtterance: 100 * time.Millisecond}
	s := newSegmenter(t, cfg)

	// Write 3 s into a 1 s window: only the last second survives.
	for range 3 {
		if err := s.Write(make([]int16, 16000), 16000); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := s.Buffered(); got != time.Second {
		t.Fatalf("want 1s buffered after eviction, got %v", got)
	}

	u, err := s.Cut()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.PCM) != 16000 {
		t.Fatalf("want 16000 samples, got %d", len(u.PCM))
	}
	// The evicted 2 s advance the utterance start.
	if u.Start != 2*time.Second || u.End != 3*time.Second {
		t.Errorf("want [2s, 3s], got [%v, %v]", u.Start, u.End)
	}
}

func TestUtteranceWAV(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, DefaultConfig())
	pcm := make([]int16, 16000)
	for i := range pcm {
		pcm[i] = int16(i % 1000)
	}
	_ = s.Write(pcm, 16000)
	u, err := s.Cut()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clip, err := audio.DecodeWAV(u.WAV())
	if err != nil {
		t.Fatalf("snapshot should be a valid WAV: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.PCM) != len(u.PCM) {
		t.Fatalf("WAV round trip mismatch: %d samples at %d Hz", len(clip.PCM), clip.SampleRate)
	}
	if u.Duration() != time.Second {
		t.Errorf("want 1s duration, got %v", u.Duration())
	}
}

func TestWriteValidation(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, DefaultConfig())
	if err := s.Write(make([]int16, 100), 0); err == nil {
		t.Error("want error for zero sample rate")
	}
	if err := s.Write(nil, 16000); err != nil {
		t.Errorf("empty write should be a no-op, got %v", err)
	}
}
