package audio

import (
	"math"
	"testing"
	"time"
)

func TestBytesInt16RoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1, -1, 32767, -32768, 1234, -4321}
	got := BytesToInt16(Int16ToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("want %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: want %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestBytesToInt16DropsTrailingOddByte(t *testing.T) {
	t.Parallel()

	got := BytesToInt16([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 {
		t.Fatalf("want 1 sample, got %d", len(got))
	}
}

func TestToFloat64Range(t *testing.T) {
	t.Parallel()

	got := ToFloat64([]int16{-32768, 0, 32767})
	if got[0] != -1.0 {
		t.Errorf("min sample: want -1.0, got %v", got[0])
	}
	if got[1] != 0.0 {
		t.Errorf("zero sample: want 0.0, got %v", got[1])
	}
	if got[2] >= 1.0 || got[2] < 0.999 {
		t.Errorf("max sample: want just below 1.0, got %v", got[2])
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	t.Run("averages pairs", func(t *testing.T) {
		t.Parallel()
		got := StereoToMono([]int16{100, 200, -100, -200})
		if len(got) != 2 || got[0] != 150 || got[1] != -150 {
			t.Fatalf("want [150 -150], got %v", got)
		}
	})

	t.Run("no overflow at extremes", func(t *testing.T) {
		t.Parallel()
		got := StereoToMono([]int16{32767, 32767, -32768, -32768})
		if got[0] != 32767 || got[1] != -32768 {
			t.Fatalf("want [32767 -32768], got %v", got)
		}
	})
}

func TestDownmixMono(t *testing.T) {
	t.Parallel()

	t.Run("mono is a no-op", func(t *testing.T) {
		t.Parallel()
		in := []int16{1, 2, 3}
		got := DownmixMono(in, 1)
		if len(got) != 3 || got[0] != 1 {
			t.Fatalf("want input unchanged, got %v", got)
		}
	})

	t.Run("four channels", func(t *testing.T) {
		t.Parallel()
		got := DownmixMono([]int16{100, 200, 300, 400}, 4)
		if len(got) != 1 || got[0] != 250 {
			t.Fatalf("want [250], got %v", got)
		}
	})
}

func TestResampleMono(t *testing.T) {
	t.Parallel()

	t.Run("same rate returns input", func(t *testing.T) {
		t.Parallel()
		in := []int16{1, 2, 3, 4}
		got := ResampleMono(in, 16000, 16000)
		if &got[0] != &in[0] {
			t.Fatal("want input slice returned unchanged")
		}
	})

	t.Run("halves sample count", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 3200)
		got := ResampleMono(in, 32000, 16000)
		if len(got) != 1600 {
			t.Fatalf("want 1600 samples, got %d", len(got))
		}
	})

	t.Run("preserves a sine wave", func(t *testing.T) {
		t.Parallel()
		// A 440 Hz tone at 48 kHz resampled to 16 kHz must stay a 440 Hz tone.
		const srcRate, dstRate, freq = 48000, 16000, 440.0
		in := make([]int16, srcRate/10)
		for i := range in {
			in[i] = int16(16000 * math.Sin(2*math.Pi*freq*float64(i)/srcRate))
		}
		got := ResampleMono(in, srcRate, dstRate)
		if len(got) != dstRate/10 {
			t.Fatalf("want %d samples, got %d", dstRate/10, len(got))
		}
		// Compare against the directly generated tone, away from the edges.
		for i := 10; i < len(got)-10; i++ {
			want := 16000 * math.Sin(2*math.Pi*freq*float64(i)/dstRate)
			if diff := math.Abs(float64(got[i]) - want); diff > 200 {
				t.Fatalf("sample %d: want ≈%.0f, got %d (diff %.0f)", i, want, got[i], diff)
			}
		}
	})
}

func TestClipDuration(t *testing.T) {
	t.Parallel()

	c := Clip{PCM: make([]int16, 16000), SampleRate: 16000}
	if c.Duration() != time.Second {
		t.Fatalf("want 1s, got %v", c.Duration())
	}
	if (Clip{}).Duration() != 0 {
		t.Fatal("empty clip should have zero duration")
	}
}
