// Package segment buffers a continuous audio stream and cuts it into
// discrete utterances. The external transcription engine drives the cuts:
// each of its final-result events is an utterance-boundary signal, and the
// audio accumulated since the previous boundary becomes one utterance.
//
// The accumulator is bounded: once the configured window is full, the
// oldest samples are evicted ring-buffer style instead of growing without
// limit. That is the backpressure policy — a meeting that never produces a
// boundary can hold at most one window of audio.
package segment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxmeet/voxid/pkg/audio"
)

// ErrTooShort marks a boundary snapshot below the minimum utterance
// length — a silence or noise blip not worth identifying. Such snapshots
// are discarded before they reach the identification queue.
var ErrTooShort = errors.New("segment: utterance below minimum length")

// Utterance is one contiguous segment of speech cut from the stream.
// It is self-contained: the PCM is a copy, at the working rate, detached
// from the segmenter's accumulator.
type Utterance struct {
	// Seq is the monotonically increasing utterance number within the
	// stream, starting at 1. Identification results are tagged with it.
	Seq uint64

	// PCM holds mono samples at SampleRate.
	PCM []int16

	// SampleRate is the segmenter's working rate.
	SampleRate int

	// Start and End position the utterance on the stream's timeline.
	Start, End time.Duration
}

// Clip returns the utterance audio as a [audio.Clip].
func (u Utterance) Clip() audio.Clip {
	return audio.Clip{PCM: u.PCM, SampleRate: u.SampleRate}
}

// WAV encodes the utterance as a self-contained WAV buffer.
func (u Utterance) WAV() []byte {
	return audio.EncodeWAV(u.PCM, u.SampleRate)
}

// Duration returns the utterance play length.
func (u Utterance) Duration() time.Duration {
	return u.Clip().Duration()
}

// Config holds the segmenter parameters.
type Config struct {
	// WorkingRate is the rate all ingested audio is resampled to.
	WorkingRate int `yaml:"working_rate"`

	// MaxWindow bounds the accumulator; audio older than this since the
	// last boundary is evicted.
	MaxWindow time.Duration `yaml:"max_window"`

	// MinUtterance is the shortest snapshot worth identifying.
	MinUtterance time.Duration `yaml:"min_utterance"`
}

// DefaultConfig returns the 16 kHz / 30 s window / 300 ms minimum
// configuration.
func DefaultConfig() Config {
	return Config{
		WorkingRate:  16000,
		MaxWindow:    30 * time.Second,
		MinUtterance: 300 * time.Millisecond,
	}
}

// Segmenter accumulates one session's audio stream and cuts utterances on
// boundary signals. All methods are safe for concurrent use, though a
// session normally has a single producer.
type Segmenter struct {
	cfg        Config
	maxSamples int
	minSamples int

	mu sync.Mutex
	// buf holds samples accumulated since the last boundary (bounded by
	// maxSamples).
	buf []int16
	// streamPos is the total duration ingested since creation.
	streamPos time.Duration
	// segStart is the stream position where the current segment began
	// (advanced when old samples are evicted).
	segStart time.Duration
	seq      uint64
}

// New creates a Segmenter. Returns an error if the configuration is not
// usable.
func New(cfg Config) (*Segmenter, error) {
	if cfg.WorkingRate <= 0 {
		return nil, fmt.Errorf("segment: working rate %d must be positive", cfg.WorkingRate)
	}
	if cfg.MaxWindow <= 0 {
		return nil, fmt.Errorf("segment: max window %v must be positive", cfg.MaxWindow)
	}
	if cfg.MinUtterance < 0 || cfg.MinUtterance > cfg.MaxWindow {
		return nil, fmt.Errorf("segment: min utterance %v must be in [0, %v]", cfg.MinUtterance, cfg.MaxWindow)
	}
	maxSamples := int(cfg.MaxWindow.Seconds() * float64(cfg.WorkingRate))
	return &Segmenter{
		cfg:        cfg,
		maxSamples: maxSamples,
		minSamples: int(cfg.MinUtterance.Seconds() * float64(cfg.WorkingRate)),
		buf:        make([]int16, 0, maxSamples),
	}, nil
}

// Write ingests a chunk of mono PCM at the caller's sample rate,
// resampling to the working rate before buffering. Oversized accumulation
// evicts the oldest samples.
func (s *Segmenter) Write(pcm []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("segment: sample rate %d must be positive", sampleRate)
	}
	if len(pcm) == 0 {
		return nil
	}
	resampled := audio.ResampleMono(pcm, sampleRate, s.cfg.WorkingRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, resampled...)
	s.streamPos += sampleDuration(len(resampled), s.cfg.WorkingRate)

	if over := len(s.buf) - s.maxSamples; over > 0 {
		// Copy survivors to a fresh backing array so evicted samples do
		// not pin memory for the session's lifetime.
		fresh := make([]int16, len(s.buf)-over, s.maxSamples)
		copy(fresh, s.buf[over:])
		s.buf = fresh
		s.segStart += sampleDuration(over, s.cfg.WorkingRate)
	}
	return nil
}

// Cut snapshots everything accumulated since the previous boundary as one
// utterance and resets the accumulator. Snapshots shorter than the
// configured minimum return [ErrTooShort]; the audio is discarded either
// way, so the next utterance starts at the boundary.
func (s *Segmenter) Cut() (Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.buf)
	start := s.segStart
	s.segStart = s.streamPos

	if n < s.minSamples || n == 0 {
		s.buf = s.buf[:0]
		return Utterance{}, fmt.Errorf("%w: %v < %v",
			ErrTooShort, sampleDuration(n, s.cfg.WorkingRate), s.cfg.MinUtterance)
	}

	snapshot := make([]int16, n)
	copy(snapshot, s.buf)
	s.buf = s.buf[:0]

	s.seq++
	return Utterance{
		Seq:        s.seq,
		PCM:        snapshot,
		SampleRate: s.cfg.WorkingRate,
		Start:      start,
		End:        s.streamPos,
	}, nil
}

// Buffered returns the duration currently accumulated since the last
// boundary. Intended for stats and tests.
func (s *Segmenter) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sampleDuration(len(s.buf), s.cfg.WorkingRate)
}

func sampleDuration(samples, rate int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
