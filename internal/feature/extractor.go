// Package feature turns raw PCM utterances into fixed-length voiceprint
// vectors. The pipeline is deterministic — no randomness anywhere — so the
// same clip always yields the same vector:
//
//	resample → peak-normalise → pre-emphasis → framed Hamming/FFT power
//	spectra → Mel filterbank → log → DCT cepstra → per-coefficient
//	mean/std + global spectral and energy descriptors.
//
// Enrollment and runtime identification must share one Extractor
// configuration; the vector dimension is fixed per deployment.
package feature

import (
	"errors"
	"fmt"
	"math"

	"github.com/voxmeet/voxid/internal/dsp"
	"github.com/voxmeet/voxid/internal/voiceprint"
	"github.com/voxmeet/voxid/pkg/audio"
)

// ErrInvalidAudio marks an utterance that is too short or effectively
// silent. Callers treat it like segmentation-level "no speech": the result
// is an unidentified utterance, never a failure surfaced to control flow.
var ErrInvalidAudio = errors.New("feature: invalid audio")

// silenceFloor is the minimum peak amplitude (of full-scale) below which a
// clip is classified as silence.
const silenceFloor = 1e-4

// descriptorCount is the number of global spectral and energy descriptors
// appended after the cepstral statistics: centroid, bandwidth, roll-off,
// zero-crossing rate, flux, RMS energy, peak amplitude, log dynamic range.
const descriptorCount = 8

// rolloffFraction is the spectral-energy fraction for the roll-off point.
const rolloffFraction = 0.85

// Config holds the extraction parameters. The zero value is not usable;
// start from [DefaultConfig].
type Config struct {
	// WorkingRate is the analysis sample rate in Hz. Input clips at other
	// rates are resampled with linear interpolation.
	WorkingRate int `yaml:"working_rate"`

	// FrameSize is the analysis frame length in samples. Must be a power
	// of two.
	FrameSize int `yaml:"frame_size"`

	// HopSize is the frame advance in samples.
	HopSize int `yaml:"hop_size"`

	// MelFilters is the number of triangular Mel filters.
	MelFilters int `yaml:"mel_filters"`

	// Cepstra is the number of cepstral coefficients kept per frame.
	Cepstra int `yaml:"cepstra"`

	// PreEmphasis is the high-pass filter coefficient (typically 0.97).
	PreEmphasis float64 `yaml:"pre_emphasis"`
}

// DefaultConfig returns the standard 16 kHz / 512-sample-frame
// configuration producing 34-dimensional vectors.
func DefaultConfig() Config {
	return Config{
		WorkingRate: 16000,
		FrameSize:   512,
		HopSize:     256,
		MelFilters:  26,
		Cepstra:     13,
		PreEmphasis: 0.97,
	}
}

// Dim returns the vector dimension this configuration produces:
// mean and standard deviation per cepstral coefficient plus the global
// descriptors.
func (c Config) Dim() int { return 2*c.Cepstra + descriptorCount }

// Method returns the provenance tag recorded on extracted vectors.
func (c Config) Method() string { return fmt.Sprintf("mfcc%d", c.Dim()) }

// Extractor converts PCM clips into voiceprint feature vectors. The Hamming
// window and Mel filterbank are precomputed at construction.
//
// Extract is a pure function of its input; an Extractor is safe for
// concurrent use.
type Extractor struct {
	cfg     Config
	window  []float64
	filters [][]float64
}

// New validates cfg and builds an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.WorkingRate <= 0 {
		return nil, fmt.Errorf("feature: working rate %d must be positive", cfg.WorkingRate)
	}
	if cfg.FrameSize <= 0 || cfg.FrameSize&(cfg.FrameSize-1) != 0 {
		return nil, fmt.Errorf("feature: frame size %d must be a power of two", cfg.FrameSize)
	}
	if cfg.HopSize <= 0 || cfg.HopSize > cfg.FrameSize {
		return nil, fmt.Errorf("feature: hop size %d must be in (0, %d]", cfg.HopSize, cfg.FrameSize)
	}
	if cfg.MelFilters < 2 {
		return nil, fmt.Errorf("feature: at least 2 mel filters required, got %d", cfg.MelFilters)
	}
	if cfg.Cepstra <= 0 || cfg.Cepstra >= cfg.MelFilters {
		return nil, fmt.Errorf("feature: cepstra %d must be in [1, %d)", cfg.Cepstra, cfg.MelFilters)
	}
	if cfg.PreEmphasis < 0 || cfg.PreEmphasis >= 1 {
		return nil, fmt.Errorf("feature: pre-emphasis %v must be in [0, 1)", cfg.PreEmphasis)
	}
	return &Extractor{
		cfg:     cfg,
		window:  dsp.HammingWindow(cfg.FrameSize),
		filters: melFilterbank(cfg.MelFilters, cfg.FrameSize, cfg.WorkingRate),
	}, nil
}

// Config returns the extractor's configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Dim returns the dimension of vectors this extractor produces.
func (e *Extractor) Dim() int { return e.cfg.Dim() }

// Extract computes the feature vector for a clip. Clips shorter than one
// analysis frame (after resampling) or with a near-zero peak return
// [ErrInvalidAudio].
func (e *Extractor) Extract(clip audio.Clip) (voiceprint.FeatureVector, error) {
	if clip.SampleRate <= 0 || len(clip.PCM) == 0 {
		return voiceprint.FeatureVector{}, fmt.Errorf("%w: empty clip", ErrInvalidAudio)
	}

	pcm := audio.ResampleMono(clip.PCM, clip.SampleRate, e.cfg.WorkingRate)
	x := audio.ToFloat64(pcm)
	if len(x) < e.cfg.FrameSize {
		return voiceprint.FeatureVector{}, fmt.Errorf("%w: %d samples, need at least %d",
			ErrInvalidAudio, len(x), e.cfg.FrameSize)
	}

	var peak float64
	for _, s := range x {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak < silenceFloor {
		return voiceprint.FeatureVector{}, fmt.Errorf("%w: peak amplitude %v below silence floor",
			ErrInvalidAudio, peak)
	}

	// Peak-normalise to [-1, 1].
	norm := make([]float64, len(x))
	for i, s := range x {
		norm[i] = s / peak
	}

	emph := dsp.PreEmphasis(norm, e.cfg.PreEmphasis)
	frames := 1 + (len(emph)-e.cfg.FrameSize)/e.cfg.HopSize

	var (
		cepSum   = make([]float64, e.cfg.Cepstra)
		cepSqSum = make([]float64, e.cfg.Cepstra)
		spectral spectralAccumulator
	)
	for f := range frames {
		start := f * e.cfg.HopSize
		windowed := dsp.ApplyWindow(emph[start:start+e.cfg.FrameSize], e.window)
		spectrum := dsp.PowerSpectrum(windowed)

		cep := dctII(e.logMelEnergies(spectrum), e.cfg.Cepstra)
		for i, c := range cep {
			cepSum[i] += c
			cepSqSum[i] += c * c
		}
		spectral.addFrame(spectrum, e.cfg.WorkingRate, e.cfg.FrameSize)
	}

	// Cepstral statistics.
	n := float64(frames)
	values := make([]float64, 0, e.cfg.Dim())
	for i := range e.cfg.Cepstra {
		values = append(values, cepSum[i]/n)
	}
	for i := range e.cfg.Cepstra {
		variance := cepSqSum[i]/n - (cepSum[i]/n)*(cepSum[i]/n)
		if variance < 0 {
			variance = 0
		}
		values = append(values, math.Sqrt(variance))
	}

	// Global spectral descriptors (frequency axes normalised by Nyquist).
	values = append(values,
		spectral.meanCentroid(),
		spectral.meanBandwidth(),
		spectral.meanRolloff(),
		zeroCrossingRate(norm),
		spectral.meanFlux(),
	)

	// Energy descriptors. Peak is the pre-normalisation level so that the
	// vector still reflects how loud the source was.
	values = append(values,
		rmsEnergy(norm),
		peak,
		logDynamicRange(norm, e.cfg.FrameSize, e.cfg.HopSize),
	)

	return voiceprint.FeatureVector{
		Values:     values,
		Method:     e.cfg.Method(),
		SourceRate: clip.SampleRate,
		Duration:   clip.Duration(),
	}, nil
}

// logMelEnergies pools a power spectrum through the Mel filterbank and
// takes the log of each filter's energy, floored to avoid log(0).
func (e *Extractor) logMelEnergies(spectrum []float64) []float64 {
	const energyFloor = 1e-10
	out := make([]float64, len(e.filters))
	for f, filter := range e.filters {
		var energy float64
		for k, w := range filter {
			if w != 0 {
				energy += w * spectrum[k]
			}
		}
		out[f] = math.Log(energy + energyFloor)
	}
	return out
}

// zeroCrossingRate returns the fraction of adjacent sample pairs whose
// signs differ.
func zeroCrossingRate(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(x); i++ {
		if (x[i-1] >= 0) != (x[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(x)-1)
}

// rmsEnergy returns the root-mean-square amplitude of x.
func rmsEnergy(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, s := range x {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(x)))
}

// logDynamicRange returns the loudest-to-quietest frame RMS ratio in dB,
// a measure of how much the signal level varies across the utterance.
func logDynamicRange(x []float64, frameSize, hopSize int) float64 {
	const rmsFloor = 1e-5
	maxRMS, minRMS := 0.0, math.Inf(1)
	for start := 0; start+frameSize <= len(x); start += hopSize {
		rms := rmsEnergy(x[start : start+frameSize])
		if rms > maxRMS {
			maxRMS = rms
		}
		if rms < minRMS {
			minRMS = rms
		}
	}
	if maxRMS == 0 || math.IsInf(minRMS, 1) {
		return 0
	}
	if minRMS < rmsFloor {
		minRMS = rmsFloor
	}
	return 20 * math.Log10(maxRMS/minRMS)
}

// spectralAccumulator averages per-frame spectral descriptors across an
// utterance. Frequencies are normalised by the Nyquist frequency so all
// descriptors share the [0, 1] scale of the cepstral statistics' order of
// magnitude.
type spectralAccumulator struct {
	frames    int
	centroid  float64
	bandwidth float64
	rolloff   float64
	flux      float64
	fluxCount int
	prev      []float64
}

func (a *spectralAccumulator) addFrame(spectrum []float64, sampleRate, frameSize int) {
	nyquist := float64(sampleRate) / 2
	binHz := float64(sampleRate) / float64(frameSize)

	var total, weighted float64
	for k, p := range spectrum {
		total += p
		weighted += float64(k) * binHz * p
	}
	if total <= 0 {
		total = 1e-12
	}
	centroidHz := weighted / total

	var spread float64
	for k, p := range spectrum {
		d := float64(k)*binHz - centroidHz
		spread += d * d * p
	}
	bandwidthHz := math.Sqrt(spread / total)

	// Roll-off: lowest frequency below which rolloffFraction of the
	// energy lies.
	target := rolloffFraction * total
	var cum float64
	rolloffHz := nyquist
	for k, p := range spectrum {
		cum += p
		if cum >= target {
			rolloffHz = float64(k) * binHz
			break
		}
	}

	// Flux against the previous frame's unit-normalised spectrum.
	unit := make([]float64, len(spectrum))
	for k, p := range spectrum {
		unit[k] = p / total
	}
	if a.prev != nil {
		var flux float64
		for k := range unit {
			d := unit[k] - a.prev[k]
			flux += d * d
		}
		a.flux += math.Sqrt(flux)
		a.fluxCount++
	}
	a.prev = unit

	a.frames++
	a.centroid += centroidHz / nyquist
	a.bandwidth += bandwidthHz / nyquist
	a.rolloff += rolloffHz / nyquist
}

func (a *spectralAccumulator) meanCentroid() float64 {
	if a.frames == 0 {
		return 0
	}
	return a.centroid / float64(a.frames)
}

func (a *spectralAccumulator) meanBandwidth() float64 {
	if a.frames == 0 {
		return 0
	}
	return a.bandwidth / float64(a.frames)
}

func (a *spectralAccumulator) meanRolloff() float64 {
	if a.frames == 0 {
		return 0
	}
	return a.rolloff / float64(a.frames)
}

func (a *spectralAccumulator) meanFlux() float64 {
	if a.fluxCount == 0 {
		return 0
	}
	return a.flux / float64(a.fluxCount)
}
