package audio

import "time"

// Clip is a self-contained buffer of mono PCM samples. Clips are the unit of
// audio handed between the segmenter, the feature extractor, and enrollment —
// captured from a live stream or decoded from an uploaded WAV file.
type Clip struct {
	// PCM holds signed 16-bit mono samples.
	PCM []int16

	// SampleRate in Hz (e.g. 16000 for the analysis pipeline, 48000 for
	// browser capture).
	SampleRate int
}

// Duration returns the play length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(c.SampleRate)
}
