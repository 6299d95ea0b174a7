// Package voiceprint holds the enrollment-side data model: feature vectors,
// voiceprint samples, speaker profiles, and the in-memory registry that
// hands immutable snapshots to identification sessions. An optional
// Postgres/pgvector store persists enrollments across restarts.
package voiceprint

import "time"

// FeatureVector is a fixed-length acoustic summary of one utterance plus
// provenance describing how it was produced. Every vector compared within
// one deployment must come from the same extraction configuration.
type FeatureVector struct {
	// Values is the D-dimensional feature vector.
	Values []float64

	// Method names the extraction configuration (e.g. "mfcc34").
	Method string

	// SourceRate is the sample rate of the audio the vector was extracted
	// from, before resampling to the working rate.
	SourceRate int

	// Duration is the length of the source utterance.
	Duration time.Duration
}

// Dim returns the vector dimension.
func (v FeatureVector) Dim() int { return len(v.Values) }

// Sample is one enrolled voiceprint: a feature vector bound to a speaker.
// A profile may hold several samples; multi-sample enrollment improves
// robustness to channel and recording differences.
type Sample struct {
	SpeakerID string
	Vector    FeatureVector
	// Recorded is when the sample was enrolled.
	Recorded time.Time
}

// Profile is an enrolled speaker with an ordered collection of samples.
type Profile struct {
	SpeakerID string
	Name      string
	Samples   []Sample
}

// SnapshotEntry is one speaker's vectors inside an immutable [Snapshot].
type SnapshotEntry struct {
	SpeakerID string
	Name      string
	Vectors   [][]float64
}

// Snapshot is a point-in-time, immutable copy of the registry used to
// initialise an identification session. Sessions only ever read snapshots,
// never the live registry, so enrollment cannot race identification.
type Snapshot struct {
	Entries []SnapshotEntry
	Taken   time.Time
}

// Empty reports whether the snapshot contains no enrolled speakers.
func (s Snapshot) Empty() bool { return len(s.Entries) == 0 }
