// Package match scores query feature vectors against a registry snapshot
// and turns the scores into an identification decision. Similarity blends
// cosine and Euclidean-derived components; a speaker with several enrolled
// samples is scored by their best sample (best-match-wins), because
// enrollment conditions vary sample to sample and averaging would penalise
// speakers with more varied enrollments.
package match

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/voxmeet/voxid/internal/voiceprint"
)

// Kind discriminates the closed set of identification outcomes.
type Kind int

const (
	// KindMatched means the top-ranked speaker met the threshold.
	KindMatched Kind = iota

	// KindUnidentified means no speaker met the threshold (or the
	// snapshot was empty).
	KindUnidentified

	// KindInvalid means the utterance produced no usable features
	// (too short, silent, or corrupt audio).
	KindInvalid
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMatched:
		return "matched"
	case KindUnidentified:
		return "unidentified"
	case KindInvalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Candidate is one speaker's best score against the query.
type Candidate struct {
	SpeakerID string  `json:"speaker_id"`
	Name      string  `json:"name,omitempty"`
	Score     float64 `json:"score"`
}

// Result is the outcome of scoring one query vector. The ranked candidate
// list is always populated for Matched and Unidentified outcomes, even on
// a confident match, so consumers can observe the full ranking.
type Result struct {
	Kind Kind `json:"kind"`

	// SpeakerID is set only when Kind is KindMatched.
	SpeakerID string `json:"speaker_id,omitempty"`

	// Score is the top candidate's score (the match confidence when
	// matched, the best rejected score otherwise). The blend ranges over
	// [-CosineWeight, CosineWeight+EuclideanWeight]: anti-correlated
	// vectors score negative, which can never clear a positive threshold.
	Score float64 `json:"score"`

	// Candidates is the full ranking, best first.
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Invalid returns the Result used for utterances with no usable features.
func Invalid() Result {
	return Result{Kind: KindInvalid}
}

// Config holds the scoring weights and decision threshold.
type Config struct {
	// CosineWeight scales the cosine-similarity component.
	CosineWeight float64 `yaml:"cosine_weight"`

	// EuclideanWeight scales the 1/(1+distance) component.
	EuclideanWeight float64 `yaml:"euclidean_weight"`

	// Threshold is the minimum blended score for a Matched decision.
	Threshold float64 `yaml:"threshold"`
}

// DefaultConfig returns the standard 0.7/0.3 blend with a 0.70 threshold.
func DefaultConfig() Config {
	return Config{CosineWeight: 0.7, EuclideanWeight: 0.3, Threshold: 0.70}
}

// Matcher scores queries against snapshots. Safe for concurrent use.
type Matcher struct {
	cfg Config

	// warnedDrift limits the dimension-drift quality warning to one log
	// line per Matcher rather than one per comparison.
	warnedDrift sync.Once
}

// New creates a Matcher with the given config.
func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// Threshold returns the configured decision threshold.
func (m *Matcher) Threshold() float64 { return m.cfg.Threshold }

// Identify scores query against every sample in snap and returns the
// decision with the full ranking. An empty snapshot yields Unidentified
// with score 0 without attempting any comparison.
func (m *Matcher) Identify(query []float64, snap voiceprint.Snapshot) Result {
	if snap.Empty() {
		return Result{Kind: KindUnidentified}
	}

	candidates := make([]Candidate, 0, len(snap.Entries))
	for _, entry := range snap.Entries {
		best := math.Inf(-1)
		for _, sample := range entry.Vectors {
			if s := m.score(query, sample); s > best {
				best = s
			}
		}
		if math.IsInf(best, -1) {
			continue // speaker with no samples
		}
		candidates = append(candidates, Candidate{
			SpeakerID: entry.SpeakerID,
			Name:      entry.Name,
			Score:     best,
		})
	}
	if len(candidates) == 0 {
		return Result{Kind: KindUnidentified}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	top := candidates[0]
	if top.Score >= m.cfg.Threshold {
		return Result{
			Kind:       KindMatched,
			SpeakerID:  top.SpeakerID,
			Score:      top.Score,
			Candidates: candidates,
		}
	}
	return Result{
		Kind:       KindUnidentified,
		Score:      top.Score,
		Candidates: candidates,
	}
}

// score blends the cosine and Euclidean-derived similarities of q and v.
// Vectors of different lengths are truncated to their common prefix —
// a leniency for extraction-parameter drift between enrollment and
// runtime, logged once as a quality warning rather than failed hard.
func (m *Matcher) score(q, v []float64) float64 {
	if len(q) != len(v) {
		m.warnedDrift.Do(func() {
			slog.Warn("feature dimension mismatch, truncating to common prefix; "+
				"re-enroll speakers with the current extraction configuration",
				"query_dim", len(q),
				"sample_dim", len(v),
			)
		})
		n := min(len(q), len(v))
		q, v = q[:n], v[:n]
	}
	if len(q) == 0 {
		return 0
	}
	cos := cosineSimilarity(q, v)
	euc := 1 / (1 + euclideanDistance(q, v))
	return m.cfg.CosineWeight*cos + m.cfg.EuclideanWeight*euc
}

// cosineSimilarity returns cos(q, v) in [-1, 1]. A zero vector on either
// side yields 0.
func cosineSimilarity(q, v []float64) float64 {
	var dot, nq, nv float64
	for i := range q {
		dot += q[i] * v[i]
		nq += q[i] * q[i]
		nv += v[i] * v[i]
	}
	if nq == 0 || nv == 0 {
		return 0
	}
	return dot / (math.Sqrt(nq) * math.Sqrt(nv))
}

// euclideanDistance returns ‖q − v‖₂.
func euclideanDistance(q, v []float64) float64 {
	var sum float64
	for i := range q {
		d := q[i] - v[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
