package voiceprint

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Registry is the in-memory store of enrolled speaker profiles.
// Enrollment appends samples and never overwrites existing ones. Sessions
// do not read the registry directly; they receive a [Snapshot] taken at
// creation time.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	order    []string // enrollment order, for stable listings
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Enroll appends a sample for speakerID, creating the profile on first
// enrollment. The display name is set on creation and updated only when a
// non-empty name is supplied later. A vector with zero dimensions is
// rejected — enrollment with no usable features is invalid.
func (r *Registry) Enroll(speakerID, name string, vec FeatureVector) (Sample, error) {
	if speakerID == "" {
		return Sample{}, fmt.Errorf("voiceprint: enroll: speaker id is required")
	}
	if vec.Dim() == 0 {
		return Sample{}, fmt.Errorf("voiceprint: enroll %q: empty feature vector", speakerID)
	}

	sample := Sample{
		SpeakerID: speakerID,
		Vector:    vec,
		Recorded:  time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[speakerID]
	if !ok {
		p = &Profile{SpeakerID: speakerID, Name: name}
		r.profiles[speakerID] = p
		r.order = append(r.order, speakerID)
	} else if name != "" {
		p.Name = name
	}
	p.Samples = append(p.Samples, sample)

	slog.Info("voiceprint enrolled",
		"speaker_id", speakerID,
		"samples", len(p.Samples),
		"dim", vec.Dim(),
		"duration", vec.Duration,
	)
	return sample, nil
}

// Remove deletes a speaker and all their samples. Removing an unknown
// speaker is a no-op.
func (r *Registry) Remove(speakerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[speakerID]; !ok {
		return
	}
	delete(r.profiles, speakerID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == speakerID })
	slog.Info("voiceprint removed", "speaker_id", speakerID)
}

// Profiles returns a deep copy of all profiles in enrollment order.
func (r *Registry) Profiles() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Profile, 0, len(r.order))
	for _, id := range r.order {
		p := r.profiles[id]
		cp := Profile{SpeakerID: p.SpeakerID, Name: p.Name}
		cp.Samples = append(cp.Samples, p.Samples...)
		out = append(out, cp)
	}
	return out
}

// Snapshot returns an immutable copy of the registry for session use.
// When candidateIDs is non-empty, only those speakers are included;
// unknown candidate ids are skipped. Vector values are copied so later
// enrollment cannot mutate a snapshot a session is matching against.
func (r *Registry) Snapshot(candidateIDs ...string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.order
	if len(candidateIDs) > 0 {
		ids = candidateIDs
	}

	snap := Snapshot{Taken: time.Now().UTC()}
	for _, id := range ids {
		p, ok := r.profiles[id]
		if !ok {
			continue
		}
		entry := SnapshotEntry{SpeakerID: p.SpeakerID, Name: p.Name}
		for _, s := range p.Samples {
			vec := make([]float64, len(s.Vector.Values))
			copy(vec, s.Vector.Values)
			entry.Vectors = append(entry.Vectors, vec)
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap
}
