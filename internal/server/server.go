// Package server binds the identification engine to HTTP. Enrollment and
// session control are plain JSON endpoints on the stdlib mux; per-session
// identification results stream out over a websocket.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/health"
	"github.com/voxmeet/voxid/internal/ident"
	"github.com/voxmeet/voxid/internal/observe"
	"github.com/voxmeet/voxid/internal/segment"
	"github.com/voxmeet/voxid/internal/voiceprint"
	"github.com/voxmeet/voxid/pkg/audio"
)

// maxUploadBytes bounds enrollment uploads and audio chunks. One minute of
// 48 kHz stereo 16-bit PCM is ~11.5 MiB; 32 MiB leaves headroom.
const maxUploadBytes = 32 << 20

// SampleStore is the optional durability hook behind enrollment. The
// Postgres store implements it; a nil store keeps the registry memory-only.
type SampleStore interface {
	SaveSample(ctx context.Context, name string, sample voiceprint.Sample) error
	DeleteSpeaker(ctx context.Context, speakerID string) error
}

// Server wires the registry, extractor and session pool into an HTTP API.
type Server struct {
	registry  *voiceprint.Registry
	store     SampleStore
	extractor *feature.Extractor
	manager   *ident.Manager
	metrics   *observe.Metrics
	log       *slog.Logger
	mux       *http.ServeMux
}

// New builds the server and its routes. store and metrics may be nil.
func New(reg *voiceprint.Registry, store SampleStore, ext *feature.Extractor, mgr *ident.Manager, met *observe.Metrics, hc *health.Handler) *Server {
	s := &Server{
		registry:  reg,
		store:     store,
		extractor: ext,
		manager:   mgr,
		metrics:   met,
		log:       slog.Default().With("component", "http"),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /v1/speakers/{id}/enroll", s.handleEnroll)
	s.mux.HandleFunc("GET /v1/speakers", s.handleListSpeakers)
	s.mux.HandleFunc("DELETE /v1/speakers/{id}", s.handleRemoveSpeaker)

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions", s.handleSessionStats)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDestroySession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/audio", s.handleAudio)
	s.mux.HandleFunc("POST /v1/sessions/{id}/boundary", s.handleBoundary)
	s.mux.HandleFunc("POST /v1/sessions/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /v1/sessions/{id}/resume", s.handleResume)
	s.mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)

	if hc != nil {
		hc.Register(s.mux)
	}
	return s
}

// Handler returns the routed handler wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.mux)
}

// Mux exposes the underlying mux so main can add extra routes (/metrics).
func (s *Server) Mux() *http.ServeMux { return s.mux }

// ─── Speakers ────────────────────────────────────────────────────────────────

// handleEnroll accepts a WAV upload — multipart field "audio" plus form
// field "name", or a raw WAV body with a "name" query parameter — extracts
// a voiceprint and enrolls it for the speaker in the path.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	speakerID := r.PathValue("id")

	wav, name, err := readEnrollUpload(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	vec, err := s.extractor.Extract(clip)
	if err != nil {
		// Includes ErrInvalidAudio: enrolling silence is a caller mistake,
		// unlike runtime identification where it is an expected outcome.
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sample, err := s.registry.Enroll(speakerID, name, vec)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.store != nil {
		if err := s.store.SaveSample(r.Context(), name, sample); err != nil {
			s.log.Error("sample persistence failed", "speaker_id", speakerID, "error", err)
			s.writeError(w, http.StatusInternalServerError, errors.New("enrollment not persisted"))
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"speaker_id": speakerID,
		"dim":        vec.Dim(),
		"method":     vec.Method,
		"duration":   vec.Duration.String(),
	})
}

func readEnrollUpload(r *http.Request) (wav []byte, name string, err error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", fmt.Errorf("parse multipart form: %w", err)
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			return nil, "", fmt.Errorf("multipart field %q: %w", "audio", err)
		}
		defer f.Close()
		wav, err = io.ReadAll(f)
		if err != nil {
			return nil, "", err
		}
		return wav, r.FormValue("name"), nil
	}

	wav, err = io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	return wav, r.URL.Query().Get("name"), nil
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, _ *http.Request) {
	type speaker struct {
		SpeakerID string `json:"speaker_id"`
		Name      string `json:"name,omitempty"`
		Samples   int    `json:"samples"`
	}
	profiles := s.registry.Profiles()
	out := make([]speaker, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, speaker{SpeakerID: p.SpeakerID, Name: p.Name, Samples: len(p.Samples)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakers": out})
}

func (s *Server) handleRemoveSpeaker(w http.ResponseWriter, r *http.Request) {
	speakerID := r.PathValue("id")
	if s.store != nil {
		if err := s.store.DeleteSpeaker(r.Context(), speakerID); err != nil {
			s.log.Error("speaker deletion failed", "speaker_id", speakerID, "error", err)
			s.writeError(w, http.StatusInternalServerError, errors.New("speaker not deleted"))
			return
		}
	}
	s.registry.Remove(speakerID)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

type createSessionRequest struct {
	MeetingID           string   `json:"meeting_id"`
	CandidateSpeakerIDs []string `json:"candidate_speaker_ids,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.MeetingID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("meeting_id is required"))
		return
	}

	sess, err := s.manager.Create(r.Context(), req.MeetingID, req.CandidateSpeakerIDs)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"meeting_id": sess.MeetingID,
		"state":      sess.State().String(),
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   len(stats),
		"sessions": stats,
	})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Destroy(r.Context(), r.PathValue("id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAudio feeds one chunk of audio into the session's accumulator. The
// body is either a WAV buffer or raw little-endian 16-bit mono PCM with a
// sample_rate query parameter.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxUploadBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var pcm []int16
	var rate int
	if bytes.HasPrefix(body, []byte("RIFF")) {
		clip, err := audio.DecodeWAV(body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		pcm, rate = clip.PCM, clip.SampleRate
	} else {
		if len(body)%2 != 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("raw PCM body must be an even number of bytes"))
			return
		}
		rate, err = strconv.Atoi(r.URL.Query().Get("sample_rate"))
		if err != nil || rate <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("sample_rate query parameter is required for raw PCM"))
			return
		}
		pcm = audio.BytesToInt16(body)
	}

	if err := sess.Ingest(pcm, rate); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleBoundary signals an utterance boundary: the audio accumulated since
// the previous boundary is cut and queued for identification. A too-short
// snapshot is discarded and acknowledged with 202 and dropped=true.
func (s *Server) handleBoundary(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	switch err := sess.Boundary(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"dropped": false})
	case errors.Is(err, segment.ErrTooShort):
		writeJSON(w, http.StatusAccepted, map[string]any{"dropped": true, "reason": "too short"})
	default:
		s.writeSessionError(w, err)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.manager.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.manager.Resume)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := r.PathValue("id")
	if err := action(id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	sess, err := s.manager.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"state":      sess.State().String(),
	})
}

// ─── Responses ───────────────────────────────────────────────────────────────

// writeSessionError maps engine errors onto HTTP status codes.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ident.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ident.ErrConcurrencyLimit):
		s.writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, ident.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ident.ErrSessionState):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
