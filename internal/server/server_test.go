package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/health"
	"github.com/voxmeet/voxid/internal/ident"
	"github.com/voxmeet/voxid/internal/match"
	"github.com/voxmeet/voxid/internal/voiceprint"
	"github.com/voxmeet/voxid/pkg/audio"
)

func tone(freq float64, rate int, dur time.Duration) []int16 {
	n := int(dur.Seconds() * float64(rate))
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return pcm
}

func toneWAV(freq float64, rate int, dur time.Duration) []byte {
	return audio.EncodeWAV(tone(freq, rate, dur), rate)
}

type fakeStore struct {
	saveErr error
	saved   []string
	deleted []string
}

func (f *fakeStore) SaveSample(_ context.Context, _ string, sample voiceprint.Sample) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, sample.SpeakerID)
	return nil
}

func (f *fakeStore) DeleteSpeaker(_ context.Context, speakerID string) error {
	f.deleted = append(f.deleted, speakerID)
	return nil
}

func newTestServer(t *testing.T, store SampleStore, mgrCfg ident.ManagerConfig) *Server {
	t.Helper()

	ext, err := feature.New(feature.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg := voiceprint.NewRegistry()
	mgr, err := ident.NewManager(mgrCfg, ext, match.New(match.DefaultConfig()), reg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return New(reg, store, ext, mgr, nil, health.New())
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestEnroll(t *testing.T) {
	t.Parallel()

	t.Run("raw wav body", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, nil, ident.DefaultManagerConfig())
		h := srv.Handler()

		rec := do(t, h, http.MethodPost, "/v1/speakers/alice/enroll?name=Alice",
			toneWAV(200, 16000, time.Second), nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("want 201, got %d: %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["speaker_id"] != "alice" {
			t.Errorf("want alice, got %v", body["speaker_id"])
		}
		if body["dim"] != float64(34) {
			t.Errorf("want dim 34, got %v", body["dim"])
		}

		rec = do(t, h, http.MethodGet, "/v1/speakers", nil, nil)
		list := decodeBody(t, rec)
		speakers := list["speakers"].([]any)
		if len(speakers) != 1 {
			t.Fatalf("want 1 speaker, got %d", len(speakers))
		}
		sp := speakers[0].(map[string]any)
		if sp["name"] != "Alice" || sp["samples"] != float64(1) {
			t.Errorf("unexpected speaker entry: %v", sp)
		}
	})

	t.Run("multipart upload", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, nil, ident.DefaultManagerConfig())

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("audio", "bob.wav")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := fw.Write(toneWAV(800, 16000, time.Second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mw.WriteField("name", "Bob"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mw.Close()

		rec := do(t, srv.Handler(), http.MethodPost, "/v1/speakers/bob/enroll", buf.Bytes(),
			map[string]string{"Content-Type": mw.FormDataContentType()})
		if rec.Code != http.StatusCreated {
			t.Fatalf("want 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("rejects non-wav and silence", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, nil, ident.DefaultManagerConfig())
		h := srv.Handler()

		if rec := do(t, h, http.MethodPost, "/v1/speakers/x/enroll", []byte("not audio"), nil); rec.Code != http.StatusBadRequest {
			t.Errorf("garbage: want 400, got %d", rec.Code)
		}
		silent := audio.EncodeWAV(make([]int16, 16000), 16000)
		if rec := do(t, h, http.MethodPost, "/v1/speakers/x/enroll", silent, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("silence: want 400, got %d", rec.Code)
		}
	})

	t.Run("persists through the store", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{}
		srv := newTestServer(t, store, ident.DefaultManagerConfig())
		h := srv.Handler()

		if rec := do(t, h, http.MethodPost, "/v1/speakers/carol/enroll", toneWAV(400, 16000, time.Second), nil); rec.Code != http.StatusCreated {
			t.Fatalf("want 201, got %d", rec.Code)
		}
		if len(store.saved) != 1 || store.saved[0] != "carol" {
			t.Errorf("sample should be persisted, got %v", store.saved)
		}

		if rec := do(t, h, http.MethodDelete, "/v1/speakers/carol", nil, nil); rec.Code != http.StatusNoContent {
			t.Fatalf("want 204, got %d", rec.Code)
		}
		if len(store.deleted) != 1 || store.deleted[0] != "carol" {
			t.Errorf("deletion should reach the store, got %v", store.deleted)
		}
	})

	t.Run("store failure is surfaced", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{saveErr: errors.New("db down")}
		srv := newTestServer(t, store, ident.DefaultManagerConfig())

		rec := do(t, srv.Handler(), http.MethodPost, "/v1/speakers/dave/enroll", toneWAV(300, 16000, time.Second), nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("want 500, got %d", rec.Code)
		}
	})
}

func createSession(t *testing.T, h http.Handler, meetingID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"meeting_id":%q}`, meetingID)
	rec := do(t, h, http.MethodPost, "/v1/sessions", []byte(body), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["session_id"].(string)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, ident.DefaultManagerConfig())
	h := srv.Handler()

	id := createSession(t, h, "standup")

	rec := do(t, h, http.MethodGet, "/v1/sessions", nil, nil)
	stats := decodeBody(t, rec)
	if stats["active"] != float64(1) {
		t.Errorf("want 1 active session, got %v", stats["active"])
	}

	if rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/pause", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: want 200, got %d", rec.Code)
	}
	// Pausing twice is a state conflict.
	if rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/pause", nil, nil); rec.Code != http.StatusConflict {
		t.Errorf("double pause: want 409, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/resume", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: want 200, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/v1/sessions/"+id, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("destroy: want 204, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/sessions/"+id, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("double destroy: want 404, got %d", rec.Code)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, ident.DefaultManagerConfig())
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/v1/sessions", []byte(`{}`), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing meeting_id: want 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/sessions", []byte(`{`), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: want 400, got %d", rec.Code)
	}
}

func TestSessionCapacity(t *testing.T) {
	t.Parallel()

	cfg := ident.DefaultManagerConfig()
	cfg.MaxSessions = 1
	srv := newTestServer(t, nil, cfg)
	h := srv.Handler()

	createSession(t, h, "first")
	rec := do(t, h, http.MethodPost, "/v1/sessions", []byte(`{"meeting_id":"second"}`), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", rec.Code)
	}
}

func TestAudioIngest(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, ident.DefaultManagerConfig())
	h := srv.Handler()
	id := createSession(t, h, "m")

	t.Run("wav chunk", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/audio", toneWAV(200, 16000, time.Second), nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("want 202, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("raw pcm chunk", func(t *testing.T) {
		raw := audio.Int16ToBytes(tone(200, 48000, time.Second))
		rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/audio?sample_rate=48000", raw, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("want 202, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("raw pcm requires sample_rate", func(t *testing.T) {
		raw := audio.Int16ToBytes(tone(200, 16000, time.Second))
		rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/audio", raw, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/v1/sessions/nope/audio?sample_rate=16000", []byte{0, 0}, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("want 404, got %d", rec.Code)
		}
	})
}

func TestBoundary(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, ident.DefaultManagerConfig())
	h := srv.Handler()
	id := createSession(t, h, "m")

	// No audio yet: the boundary is acknowledged but the snapshot dropped.
	rec := do(t, h, http.MethodPost, "/v1/sessions/"+id+"/boundary", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["dropped"] != true {
		t.Errorf("empty boundary should report dropped, got %v", body)
	}

	do(t, h, http.MethodPost, "/v1/sessions/"+id+"/audio", toneWAV(200, 16000, time.Second), nil)
	rec = do(t, h, http.MethodPost, "/v1/sessions/"+id+"/boundary", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["dropped"] != false {
		t.Errorf("valid boundary should queue the utterance, got %v", body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, ident.DefaultManagerConfig())
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: want 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("readyz: want 200, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, ident.DefaultManagerConfig())
	if rec := do(t, srv.Handler(), http.MethodGet, "/v1/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("want 404, got %d", rec.Code)
	}
}
