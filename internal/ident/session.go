// Package ident contains the runtime identification engine: per-meeting
// sessions that queue utterances, run extraction and matching on a single
// worker to preserve stream order, and emit results and speaker-turn
// events to their consumers. The [Manager] owns the session pool, enforces
// the concurrency limit, and reaps idle sessions.
package ident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/match"
	"github.com/voxmeet/voxid/internal/observe"
	"github.com/voxmeet/voxid/internal/segment"
	"github.com/voxmeet/voxid/internal/voiceprint"
)

var (
	// ErrQueueFull is returned by Submit when the session's utterance
	// queue is at capacity. The caller decides whether to drop or retry;
	// the session never blocks the producer.
	ErrQueueFull = errors.New("ident: utterance queue full")

	// ErrSessionState is returned when an operation is not legal in the
	// session's current state (e.g. ingesting audio into a paused session).
	ErrSessionState = errors.New("ident: operation not allowed in current state")
)

// State is the lifecycle state of a session.
type State int

const (
	// StateStarting covers construction before the worker runs.
	StateStarting State = iota

	// StateRunning accepts audio and processes queued utterances.
	StateRunning

	// StatePaused rejects new audio but keeps draining the queue.
	StatePaused

	// StateStopping covers teardown: queued work is dropped, the worker
	// is winding down.
	StateStopping

	// StateIdle is the terminal state of a destroyed session.
	StateIdle

	// StateError is entered when processing fails unrecoverably. The
	// session stops processing and waits for an explicit destroy.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateIdle:
		return "idle"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result pairs an identification outcome with the utterance it came from.
// Results are emitted in utterance order.
type Result struct {
	SessionID string        `json:"session_id"`
	Seq       uint64        `json:"seq"`
	Start     string        `json:"start"`
	End       string        `json:"end"`
	Match     match.Result  `json:"match"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// TurnChange signals that the matched speaker differs from the previous
// utterance's. An empty From or To means no speaker was identified on
// that side of the transition.
type TurnChange struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// SessionConfig holds per-session parameters.
type SessionConfig struct {
	// QueueSize bounds the utterance backlog between segmentation and the
	// worker. Submissions beyond it fail with [ErrQueueFull].
	QueueSize int `yaml:"queue_size"`

	// Segmenter configures the per-session audio accumulator.
	Segmenter segment.Config `yaml:"segmenter"`
}

// DefaultSessionConfig returns a 64-deep queue over the default segmenter.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{QueueSize: 64, Segmenter: segment.DefaultConfig()}
}

// Session is one meeting's identification pipeline. Audio flows in through
// [Session.Ingest], boundary signals through [Session.Boundary]; a single
// worker goroutine drains the utterance queue so results come out of
// [Session.Results] in submission order.
type Session struct {
	// ID is the manager-assigned session identifier.
	ID string

	// MeetingID is the caller-supplied correlation id.
	MeetingID string

	extractor *feature.Extractor
	matcher   *match.Matcher
	snapshot  voiceprint.Snapshot
	seg       *segment.Segmenter
	metrics   *observe.Metrics
	log       *slog.Logger

	queue   chan segment.Utterance
	results chan Result
	turns   chan TurnChange
	errs    chan error

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	started      time.Time
	processed    uint64
	prevSpeaker  string
	hasPrev      bool
}

// newSession wires a session but does not start its worker; the Manager
// calls start after registering it in the pool.
func newSession(id, meetingID string, cfg SessionConfig, ext *feature.Extractor, m *match.Matcher, snap voiceprint.Snapshot, met *observe.Metrics) (*Session, error) {
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("ident: queue size %d must be positive", cfg.QueueSize)
	}
	seg, err := segment.New(cfg.Segmenter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		ID:        id,
		MeetingID: meetingID,
		extractor: ext,
		matcher:   m,
		snapshot:  snap,
		seg:       seg,
		metrics:   met,
		log: slog.Default().With(
			"session_id", id,
			"meeting_id", meetingID,
		),
		queue:   make(chan segment.Utterance, cfg.QueueSize),
		results: make(chan Result, cfg.QueueSize),
		turns:   make(chan TurnChange, cfg.QueueSize),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),

		state:        StateStarting,
		lastActivity: now,
		started:      now,
	}, nil
}

// start launches the worker and moves the session to Running.
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	go s.worker(ctx)
	s.log.Info("session started", "speakers", len(s.snapshot.Entries))
}

// Results streams identification results in utterance order. The channel
// is closed when the session's worker exits.
func (s *Session) Results() <-chan Result { return s.results }

// TurnChanges streams speaker-turn-change events. Closed with the worker.
func (s *Session) TurnChanges() <-chan TurnChange { return s.turns }

// Errors delivers at most one unrecoverable processing error. Closed with
// the worker.
func (s *Session) Errors() <-chan error { return s.errs }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the most recent ingest, boundary, or
// processed utterance. The manager's idle sweep reads it.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// touch records activity now. Callers must hold s.mu.
func (s *Session) touch() { s.lastActivity = time.Now() }

// Ingest feeds a chunk of mono PCM into the session's accumulator. Only
// legal while Running; a paused session rejects audio so the stream
// position does not silently advance while the caller believes processing
// is suspended.
func (s *Session) Ingest(pcm []int16, sampleRate int) error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: ingest in %v", ErrSessionState, st)
	}
	s.touch()
	s.mu.Unlock()

	return s.seg.Write(pcm, sampleRate)
}

// Boundary cuts the accumulated audio into an utterance and queues it for
// identification. Snapshots below the minimum utterance length are
// discarded and reported as [segment.ErrTooShort]; a full queue drops the
// utterance and reports [ErrQueueFull].
func (s *Session) Boundary() error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: boundary in %v", ErrSessionState, st)
	}
	s.touch()
	s.mu.Unlock()

	u, err := s.seg.Cut()
	if err != nil {
		return err
	}
	return s.Submit(u)
}

// Submit enqueues an already-cut utterance. Exposed for consumers that do
// their own segmentation. Never blocks: a full queue fails fast with
// [ErrQueueFull] and the utterance is counted as dropped.
//
// The state check and the enqueue happen under one critical section, so a
// submit cannot pass the Running check and then land in the queue after a
// concurrent destroy has already drained it.
func (s *Session) Submit(u segment.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return fmt.Errorf("%w: submit in %v", ErrSessionState, s.state)
	}
	s.touch()

	select {
	case s.queue <- u:
		return nil
	default:
		s.metrics.RecordDropped(context.Background(), 1)
		s.log.Warn("utterance dropped, queue full", "seq", u.Seq)
		return ErrQueueFull
	}
}

// Pause suspends audio intake. Queued utterances keep processing; new
// ingests fail with [ErrSessionState] until Resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("%w: pause in %v", ErrSessionState, s.state)
	}
	s.state = StatePaused
	s.touch()
	s.log.Info("session paused")
	return nil
}

// Resume re-enables audio intake on a paused session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("%w: resume in %v", ErrSessionState, s.state)
	}
	s.state = StateRunning
	s.touch()
	s.log.Info("session resumed")
	return nil
}

// destroy stops the worker and drops any queued utterances. Safe to call
// more than once; the session ends in Idle. Called by the Manager.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.cancel()
	<-s.done

	// Drain whatever the worker never picked up; those utterances get no
	// result, not a partial one.
	var dropped int64
	for {
		select {
		case <-s.queue:
			dropped++
		default:
			s.metrics.RecordDropped(context.Background(), dropped)

			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			s.log.Info("session destroyed", "dropped", dropped)
			return
		}
	}
}

// worker drains the queue one utterance at a time. Single ownership of the
// extraction+matching path is what guarantees result ordering.
func (s *Session) worker(ctx context.Context) {
	defer func() {
		close(s.results)
		close(s.turns)
		close(s.errs)
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.queue:
			if !s.process(ctx, u) {
				return
			}
		}
	}
}

// process runs one utterance through extraction and matching and emits the
// result. Returns false when the worker should stop (cancellation or an
// unrecoverable error).
func (s *Session) process(ctx context.Context, u segment.Utterance) bool {
	begin := time.Now()

	var res match.Result
	vec, err := s.extractor.Extract(u.Clip())
	s.metrics.RecordExtraction(ctx, time.Since(begin))
	switch {
	case errors.Is(err, feature.ErrInvalidAudio):
		res = match.Invalid()
	case err != nil:
		s.fail(err)
		return false
	default:
		res = s.matcher.Identify(vec.Values, s.snapshot)
	}

	elapsed := time.Since(begin)
	s.metrics.RecordIdentification(ctx, res.Kind.String(), elapsed)

	s.mu.Lock()
	s.processed++
	s.touch()
	s.mu.Unlock()

	out := Result{
		SessionID: s.ID,
		Seq:       u.Seq,
		Start:     u.Start.String(),
		End:       u.End.String(),
		Match:     res,
		Elapsed:   elapsed,
	}
	select {
	case s.results <- out:
	case <-ctx.Done():
		return false
	}

	s.log.Debug("utterance identified",
		"seq", u.Seq,
		"kind", res.Kind.String(),
		"speaker_id", res.SpeakerID,
		"score", res.Score,
		"elapsed", elapsed,
	)

	return s.emitTurnChange(ctx, u.Seq, res)
}

// emitTurnChange compares the matched speaker against the previous
// utterance's and emits a TurnChange on transitions. Invalid utterances
// carry no speech and do not move the turn state.
func (s *Session) emitTurnChange(ctx context.Context, seq uint64, res match.Result) bool {
	if res.Kind == match.KindInvalid {
		return true
	}
	speaker := "" // unidentified
	if res.Kind == match.KindMatched {
		speaker = res.SpeakerID
	}

	s.mu.Lock()
	prev, hasPrev := s.prevSpeaker, s.hasPrev
	s.prevSpeaker, s.hasPrev = speaker, true
	s.mu.Unlock()

	if !hasPrev || prev == speaker {
		return true
	}
	select {
	case s.turns <- TurnChange{SessionID: s.ID, Seq: seq, From: prev, To: speaker}:
	case <-ctx.Done():
		return false
	}
	return true
}

// fail moves the session to Error and surfaces err to the consumer. The
// worker stops; the session waits for an explicit destroy.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateError
	s.mu.Unlock()

	s.log.Error("session failed", "error", err)
	select {
	case s.errs <- err:
	default:
	}
}

// SessionStats is a point-in-time snapshot of one session for the stats
// endpoint.
type SessionStats struct {
	ID           string        `json:"id"`
	MeetingID    string        `json:"meeting_id"`
	State        string        `json:"state"`
	Uptime       time.Duration `json:"uptime_ns"`
	LastActivity time.Time     `json:"last_activity"`
	Processed    uint64        `json:"processed"`
	QueueDepth   int           `json:"queue_depth"`
	Buffered     time.Duration `json:"buffered_ns"`
}

// Stats returns the session's current counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ID:           s.ID,
		MeetingID:    s.MeetingID,
		State:        s.state.String(),
		Uptime:       time.Since(s.started),
		LastActivity: s.lastActivity,
		Processed:    s.processed,
		QueueDepth:   len(s.queue),
		Buffered:     s.seg.Buffered(),
	}
}
