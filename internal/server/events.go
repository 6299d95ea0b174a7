package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxmeet/voxid/internal/ident"
)

// writeTimeout bounds a single websocket event write; a consumer that
// stops reading for this long is disconnected rather than allowed to stall
// the stream.
const writeTimeout = 10 * time.Second

// Event is the envelope sent on the session event stream.
type Event struct {
	Type string `json:"type"` // "result", "turn_change" or "error"

	Result     *ident.Result     `json:"result,omitempty"`
	TurnChange *ident.TurnChange `json:"turn_change,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// handleEvents upgrades to a websocket and streams the session's
// identification results, speaker-turn changes, and terminal error. The
// session's channels have a single consumer; one event stream per session.
// The stream closes normally when the session is destroyed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "session_id", sess.ID, "error", err)
		return
	}
	defer conn.CloseNow()

	// Reads are discarded; the stream is one-way. CloseRead surfaces the
	// client going away as context cancellation.
	ctx := conn.CloseRead(r.Context())

	s.log.Info("event stream attached", "session_id", sess.ID)
	err = s.streamEvents(ctx, conn, sess)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("event stream ended", "session_id", sess.ID, "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// streamEvents pumps session channels into the websocket until all of them
// close or the client disconnects.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, sess *ident.Session) error {
	results := sess.Results()
	turns := sess.TurnChanges()
	errs := sess.Errors()

	send := func(ev Event) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	}

	for results != nil || turns != nil || errs != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if err := send(Event{Type: "result", Result: &res}); err != nil {
				return err
			}
		case tc, ok := <-turns:
			if !ok {
				turns = nil
				continue
			}
			if err := send(Event{Type: "turn_change", TurnChange: &tc}); err != nil {
				return err
			}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err := send(Event{Type: "error", Error: e.Error()}); err != nil {
				return err
			}
		}
	}
	return nil
}
