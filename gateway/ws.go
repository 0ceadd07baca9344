package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"depositd/core/events"
)

const wsWriteTimeout = 10 * time.Second

var errNoEventStream = errors.New("event streaming is not enabled")

// handleEventStream upgrades the connection and streams lifecycle events as
// JSON frames. A client passing ?after=N first receives the retained backlog
// newer than N, then live events. Missed events beyond the retained window
// are recoverable from GET /v1/events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.eventLog == nil {
		s.writeError(w, http.StatusNotImplemented, "unavailable", errNoEventStream)
		return
	}
	after := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		after = parsed
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Subscribe before replaying the backlog so no event emitted during the
	// replay is lost; duplicates across the seam are filtered by sequence.
	ch, cancel := s.eventLog.Subscribe(256)
	defer cancel()

	ctx := r.Context()
	lastSent := after
	for _, evt := range s.eventLog.Recent(0) {
		if evt.Sequence <= after {
			continue
		}
		if err := writeEventFrame(ctx, conn, evt); err != nil {
			return
		}
		lastSent = evt.Sequence
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Sequence <= lastSent {
				continue
			}
			if err := writeEventFrame(ctx, conn, evt); err != nil {
				return
			}
			lastSent = evt.Sequence
		}
	}
}

func writeEventFrame(ctx context.Context, conn *websocket.Conn, evt events.Sequenced) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
