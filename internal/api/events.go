package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/steward/internal/dispatch"
)

// SourceWebhook tags events posted to /v1/events.
const SourceWebhook = "webhook"

const maxEventBody = 1 << 20

// handleEvent accepts an integration event. When the caller is
// identified by header, that identity wins over the body's user_id.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&ev); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if id := r.Header.Get(UserHeader); id != "" {
		ev.UserID = id
	}
	if ev.Source == "" {
		ev.Source = SourceWebhook
	}

	out, err := s.deps.Dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request, userID string) {
	if s.deps.Sync == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	status := "started"
	if !s.deps.Sync.Start(userID) {
		status = "already_running"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": status}, s.logger)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEventStream streams operational bus events over a WebSocket
// until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream is not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.deps.Bus.Subscribe(64)
	defer s.deps.Bus.Unsubscribe(ch)

	// Reader: drains control frames and notices the client leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
