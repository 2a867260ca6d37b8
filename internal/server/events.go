package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"zkmint/internal/mint"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams an attempt's status events over a websocket: past events
// first, then live ones. The connection is closed after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.GetSnapshot(r.Context(), id); err != nil {
		s.writeMintError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "attempt_id", id, "error", err)
		return
	}
	defer conn.Close()

	events := make(chan mint.StatusEvent)
	stop := make(chan struct{})
	unsubscribe, err := s.orch.Subscribe(r.Context(), id, mint.ObserverFunc(func(e mint.StatusEvent) {
		select {
		case events <- e:
		case <-stop:
		}
	}))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer unsubscribe()
	defer close(stop)

	// The client never sends anything; reading only surfaces disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Warn("websocket write", "attempt_id", id, "error", err)
				return
			}
			if e.State.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "attempt finished"))
				return
			}
		case <-gone:
			return
		}
	}
}
