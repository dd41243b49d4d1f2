package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/trip-checkout/internal/wizard"
)

const eventsKeepAlive = 30 * time.Second

// totalsEvent is pushed to the payment page.
type totalsEvent struct {
	Type    string          `json:"type"` // "totals", "ping"
	Summary *wizard.Summary `json:"summary,omitempty"`
}

// Events handles GET /sessions/{id}/events: a WebSocket that pushes the order
// summary once on connect and again whenever the quote state changes.
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.streamTotals(r.Context(), conn, s)
	}).ServeHTTP(w, r)
}

func (h *SessionsHandler) streamTotals(ctx context.Context, conn *websocket.Conn, s *wizard.Session) {
	// the server's write timeout does not apply to a long-lived stream
	_ = conn.SetDeadline(time.Time{})

	updates, stop := s.Watch()
	defer stop()

	// the page never sends anything we act on; reads only detect the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var discard json.RawMessage
			if err := websocket.JSON.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		sum, err := s.Totals(ctx)
		if err != nil {
			return false
		}
		return websocket.JSON.Send(conn, totalsEvent{Type: "totals", Summary: &sum}) == nil
	}
	if !send() {
		return
	}
	h.logger.Debug("totals stream opened", "session_id", s.ID)

	keepAlive := time.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			h.logger.Debug("totals stream closed", "session_id", s.ID)
			return
		case <-updates:
			if !send() {
				return
			}
		case <-keepAlive.C:
			if websocket.JSON.Send(conn, totalsEvent{Type: "ping"}) != nil {
				return
			}
		}
	}
}
