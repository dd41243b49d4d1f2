package handlers

import "net/http"

// SessionCounter reports the number of live booking sessions.
type SessionCounter interface {
	Len() int
}

// Health returns a GET /health handler.
func Health(counter SessionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"status": "ok"}
		if counter != nil {
			payload["sessions"] = counter.Len()
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
