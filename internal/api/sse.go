package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// sseWriter writes Server-Sent Events to an [http.ResponseWriter], flushing
// after every event so each one reaches the client as soon as it is ready —
// the same http.Flusher idiom a chunked streaming proxy handler uses.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares w for event-stream output. Returns an error if the
// underlying writer does not support flushing.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("api: response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Send writes one named SSE event with a JSON-encoded payload and flushes
// immediately. Encoding failures are logged, not returned — a malformed
// single event must not tear down the rest of the stream.
func (s *sseWriter) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("api: encode sse payload", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		slog.Warn("api: write sse event", "event", event, "error", err)
		return
	}
	s.flusher.Flush()
}
