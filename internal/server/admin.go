package server

import (
	"fmt"
	"io"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/cerro-obs/sensorhub/internal/httputil"
)

// AttachAdminRoutes registers the debug surface on mux: a JSON status view
// of the dispatcher and an SSE tail of the live telemetry stream.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("status", "dispatcher state and configured sensors", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, s.Status())
	})

	// Server-Sent Events stream of telemetry lines, one data event per sample.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, ch := s.hub.Subscribe()
		defer s.hub.Unsubscribe(id)

		// Send initial ping to establish connection
		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case line, open := <-ch:
				if !open {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
