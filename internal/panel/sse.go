package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/opgraph/internal/streaming"
	"github.com/rendis/opgraph/pkg/schema"
)

// handleSSEGlobal streams events of every run. ?type= takes a comma-separated list.
func (s *PanelServer) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{EventTypes: splitTypes(r.URL.Query().Get("type"))})
}

// handleSSERun streams the events of one run.
func (s *PanelServer) handleSSERun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Host.Status(id); err != nil {
		writeError(w, err)
		return
	}
	s.serveSSE(w, r, streaming.EventFilter{RunID: id, EventTypes: splitTypes(r.URL.Query().Get("type"))})
}

func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeHandler, "streaming not supported"))
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		writeError(w, schema.NewError(schema.ErrCodeHandler, "subscribe failed").WithCause(err))
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// Clients may start runs once they see this comment.
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data)
			flusher.Flush()
		}
	}
}

func splitTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// handleStreamStats reports hub counters when the hub keeps them.
func (s *PanelServer) handleStreamStats(w http.ResponseWriter, _ *http.Request) {
	counted, ok := s.deps.Hub.(interface{ Stats() streaming.HubStats })
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "event hub keeps no stats"))
		return
	}
	writeJSON(w, http.StatusOK, counted.Stats())
}
