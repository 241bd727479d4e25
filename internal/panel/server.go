// Package panel serves a JSON management API and live event streams over HTTP.
package panel

import (
	"log/slog"
	"net/http"

	"github.com/rendis/opgraph/internal/host"
	"github.com/rendis/opgraph/internal/logging"
	"github.com/rendis/opgraph/internal/streaming"
)

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Host   *host.Host
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// PanelServer exposes hosted graphs and runs over HTTP.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a PanelServer. A nil Hub disables the stream routes.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("GET /api/graphs/{name}", s.handleGraphDetail)
	mux.HandleFunc("GET /api/graphs/{name}/diagram", s.handleDiagram)
	mux.HandleFunc("POST /api/graphs/{name}/runs", s.handleStartRun)

	mux.HandleFunc("GET /api/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /api/runs/{id}/responses", s.handleRespond)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleForget)

	if s.deps.Hub != nil {
		mux.HandleFunc("GET /api/events", s.handleSSEGlobal)
		mux.HandleFunc("GET /api/runs/{id}/stream", s.handleSSERun)
		mux.HandleFunc("GET /api/stream/stats", s.handleStreamStats)
	}
	return mux
}
