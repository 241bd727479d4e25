package panel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rendis/opgraph/internal/diagram"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

const maxRequestBody = 1 << 20

func (s *PanelServer) handleListGraphs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"graphs": s.deps.Host.Graphs()})
}

func (s *PanelServer) handleGraphDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	pool, err := s.deps.Host.PoolMetrics(name)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"pool": pool}
	for _, g := range s.deps.Host.Graphs() {
		if g.Name == name {
			body["graph"] = g
		}
	}
	if def, ok := s.deps.Host.Definition(name); ok {
		body["definition"] = def
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDiagram renders a graph, optionally overlaid with ?run_id=.
// ?format= is mermaid (default), ascii or svg.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	model, err := s.deps.Host.Diagram(r.PathValue("name"), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderASCII(model))
	case "svg":
		img, err := diagram.RenderImage(r.Context(), model, diagram.FormatSVG)
		if err != nil {
			s.deps.Logger.Error("render diagram", "graph", model.Title, "error", err)
			writeError(w, err)
			return
		}
		writeText(w, "image/svg+xml", string(img))
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format))
	}
}

// handleStartRun runs a graph to completion or suspension. The request body
// is the run input; an empty body starts the run with the graph's default input.
func (s *PanelServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	input, err := decodeBody[any](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if input == nil {
		if def, ok := s.deps.Host.Definition(name); ok {
			input = def.Input
		}
	}

	res, err := s.deps.Host.Run(r.Context(), name, input)
	writeRunResult(w, http.StatusCreated, res, err)
}

func (s *PanelServer) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Host.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleRunEvents returns the run's event log. ?after= skips events up to
// that sequence number and ?type= keeps one event type.
func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Host.Events(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if eventType := r.URL.Query().Get("type"); eventType != "" {
		events = engine.EventsOfType(events, eventType)
	}
	after := int64(queryInt(r, "after", 0))

	out := make([]engine.Event, 0, len(events))
	for _, ev := range events {
		if ev.Sequence <= after {
			continue
		}
		out = append(out, ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *PanelServer) handleRespond(w http.ResponseWriter, r *http.Request) {
	responses, err := decodeBody[map[string]any](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(responses) == 0 {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "responses must map request IDs to values"))
		return
	}
	res, err := s.deps.Host.Respond(r.Context(), r.PathValue("id"), responses)
	writeRunResult(w, http.StatusOK, res, err)
}

func (s *PanelServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Host.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Logger.Info("run cancelled via panel", "run_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *PanelServer) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Host.Forget(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a JSON body. An empty body yields the zero value.
func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return v, schema.NewError(schema.ErrCodeValidation, "read body").WithCause(err)
	}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return v, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON at offset %d", syntaxErr.Offset).WithCause(err)
		}
		return v, schema.NewErrorf(schema.ErrCodeValidation, "invalid body: %s", err.Error()).WithCause(err)
	}
	return v, nil
}
