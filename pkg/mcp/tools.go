package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opgraph/internal/diagram"
	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/internal/host"
	"github.com/rendis/opgraph/pkg/schema"
)

// handleRun starts a run, synchronously by default.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graph, err := req.RequireString("graph")
	if err != nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	input := parseInput(req.GetString("input", ""))
	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	if req.GetBool("async", false) {
		if clientID == "" {
			return mcp.NewToolResultError("client_id is required for async runs"), nil
		}
		go s.runAsync(context.WithoutCancel(ctx), graph, input, clientID)
		return marshalResult(map[string]any{"accepted": true, "graph": graph})
	}

	res, runErr := s.host.Run(ctx, graph, input)
	if runErr != nil {
		return errorResult("run failed", runErr, res), nil
	}
	return marshalResult(res)
}

func (s *Server) runAsync(ctx context.Context, graph string, input any, clientID string) {
	defer func() { s.async <- struct{}{} }()

	payload := map[string]any{"type": "run_result", "graph": graph}
	res, err := s.host.Run(ctx, graph, input)
	if res != nil {
		payload["run_id"] = res.RunID
		payload["status"] = res.Status
		payload["outputs"] = res.Outputs
		payload["pending_requests"] = res.PendingRequests
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	if nErr := s.notifier.Notify(ctx, clientID, payload); nErr != nil {
		s.logger.Warn("notify run result", "client_id", clientID, "error", nErr)
	}
}

// handleRespond delivers responses and drives the run to its next idle point.
func (s *Server) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	responses := mcp.ParseStringMap(req, "responses", nil)
	if len(responses) == 0 {
		return mcp.NewToolResultError("responses must map request IDs to values"), nil
	}

	res, respErr := s.host.Respond(ctx, runID, responses)
	if respErr != nil {
		return errorResult("respond failed", respErr, res), nil
	}
	return marshalResult(res)
}

// handleStatus returns the current view of a run.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	info, statusErr := s.host.Status(runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	if !req.GetBool("events", false) {
		return marshalResult(info)
	}

	events, evErr := s.host.Events(runID)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("events query failed: %v", evErr)), nil
	}
	return marshalResult(struct {
		*host.RunInfo
		EventLog []engine.Event `json:"event_log"`
	}{info, events})
}

// handleList lists graphs or executor kinds.
func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch resource := req.GetString("resource", "graphs"); resource {
	case "graphs":
		return marshalResult(map[string]any{"graphs": s.host.Graphs()})
	case "kinds":
		if s.kinds == nil {
			return marshalResult(map[string]any{"kinds": []any{}})
		}
		return marshalResult(map[string]any{"kinds": s.kinds.List()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q (want graphs or kinds)", resource)), nil
	}
}

// handleCancel requests cancellation of a run.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if cancelErr := s.host.Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	info, statusErr := s.host.Status(runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "status": info.Status})
}

// handleDiagram renders a graph in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graph, err := req.RequireString("graph")
	if err != nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	model, modelErr := s.host.Diagram(graph, req.GetString("run_id", ""))
	if modelErr != nil {
		return errorResult("diagram failed", modelErr, nil), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(graph, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Helpers ---

// parseInput decodes JSON input, falling back to the raw text.
func parseInput(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// errorResult reports err with its code and, when available, the partial run result.
func errorResult(prefix string, err error, res *engine.RunResult) *mcp.CallToolResult {
	body := map[string]any{"error": fmt.Sprintf("%s: %v", prefix, err)}
	if code := schema.CodeOf(err); code != "" {
		body["code"] = code
	}
	if res != nil {
		body["run_id"] = res.RunID
		body["status"] = res.Status
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	return mcp.NewToolResultError(string(data))
}

func (s *Server) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
