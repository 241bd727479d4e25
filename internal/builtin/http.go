package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

// HTTPConfig bounds the http kind.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
	// Breakers, when set, short-circuits calls to hosts that keep failing.
	Breakers *Breakers
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPResponse is the payload emitted by the http kind.
type HTTPResponse struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
}

type httpNode struct {
	cfg         HTTPConfig
	method      string
	url         string
	host        string
	headers     map[string]string
	timeout     time.Duration
	failOnError bool
	emit        emitter
}

func httpKind(cfg HTTPConfig) Kind {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	return Kind{
		Name:        "http",
		Description: "Send the payload as a JSON request body and emit the response",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			rawURL, err := requiredString(config, "url")
			if err != nil {
				return nil, err
			}
			u, err := url.ParseRequestURI(rawURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return nil, fmt.Errorf("invalid url %q", rawURL)
			}
			timeout, err := durationParam(config, "timeout", cfg.DefaultTimeout)
			if err != nil {
				return nil, err
			}
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}

			n := &httpNode{
				cfg:         cfg,
				method:      strings.ToUpper(stringParam(config, "method", http.MethodPost)),
				url:         rawURL,
				host:        u.Host,
				headers:     stringMapParam(config, "headers"),
				timeout:     timeout,
				failOnError: boolParam(config, "fail_on_error_status", true),
				emit:        emit,
			}
			return shared(engine.NewExecutor(id, engine.HandleFunc(n.handle))), nil
		},
	}
}

func (n *httpNode) handle(ctx context.Context, msg any, wc engine.WorkflowContext) error {
	var body io.Reader
	if n.method != http.MethodGet && n.method != http.MethodHead && msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeNonRetryable, "http: marshal payload: %s", err.Error()).WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, n.method, n.url, body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNonRetryable, "http: create request: %s", err.Error()).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	if n.cfg.Breakers != nil {
		if err := n.cfg.Breakers.Allow(n.host); err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := n.cfg.Client.Do(req)
	if err != nil {
		n.recordFailure(wc)
		// Transport errors are retryable under a retry policy.
		return schema.NewErrorf(schema.ErrCodeHandler, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		n.recordFailure(wc)
	} else if n.cfg.Breakers != nil {
		n.cfg.Breakers.RecordSuccess(n.host)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, n.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeHandler, "http: read response: %s", err.Error()).WithCause(err)
	}

	out := HTTPResponse{
		StatusCode:  resp.StatusCode,
		Headers:     make(map[string]string, len(resp.Header)),
		ContentType: resp.Header.Get("Content-Type"),
		DurationMS:  time.Since(start).Milliseconds(),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	if len(raw) > 0 {
		var parsed any
		if strings.Contains(out.ContentType, "application/json") && json.Unmarshal(raw, &parsed) == nil {
			out.Body = parsed
		} else {
			out.Body = string(raw)
		}
	}

	if n.failOnError && resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeHandler
		}
		return schema.NewErrorf(code, "http: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": n.url})
	}

	wc.Logger().Debug("http call finished", "url", n.url, "status", resp.StatusCode, "duration_ms", out.DurationMS)
	n.emit(wc, out)
	return nil
}

func (n *httpNode) recordFailure(wc engine.WorkflowContext) {
	if n.cfg.Breakers == nil {
		return
	}
	if n.cfg.Breakers.RecordFailure(n.host) == CircuitOpen {
		wc.Logger().Warn("circuit opened", "host", n.host)
	}
}
