package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/datachoreography/choreo/pkg/models"
	"github.com/datachoreography/choreo/pkg/protocol"
)

const maxResponseBytes = 1 << 20

var (
	ErrInvalidURL = errors.New("invalid request url")
	ErrHTTPStatus = errors.New("provider returned an error status")
)

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrHTTPStatus
}

// Action performs one HTTP request. Retries belong to the engine.
type Action struct {
	client *http.Client
	logger *slog.Logger
}

// Invoke sends the request and returns status_code, headers and body. JSON
// bodies are decoded, anything else is returned as a string.
func (a *Action) Invoke(ctx context.Context, inv protocol.Invocation) (map[string]any, error) {
	logger := a.logger
	if inv.Logger != nil {
		logger = inv.Logger.With("action", "http.request")
	}

	req, err := buildRequest(ctx, inv)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "Sending HTTP request", "method", req.Method, "host", req.URL.Host, "path", req.URL.Path)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[strings.ToLower(name)] = resp.Header.Get(name)
	}

	logger.InfoContext(ctx, "HTTP request completed", "status", resp.StatusCode, "bytes", len(raw))

	return map[string]any{
		"status_code": float64(resp.StatusCode),
		"headers":     headers,
		"body":        body,
	}, nil
}

func buildRequest(ctx context.Context, inv protocol.Invocation) (*http.Request, error) {
	target, err := resolveURL(inv.Params, inv.Credentials)
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	if m, ok := inv.Params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var (
		body        io.Reader
		contentType string
	)

	if raw, ok := inv.Params["body"]; ok && raw != nil {
		switch typed := raw.(type) {
		case string:
			body = strings.NewReader(typed)
		default:
			data, err := json.Marshal(typed)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal body: %w", err)
			}

			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if headers, ok := inv.Params["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	authenticate(req, inv.Credentials)

	if inv.IdempotencyKey != "" && req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", inv.IdempotencyKey)
	}

	return req, nil
}

func resolveURL(params map[string]any, creds models.Credentials) (string, error) {
	raw, _ := params["url"].(string)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidURL)
	}

	target, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if !target.IsAbs() {
		base, ok := creds["base_url"]
		if !ok || base == "" {
			return "", fmt.Errorf("%w: relative url %q without connection base_url", ErrInvalidURL, raw)
		}

		baseURL, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
		}

		target = baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(target.Path, "/"), RawQuery: target.RawQuery})
	}

	if target.Scheme != "http" && target.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, target.Scheme)
	}

	if query, ok := params["query"].(map[string]any); ok {
		values := target.Query()
		for key, value := range query {
			values.Set(key, fmt.Sprint(value))
		}

		target.RawQuery = values.Encode()
	}

	return target.String(), nil
}

func authenticate(req *http.Request, creds models.Credentials) {
	if token := creds["token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if key := creds["api_key"]; key != "" {
		header := creds["api_key_header"]
		if header == "" {
			header = "X-API-Key"
		}

		req.Header.Set(header, key)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
