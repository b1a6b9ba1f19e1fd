package ig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Transport is the thin HTTP layer under the AuthManager. It owns the
// base URL and api key and leaves response headers visible to callers,
// which the header-token auth versions depend on.
type Transport struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewTransport builds a Transport for the given gateway.
func NewTransport(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("transport"),
	}
}

// BaseURL returns the configured gateway URL.
func (t *Transport) BaseURL() string { return t.baseURL }

// Do issues a request against {base}{path}. version sets the Version
// header, extra headers are applied last, and a non-nil body is JSON
// encoded. The caller owns the response and must close its body.
func (t *Transport) Do(ctx context.Context, method, path string, version AuthVersion, extra map[string]string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", t.apiKey)
	if version != "" {
		req.Header.Set("Version", string(version))
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	t.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("version", string(version)))

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// decodeBody drains and decodes a JSON response body into out. out may be
// nil to discard the body.
func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AuthError{Op: "read body", Kind: AuthIO, Err: err}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &AuthError{Op: "decode body", Kind: AuthJSON, Err: err}
	}
	return nil
}

// errorCode extracts the API error code from a failed response body.
// Returns "" when the body is absent or not the expected envelope.
func errorCode(resp *http.Response) string {
	var env apiError
	if err := decodeBody(resp, &env); err != nil {
		return ""
	}
	return env.ErrorCode
}
