package generation

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

	"metered_gateway/internal/models"
)

const maxResponseBytes = 10 << 20

// StatusError is returned when the generation service answers with a
// non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation service returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPWorker calls POST {baseURL}/generate/{feature} with the request
// payload as the body and expects a JSON result.
type HTTPWorker struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPWorker creates a worker for the service at baseURL. The client has
// no overall timeout; callers bound each call through its context.
func NewHTTPWorker(baseURL, apiKey string) (*HTTPWorker, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid worker URL: %w", err)
	}

	return &HTTPWorker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (w *HTTPWorker) Generate(ctx context.Context, feature models.FeatureID, payload json.RawMessage) (json.RawMessage, error) {
	endpoint := w.baseURL + "/generate/" + url.PathEscape(string(feature))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("generation service returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

func (w *HTTPWorker) Close() {
	w.client.CloseIdleConnections()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
