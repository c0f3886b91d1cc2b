package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultGateTimeout = 5 * time.Second

// GateConfig configures the execution gate client.
type GateConfig struct {
	BaseURL    string `koanf:"base_url"`
	TimeoutSec int    `koanf:"timeout_sec"`
}

// httpGate submits intent payloads to the execution gate. The gate answers
// 200 to accept, 422 when confidence is below its threshold, and 400 when
// the payload fails its schema.
type httpGate struct {
	baseURL    string
	httpClient *http.Client
}

// NewGate creates an execution gate client.
func NewGate(cfg GateConfig) (Gate, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("execution gate base URL required")
	}
	timeout := defaultGateTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &httpGate{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Submit posts the payload to the gate and maps refusals to sentinel errors.
func (g *httpGate) Submit(ctx context.Context, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execution gate request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return ErrInsufficientConfidence
	case http.StatusBadRequest:
		return ErrSchemaRejected
	default:
		return fmt.Errorf("execution gate error (%d): %s", resp.StatusCode, truncate(string(body), 200))
	}
}

var _ Gate = (*httpGate)(nil)
