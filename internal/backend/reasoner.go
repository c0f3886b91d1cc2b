package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultReasonerModel   = "qwen2.5:7b"
	defaultReasonerTimeout = 120 * time.Second
	defaultMaxRetries      = 3
	defaultBaseBackoff     = 500 * time.Millisecond
	defaultRateLimit       = 2.0
	defaultBurst           = 4
)

// ReasonerConfig configures the HTTP reasoning client.
type ReasonerConfig struct {
	BaseURL    string  `koanf:"base_url"`
	Model      string  `koanf:"model"`
	TimeoutSec int     `koanf:"timeout_sec"`
	MaxRetries int     `koanf:"max_retries"`
	RateLimit  float64 `koanf:"rate_limit"`
}

// httpReasoner talks to an Ollama-style /api/generate endpoint and returns
// the model's structured JSON output.
type httpReasoner struct {
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// NewReasoner creates a reasoning client for the given endpoint.
func NewReasoner(cfg ReasonerConfig) (Reasoner, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reasoner base URL required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultReasonerModel
	}
	timeout := defaultReasonerTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 || maxRetries > defaultMaxRetries {
		maxRetries = defaultMaxRetries
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &httpReasoner{
		model:      model,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(limit), defaultBurst),
		maxRetries: maxRetries,
	}, nil
}

// Reason sends the prompt and returns the raw JSON the model produced. The
// request is rate limited and retried with exponential backoff on transient
// failures.
func (r *httpReasoner) Reason(ctx context.Context, prompt string) (json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	req := generateRequest{
		Model:  r.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		raw, err := r.doRequest(ctx, req)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (r *httpReasoner) doRequest(ctx context.Context, req generateRequest) (json.RawMessage, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reasoner request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoner error (%d): %s", resp.StatusCode, string(body))
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if gen.Response == "" {
		return nil, fmt.Errorf("empty response from reasoner")
	}
	if !json.Valid([]byte(gen.Response)) {
		return nil, fmt.Errorf("reasoner produced invalid JSON")
	}
	return json.RawMessage(gen.Response), nil
}

var _ Reasoner = (*httpReasoner)(nil)
