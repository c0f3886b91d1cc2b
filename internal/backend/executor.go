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

const (
	defaultExecutorTimeout = 5 * time.Second
	// Patching rewrites files; the action service gets longer to finish.
	patchTimeout = 30 * time.Second
)

// ExecutorConfig configures the action service client.
type ExecutorConfig struct {
	BaseURL    string `koanf:"base_url"`
	TimeoutSec int    `koanf:"timeout_sec"`
}

// httpToolExecutor talks to the action service. The service exposes one
// endpoint per operation: /read for directory listings, /file for file
// contents, /patch for unified diffs.
type httpToolExecutor struct {
	baseURL     string
	readTimeout time.Duration
	httpClient  *http.Client
}

// NewToolExecutor creates an action service client.
func NewToolExecutor(cfg ExecutorConfig) (ToolExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("action service base URL required")
	}
	timeout := defaultExecutorTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &httpToolExecutor{
		baseURL:     cfg.BaseURL,
		readTimeout: timeout,
		// The client timeout is the outer bound; per-op deadlines are
		// applied through the request context.
		httpClient: &http.Client{Timeout: patchTimeout},
	}, nil
}

// Execute performs one operation against the action service.
func (e *httpToolExecutor) Execute(ctx context.Context, op, target string, extra map[string]string) (*ToolResult, error) {
	var (
		path    string
		payload map[string]string
		timeout = e.readTimeout
	)
	switch op {
	case OpList:
		path = "/read"
		payload = map[string]string{"op": "ls", "path": target}
	case OpRead:
		path = "/file"
		payload = map[string]string{"path": target}
	case OpPatch:
		path = "/patch"
		payload = map[string]string{"path": target, "patch_content": extra["patch_content"]}
		timeout = patchTimeout
	default:
		return nil, fmt.Errorf("unknown tool operation %q", op)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("action service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("action service error (%d): %s", resp.StatusCode, truncate(string(body), 200))
	}

	var result ToolResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

var _ ToolExecutor = (*httpToolExecutor)(nil)
