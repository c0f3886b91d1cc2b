// Package backend holds the HTTP clients for the external collaborators of
// the control plane: the reasoning model, the action service that performs
// filesystem operations, and the execution gate that accepts or refuses
// intent submissions.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors surfaced to the orchestrator. ErrInsufficientConfidence
// corresponds to a 422 refusal from the execution gate.
var (
	ErrInsufficientConfidence = errors.New("execution gate refused: insufficient confidence")
	ErrSchemaRejected         = errors.New("execution gate refused: payload failed schema validation")
)

// Reasoner produces structured JSON output from a prompt. Implementations
// are expected to be safe for concurrent use.
type Reasoner interface {
	Reason(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Tool operations supported by the action service.
const (
	OpList  = "ls"
	OpRead  = "read"
	OpPatch = "patch"
)

// ToolResult is the parsed response of an action service operation.
type ToolResult struct {
	Status  string   `json:"status"`
	Items   []string `json:"items,omitempty"`
	Content string   `json:"content,omitempty"`
	Bytes   int      `json:"bytes,omitempty"`
	Output  string   `json:"output,omitempty"`
}

// Summary returns a short description of the result suitable for audit
// details.
func (r *ToolResult) Summary() string {
	switch {
	case len(r.Items) > 0:
		b, _ := json.Marshal(r.Items)
		return truncate(string(b), 200)
	case r.Content != "":
		return truncate(r.Content, 200)
	case r.Output != "":
		return truncate(r.Output, 200)
	default:
		return r.Status
	}
}

// ToolExecutor performs a single side-effecting or read-only operation.
// extra carries op-specific arguments, such as patch content.
type ToolExecutor interface {
	Execute(ctx context.Context, op, target string, extra map[string]string) (*ToolResult, error)
}

// Gate is the execution gate every intent submission must clear before a
// tool runs.
type Gate interface {
	Submit(ctx context.Context, payload any) error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// retryableError marks transport-level and 5xx failures that a retry loop
// may attempt again.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
