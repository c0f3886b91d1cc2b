package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/config"
)

// slidingWindow is a per-key request-rate window. Entries older than the
// window are evicted on every check, so a burst can never borrow capacity
// from the previous second.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newSlidingWindow(limit int) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: time.Second,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a request for key and reports whether it fits the window.
func (w *slidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= w.limit {
		w.hits[key] = kept
		return false
	}
	w.hits[key] = append(kept, now)
	return true
}

// allowedExact is the fixed set of (method, path) pairs a valid key may
// reach. Everything else is denied.
var allowedExact = map[string]map[string]bool{
	http.MethodPost: {
		"/intent":                           true,
		"/governance/approve-composed-plan": true,
	},
	http.MethodGet: {
		"/governance/orchestrator-state": true,
		"/governance/plans":              true,
		"/governance/intents":            true,
		"/governance/audit":              true,
	},
}

// allowedPrefixes extends the allow-list for parameterized paths.
var allowedPrefixes = map[string][]string{
	http.MethodGet:  {"/governance/plans/"},
	http.MethodPost: {"/governance/approve/"},
}

// forbiddenPaths are never reachable through the public gateway regardless
// of key. Resume and approval-bypass surfaces live on the operator listener.
var forbiddenPaths = []string{"/approve", "/resume", "/release-halt"}

// bypassPaths skip the security context entirely.
var bypassPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// SecurityContext is the deny-by-default gate in front of every public
// endpoint. Checks short-circuit in a fixed order: key, rate, size,
// permission. A request reaches a handler only by passing all four.
type SecurityContext struct {
	keys           map[string]bool
	window         *slidingWindow
	maxURLBytes    int
	maxHeaderBytes int
	maxBodyBytes   int64
	logger         *zap.Logger
}

// NewSecurityContext builds the gate from gateway config.
func NewSecurityContext(cfg config.GatewayConfig, logger *zap.Logger) *SecurityContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	return &SecurityContext{
		keys:           keys,
		window:         newSlidingWindow(cfg.RateLimitPerSecond),
		maxURLBytes:    cfg.MaxURLBytes,
		maxHeaderBytes: cfg.MaxHeaderBytes,
		maxBodyBytes:   cfg.MaxBodyBytes,
		logger:         logger.Named("security"),
	}
}

// Middleware returns the Echo middleware enforcing the gate.
func (s *SecurityContext) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if bypassPaths[path] {
				return next(c)
			}

			// 1. API key format and membership.
			key, ok := s.authenticate(req)
			if !ok {
				s.logger.Warn("invalid api key", zap.String("path", path))
				return errorJSON(c, http.StatusUnauthorized, CodeAuthInvalidKey, "invalid or missing API key")
			}

			// 2. Per-key sliding window.
			if !s.window.Allow(key) {
				s.logger.Warn("rate limit exceeded", zap.String("path", path))
				return errorJSON(c, http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded")
			}

			// 3. Request sizes.
			if reason, ok := s.checkSizes(req); !ok {
				return errorJSON(c, http.StatusBadRequest, CodeInvalidRequest, reason)
			}
			if req.Body != nil {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, s.maxBodyBytes)
			}

			// 4. Allow-list permission check.
			if !s.permitted(req.Method, path) {
				s.logger.Warn("request outside allow-list",
					zap.String("method", req.Method),
					zap.String("path", path))
				return errorJSON(c, http.StatusForbidden, CodeAuthInsufficientPermission, "operation not permitted")
			}

			return next(c)
		}
	}
}

func (s *SecurityContext) authenticate(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(key, "sk_test_") && !strings.HasPrefix(key, "sk_prod_") {
		return "", false
	}
	if !s.keys[key] {
		return "", false
	}
	return key, true
}

func (s *SecurityContext) checkSizes(req *http.Request) (string, bool) {
	if len(req.URL.RequestURI()) > s.maxURLBytes {
		return "request URL too long", false
	}

	headerBytes := 0
	for name, values := range req.Header {
		for _, v := range values {
			headerBytes += len(name) + len(v)
		}
	}
	if headerBytes > s.maxHeaderBytes {
		return "request headers too large", false
	}

	mutating := req.Method == http.MethodPost
	if mutating && req.ContentLength > s.maxBodyBytes {
		return "request body too large", false
	}
	return "", true
}

// permitted applies the deny rules, then the allow-list.
func (s *SecurityContext) permitted(method, path string) bool {
	switch method {
	case http.MethodPut, http.MethodDelete, http.MethodPatch:
		return false
	}
	if strings.HasPrefix(path, "/internal/") {
		return false
	}
	for _, p := range forbiddenPaths {
		if path == p {
			return false
		}
	}

	if allowedExact[method][path] {
		return true
	}
	for _, prefix := range allowedPrefixes[method] {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return true
		}
	}
	return false
}
