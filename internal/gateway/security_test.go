package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(10)
	now := time.Now()
	w.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		require.True(t, w.Allow("sk_test_k"), "request %d should pass", i+1)
	}
	assert.False(t, w.Allow("sk_test_k"), "11th request in the same second must be refused")

	// Another key has its own window.
	assert.True(t, w.Allow("sk_test_other"))

	// After 1.1s the old entries evict and the key recovers.
	now = now.Add(1100 * time.Millisecond)
	assert.True(t, w.Allow("sk_test_k"))
}

func TestSlidingWindowPartialEviction(t *testing.T) {
	w := newSlidingWindow(2)
	base := time.Now()
	now := base
	w.now = func() time.Time { return now }

	require.True(t, w.Allow("k"))
	now = base.Add(600 * time.Millisecond)
	require.True(t, w.Allow("k"))
	now = base.Add(900 * time.Millisecond)
	assert.False(t, w.Allow("k"))

	// First entry ages out; the second is still inside the window.
	now = base.Add(1100 * time.Millisecond)
	assert.True(t, w.Allow("k"))
	assert.False(t, w.Allow("k"))
}

func TestPermittedMatrix(t *testing.T) {
	s := &SecurityContext{}

	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/intent", true},
		{http.MethodGet, "/governance/orchestrator-state", true},
		{http.MethodGet, "/governance/plans", true},
		{http.MethodGet, "/governance/plans/plan-abc", true},
		{http.MethodGet, "/governance/intents", true},
		{http.MethodGet, "/governance/audit", true},
		{http.MethodPost, "/governance/approve/intent-1", true},
		{http.MethodPost, "/governance/approve-composed-plan", true},

		// Deny-by-default: everything not on the list.
		{http.MethodGet, "/intent", false},
		{http.MethodPost, "/governance/plans", false},
		{http.MethodGet, "/governance/unknown", false},
		{http.MethodGet, "/", false},
		{http.MethodPost, "/governance/approve/", false},

		// Unconditionally forbidden surfaces.
		{http.MethodPost, "/internal/resume", false},
		{http.MethodGet, "/internal/state", false},
		{http.MethodPost, "/approve", false},
		{http.MethodPost, "/resume", false},
		{http.MethodPost, "/release-halt", false},
		{http.MethodPut, "/intent", false},
		{http.MethodDelete, "/governance/plans/plan-abc", false},
		{http.MethodPatch, "/intent", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, s.permitted(tt.method, tt.path))
		})
	}
}
