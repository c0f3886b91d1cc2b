package intent

import (
	"sync"
	"time"
)

// Queue owns every Intent for the process lifetime. It is the only writer of
// intent status; the gateway reads it concurrently, so all access is
// mutex-guarded.
type Queue struct {
	mu      sync.RWMutex
	intents map[string]*Intent
	order   []string
}

// NewQueue creates an empty intent queue.
func NewQueue() *Queue {
	return &Queue{intents: make(map[string]*Intent)}
}

// Add enqueues a validated intent as pending and returns its id.
func (q *Queue) Add(in *Intent) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	in.Status = StatusPending
	q.intents[in.IntentID] = in
	q.order = append(q.order, in.IntentID)
	return in.IntentID
}

// Approve moves a pending intent to approved, optionally linking the
// composed plan produced for it. It returns false if the intent does not
// exist or is no longer pending — the guard against double-approval races.
func (q *Queue) Approve(intentID, composedPlanID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	in, ok := q.intents[intentID]
	if !ok || in.Status != StatusPending {
		return false
	}

	now := time.Now().UTC()
	in.Status = StatusApproved
	in.ApprovalTime = &now
	if composedPlanID != "" {
		in.ComposedPlanID = composedPlanID
	}
	return true
}

// LinkPlan records the composed plan produced from an approved intent.
// Fails for unknown or non-approved intents.
func (q *Queue) LinkPlan(intentID, composedPlanID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	in, ok := q.intents[intentID]
	if !ok || in.Status != StatusApproved {
		return false
	}
	in.ComposedPlanID = composedPlanID
	return true
}

// Reject moves a pending intent to rejected with a reason. Same pending-only
// guard as Approve.
func (q *Queue) Reject(intentID, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	in, ok := q.intents[intentID]
	if !ok || in.Status != StatusPending {
		return false
	}

	now := time.Now().UTC()
	in.Status = StatusRejected
	in.RejectionTime = &now
	in.RejectReason = reason
	return true
}

// Get returns a copy of an intent by id.
func (q *Queue) Get(intentID string) (Intent, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	in, ok := q.intents[intentID]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}

// Pending returns copies of all pending intents in arrival order.
func (q *Queue) Pending() []Intent { return q.byStatus(StatusPending) }

// Approved returns copies of all approved intents in arrival order.
func (q *Queue) Approved() []Intent { return q.byStatus(StatusApproved) }

// Rejected returns copies of all rejected intents in arrival order.
func (q *Queue) Rejected() []Intent { return q.byStatus(StatusRejected) }

// PendingCount reports how many intents await review.
func (q *Queue) PendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, in := range q.intents {
		if in.Status == StatusPending {
			n++
		}
	}
	return n
}

func (q *Queue) byStatus(status Status) []Intent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Intent, 0)
	for _, id := range q.order {
		if in := q.intents[id]; in.Status == status {
			out = append(out, *in)
		}
	}
	return out
}
