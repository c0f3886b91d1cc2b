package intent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingIntent(id string) *Intent {
	return &Intent{
		IntentID:    id,
		Source:      "user_cli",
		Payload:     Payload{Intent: TypeInspectRepo, Source: "user_cli", Confidence: 0.9, Mode: ModeReasonOnly},
		ArrivalTime: time.Now().UTC(),
		Status:      StatusPending,
	}
}

func TestQueue_AddAndPartitions(t *testing.T) {
	q := NewQueue()
	q.Add(pendingIntent("i-1"))
	q.Add(pendingIntent("i-2"))
	q.Add(pendingIntent("i-3"))

	require.True(t, q.Approve("i-2", "plan-1"))
	require.True(t, q.Reject("i-3", "operator declined"))

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "i-1", pending[0].IntentID)

	approved := q.Approved()
	require.Len(t, approved, 1)
	assert.Equal(t, "plan-1", approved[0].ComposedPlanID)
	assert.NotNil(t, approved[0].ApprovalTime)

	rejected := q.Rejected()
	require.Len(t, rejected, 1)
	assert.Equal(t, "operator declined", rejected[0].RejectReason)
	assert.NotNil(t, rejected[0].RejectionTime)

	assert.Equal(t, 1, q.PendingCount())
}

func TestQueue_DoubleApprovalGuard(t *testing.T) {
	q := NewQueue()
	q.Add(pendingIntent("i-1"))

	assert.True(t, q.Approve("i-1", ""), "first approval should succeed")
	assert.False(t, q.Approve("i-1", ""), "second approval must fail: intent no longer pending")
	assert.False(t, q.Reject("i-1", "late"), "reject after approve must fail")
}

func TestQueue_RejectThenApproveFails(t *testing.T) {
	q := NewQueue()
	q.Add(pendingIntent("i-1"))

	assert.True(t, q.Reject("i-1", "no"))
	assert.False(t, q.Approve("i-1", ""))
}

func TestQueue_UnknownIntent(t *testing.T) {
	q := NewQueue()
	assert.False(t, q.Approve("ghost", ""))
	assert.False(t, q.Reject("ghost", "r"))

	_, ok := q.Get("ghost")
	assert.False(t, ok)
}

func TestQueue_GetReturnsCopy(t *testing.T) {
	q := NewQueue()
	q.Add(pendingIntent("i-1"))

	got, ok := q.Get("i-1")
	require.True(t, ok)
	got.Status = StatusRejected

	again, _ := q.Get("i-1")
	assert.Equal(t, StatusPending, again.Status, "mutating a returned copy must not affect the queue")
}
