// Package audit provides the append-only event log behind every governance
// operation. Events are queryable in memory, persisted to an NDJSON history
// file, and optionally published to NATS. There is no update or delete
// operation anywhere in this package.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Operation names emitted by the core. Handlers and the control loop use
// these rather than ad-hoc strings so the trail stays greppable.
const (
	OpSubmitIntent         = "submit_intent"
	OpApproveIntent        = "approve_intent"
	OpApprovePlan          = "approve_composed_plan"
	OpGateRejection        = "gate_rejection"
	OpActionInvocation     = "action_invocation"
	OpPlanDraft            = "plan_draft"
	OpPlanGenerated        = "plan_generated"
	OpPlanSetGenerated     = "plan_set_generated"
	OpReviewBlocked        = "review_blocked"
	OpResumeOutcome        = "resume_outcome"
	OpSemanticSummary      = "semantic_summary"
	OpSemanticComparison   = "semantic_comparison"
	OpPhaseStarted         = "phase_started"
	OpPhaseCompleted       = "phase_completed"
	OpPhaseBlocked         = "phase_blocked"
	OpPlanCompleted        = "plan_completed"
	OpGetOrchestratorState = "get_orchestrator_state"
	OpGetPlans             = "get_plans"
	OpGetPlan              = "get_plan"
	OpGetIntents           = "get_intents"
	OpGetAuditTrail        = "get_audit_trail"
)

// Event is a single append-only audit record.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Operation string         `json:"operation"`
	Resource  string         `json:"resource"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter narrows Events and Count queries. Zero values match everything.
type Filter struct {
	PlanID    string
	Operation string
}

func (f Filter) matches(e Event) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.PlanID != "" {
		if e.Resource == f.PlanID {
			return true
		}
		if v, ok := e.Details["plan_id"]; ok {
			if s, ok := v.(string); ok && s == f.PlanID {
				return true
			}
		}
		return false
	}
	return true
}

// Options configures the log.
type Options struct {
	// HistoryPath is the NDJSON sink. Empty disables file persistence.
	HistoryPath string

	// NATS publishes each event to Subject when non-nil. Delivery is
	// fire-and-forget.
	NATS    *nats.Conn
	Subject string

	// BufferSize bounds the async sink queue. Defaults to 256.
	BufferSize int

	Logger *zap.Logger
}

// Log is the append-only audit log. Emit never blocks the caller: sink
// writes happen on a background goroutine and overflow is dropped (counted).
type Log struct {
	mu     sync.RWMutex
	events []Event

	sink    chan Event
	done    chan struct{}
	dropped atomic.Int64

	file    *os.File
	nc      *nats.Conn
	subject string
	logger  *zap.Logger

	closeOnce sync.Once
}

// New creates the audit log and starts its sink goroutine.
func New(opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 256
	}

	subject := opts.Subject
	if subject == "" {
		subject = "governd.audit.events"
	}

	l := &Log{
		sink:    make(chan Event, bufSize),
		done:    make(chan struct{}),
		nc:      opts.NATS,
		subject: subject,
		logger:  logger.Named("audit"),
	}

	if opts.HistoryPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.HistoryPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		f, err := os.OpenFile(opts.HistoryPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open history file: %w", err)
		}
		l.file = f
	}

	go l.run()
	return l, nil
}

// Emit appends an event. Missing EventID and Timestamp are filled in. The
// in-memory append is synchronous so reads observe the event immediately;
// file and NATS delivery are best-effort and never block.
func (l *Log) Emit(e Event) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = "governd"
	}

	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()

	select {
	case l.sink <- e:
	default:
		l.dropped.Add(1)
	}
}

// Events returns a page of events matching filter, oldest first.
func (l *Log) Events(f Filter, limit, offset int) []Event {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]Event, 0, limit)
	skipped := 0
	for _, e := range l.events {
		if !f.matches(e) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		matched = append(matched, e)
		if len(matched) == limit {
			break
		}
	}
	return matched
}

// Count returns the number of events matching filter.
func (l *Log) Count(f Filter) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.events {
		if f.matches(e) {
			n++
		}
	}
	return n
}

// Dropped reports how many events overflowed the sink queue.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops the sink goroutine and closes the history file.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.sink)
		<-l.done
	})
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Log) run() {
	defer close(l.done)

	var w *bufio.Writer
	if l.file != nil {
		w = bufio.NewWriter(l.file)
	}

	for e := range l.sink {
		data, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("failed to marshal audit event", zap.Error(err))
			continue
		}
		if w != nil {
			if _, err := w.Write(append(data, '\n')); err != nil {
				l.logger.Warn("failed to persist audit event", zap.Error(err))
			}
			// Flush per event: the history file seeds calibration on the
			// next startup and must survive abrupt exits.
			if err := w.Flush(); err != nil {
				l.logger.Warn("failed to flush audit history", zap.Error(err))
			}
		}
		if l.nc != nil {
			if err := l.nc.Publish(l.subject, data); err != nil {
				l.logger.Debug("audit publish failed", zap.Error(err))
			}
		}
	}
}

// ReadHistory loads up to n most recent events from an NDJSON history file.
// Malformed lines are skipped. A missing file returns an empty slice.
func ReadHistory(path string, n int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
