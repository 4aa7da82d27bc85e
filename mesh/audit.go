package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustmesh/ledger"
	"trustmesh/observability"
)

const auditQueueCapacity = 1024

// AuditLog publishes marketplace events to the append-only consensus topic.
// Submission never fails the caller: a single worker drains the queue in
// submission order, retries a failed append once, then drops the event to the
// local dead-letter list.
type AuditLog struct {
	publisher      ledger.TopicPublisher
	topicID        string
	orchestratorID string
	logger         *slog.Logger
	nowFn          func() time.Time

	queue chan AuditEvent
	wg    sync.WaitGroup
	once  sync.Once

	mu         sync.Mutex
	deadLetter []AuditEvent
	pending    sync.WaitGroup
}

// NewAuditLog constructs the audit publisher and starts its worker.
func NewAuditLog(publisher ledger.TopicPublisher, topicID, orchestratorID string, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	log := &AuditLog{
		publisher:      publisher,
		topicID:        topicID,
		orchestratorID: orchestratorID,
		logger:         logger,
		nowFn:          time.Now,
		queue:          make(chan AuditEvent, auditQueueCapacity),
	}
	log.wg.Add(1)
	go log.run()
	return log
}

// Publish implements EventSink. Events missing an id or timestamp are
// completed here; a full queue dead-letters immediately rather than blocking
// the caller.
func (l *AuditLog) Publish(event AuditEvent) {
	if l == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = l.nowFn().UnixMilli()
	}
	event.OrchestratorID = l.orchestratorID
	l.pending.Add(1)
	select {
	case l.queue <- event:
	default:
		l.pending.Done()
		l.drop(event, "audit queue full")
	}
}

func (l *AuditLog) run() {
	defer l.wg.Done()
	for event := range l.queue {
		l.append(event)
		l.pending.Done()
	}
}

// append serializes and publishes one event, retrying once before dropping.
func (l *AuditLog) append(event AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		l.drop(event, "serialize audit event: "+err.Error())
		return
	}
	if l.publisher == nil || l.topicID == "" {
		l.drop(event, "no audit topic configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.publisher.SubmitMessage(ctx, l.topicID, payload); err == nil {
		observability.Mesh().RecordAuditEvent(string(event.Type), "ok")
		return
	}
	if err := l.publisher.SubmitMessage(ctx, l.topicID, payload); err != nil {
		l.drop(event, "append after retry: "+err.Error())
		return
	}
	observability.Mesh().RecordAuditEvent(string(event.Type), "retried")
}

func (l *AuditLog) drop(event AuditEvent, reason string) {
	l.mu.Lock()
	l.deadLetter = append(l.deadLetter, event)
	l.mu.Unlock()
	observability.Mesh().RecordAuditEvent(string(event.Type), "dropped")
	observability.Mesh().RecordDeadLetter()
	l.logger.Warn("audit event dead-lettered", "type", string(event.Type), "eventId", event.EventID, "reason", reason)
}

// DeadLetters returns a copy of the dropped events, in drop order.
func (l *AuditLog) DeadLetters() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEvent{}, l.deadLetter...)
}

// Flush blocks until every event submitted so far has been appended or
// dead-lettered.
func (l *AuditLog) Flush() {
	l.pending.Wait()
}

// Close drains the queue and stops the worker. Publish after Close panics.
func (l *AuditLog) Close() {
	l.once.Do(func() {
		l.pending.Wait()
		close(l.queue)
	})
	l.wg.Wait()
}
