// Package mesh implements the marketplace orchestrator: the agent registry,
// the task table, the append-only audit log and on-chain receipt verification.
// Agents never hold references to each other; they publish events and request
// verification through the EventSink and ReceiptVerifier seams.
package mesh

import (
	"context"
	"time"

	"trustmesh/ap2"
	"trustmesh/ledger"
)

// Role classifies a registered agent.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// AgentRegistration is one entry in the registry. A2AChannel is the channel
// token minted during the registration handshake; it stays empty when the
// handshake failed, which does not block registration.
type AgentRegistration struct {
	AgentID      string    `json:"agentId"`
	Role         Role      `json:"role"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registeredAt"`
	A2AChannel   string    `json:"a2aChannel,omitempty"`
}

// Product is a sellable score product. Created by its producer at startup and
// mutated only by that producer; products are deprecated, never destroyed.
type Product struct {
	ProductID       string        `json:"productId"`
	Version         string        `json:"version"`
	HumanName       string        `json:"humanName"`
	Description     string        `json:"description"`
	ProducerAgentID string        `json:"producerAgentId"`
	EndpointPath    string        `json:"endpointPath"`
	DefaultPrice    string        `json:"defaultPrice"`
	Currency        ap2.Currency  `json:"currency"`
	Network         string        `json:"network"`
	RateLimit       ap2.RateLimit `json:"rateLimit"`
	SLA             ap2.SLA       `json:"sla"`
	Deprecated      bool          `json:"deprecated,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// TaskState enumerates task lifecycle states.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether the state ends the task lifecycle.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task tracks one unit of issued work. CompletedAt is stamped exactly when a
// terminal state is entered.
type Task struct {
	TaskID          string           `json:"taskId"`
	Type            string           `json:"type"`
	ConsumerAgentID string           `json:"consumerAgentId"`
	AccountID       ledger.AccountID `json:"accountId"`
	State           TaskState        `json:"state"`
	CreatedAt       time.Time        `json:"createdAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// EventType enumerates audit event types.
type EventType string

const (
	EventNegotiationStarted   EventType = "NEGOTIATION_STARTED"
	EventNegotiationAgreed    EventType = "NEGOTIATION_AGREED"
	EventComputationRequested EventType = "COMPUTATION_REQUESTED"
	EventScoreDelivered       EventType = "SCORE_DELIVERED"
	EventPaymentVerified      EventType = "PAYMENT_VERIFIED"
	EventRateLimitViolation   EventType = "RATE_LIMIT_VIOLATION"
	EventConnectionTerminated EventType = "CONNECTION_TERMINATED"
)

// AuditEvent is one immutable entry of the marketplace audit trail.
type AuditEvent struct {
	Type           EventType         `json:"type"`
	EventID        string            `json:"eventId"`
	Timestamp      int64             `json:"timestamp"`
	Data           map[string]string `json:"data"`
	OrchestratorID string            `json:"orchestratorId,omitempty"`
}

// EventSink is the seam through which agents publish audit events. Delivery
// failures never surface to the caller.
type EventSink interface {
	Publish(event AuditEvent)
}

// ReceiptVerifier checks a settled payment against the ledger mirror.
type ReceiptVerifier interface {
	VerifyPaymentReceipt(ctx context.Context, transactionID, expectedAmount string, expectedRecipient ledger.AccountID) bool
}

// EventSinkFunc adapts ordinary functions to EventSink.
type EventSinkFunc func(event AuditEvent)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(event AuditEvent) {
	if f == nil {
		return
	}
	f(event)
}
