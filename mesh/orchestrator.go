package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustmesh/ledger"
)

// channelTokenValidity bounds the lifetime of an A2A channel token.
const channelTokenValidity = 24 * time.Hour

// Orchestrator owns the registry, the task table, the audit stream and
// receipt verification. Agents interact with it only through identifiers and
// the EventSink/ReceiptVerifier seams; it holds no agent references.
type Orchestrator struct {
	ID       string
	registry *Registry
	tasks    *TaskTable
	audit    *AuditLog
	verifier *Verifier
	logger   *slog.Logger

	channelSecret []byte
	nowFn         func() time.Time
}

// OrchestratorConfig wires an orchestrator.
type OrchestratorConfig struct {
	ID            string
	Mirror        ledger.MirrorClient
	TopicClient   ledger.TopicPublisher
	AuditTopicID  string
	ChannelSecret string
	Logger        *slog.Logger
}

// NewOrchestrator constructs the orchestrator and starts its audit worker.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("orchestrator id required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ID:            cfg.ID,
		registry:      NewRegistry(),
		tasks:         NewTaskTable(),
		audit:         NewAuditLog(cfg.TopicClient, cfg.AuditTopicID, cfg.ID, logger),
		verifier:      NewVerifier(cfg.Mirror, logger),
		logger:        logger,
		channelSecret: []byte(cfg.ChannelSecret),
		nowFn:         time.Now,
	}, nil
}

// Registry exposes the agent and product registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Tasks exposes the task table.
func (o *Orchestrator) Tasks() *TaskTable { return o.tasks }

// Audit exposes the audit log as an EventSink.
func (o *Orchestrator) Audit() *AuditLog { return o.audit }

// Verifier exposes receipt verification.
func (o *Orchestrator) Verifier() *Verifier { return o.verifier }

// Register adds the agent to the registry and attempts the A2A channel
// handshake. A handshake failure leaves the agent registered with no channel.
func (o *Orchestrator) Register(agentID string, role Role, capabilities []string) (AgentRegistration, error) {
	registration, err := o.registry.Register(agentID, role, capabilities)
	if err != nil {
		return AgentRegistration{}, err
	}
	token, err := o.mintChannelToken(agentID, role)
	if err != nil {
		o.logger.Warn("a2a channel handshake failed", "agentId", agentID, "error", err)
		return registration, nil
	}
	o.registry.SetChannel(agentID, token)
	registration.A2AChannel = token
	o.logger.Info("agent registered", "agentId", agentID, "role", string(role))
	return registration, nil
}

// mintChannelToken signs a short-lived channel token naming the agent and its
// role.
func (o *Orchestrator) mintChannelToken(agentID string, role Role) (string, error) {
	if len(o.channelSecret) == 0 {
		return "", fmt.Errorf("no channel secret configured")
	}
	now := o.nowFn()
	claims := jwt.MapClaims{
		"sub":  agentID,
		"role": string(role),
		"iss":  o.ID,
		"iat":  now.Unix(),
		"exp":  now.Add(channelTokenValidity).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(o.channelSecret)
}

// ValidateChannelToken checks a channel token and returns the agent id it
// names.
func (o *Orchestrator) ValidateChannelToken(raw string) (string, error) {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return o.channelSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse channel token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid channel token")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", fmt.Errorf("channel token missing subject")
	}
	return subject, nil
}

// IssueTask creates a pending task for the consumer. Unknown consumer ids are
// accepted; registration is not a precondition for issuing work.
func (o *Orchestrator) IssueTask(taskType, consumerAgentID string, accountID ledger.AccountID) (string, error) {
	return o.tasks.Issue(taskType, consumerAgentID, accountID)
}

// UpdateTask transitions a task through the lifecycle state machine.
func (o *Orchestrator) UpdateTask(taskID string, state TaskState, result, errMsg string) (Task, error) {
	return o.tasks.Update(taskID, state, result, errMsg)
}

// LogEvent publishes an audit event. Never fails the caller.
func (o *Orchestrator) LogEvent(event AuditEvent) {
	o.audit.Publish(event)
}

// VerifyPaymentReceipt implements ReceiptVerifier.
func (o *Orchestrator) VerifyPaymentReceipt(ctx context.Context, transactionID, expectedAmount string, expectedRecipient ledger.AccountID) bool {
	return o.verifier.VerifyPaymentReceipt(ctx, transactionID, expectedAmount, expectedRecipient)
}

// Close flushes and stops the audit worker.
func (o *Orchestrator) Close() {
	o.audit.Close()
}
