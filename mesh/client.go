package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trustmesh/ledger"
)

const defaultClientTimeout = 30 * time.Second

// Client is the HTTP client agents use to reach the orchestrator daemon. It
// satisfies EventSink and ReceiptVerifier so agent code depends only on those
// seams, never on the orchestrator itself.
type Client struct {
	baseURL string
	channel string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient builds a mesh client against the orchestrator base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: defaultClientTimeout},
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mesh client not configured")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.channel != "" {
		req.Header.Set("Authorization", "Bearer "+c.channel)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Register enrolls the agent and stores the returned channel token for
// subsequent calls.
func (c *Client) Register(ctx context.Context, agentID string, role Role, capabilities []string) (AgentRegistration, error) {
	payload := map[string]any{
		"agentId":      agentID,
		"role":         string(role),
		"capabilities": capabilities,
	}
	var registration AgentRegistration
	if err := c.do(ctx, http.MethodPost, "/registry/agents", payload, &registration); err != nil {
		return AgentRegistration{}, err
	}
	c.channel = registration.A2AChannel
	return registration, nil
}

// PublishProduct publishes or updates a product in the registry.
func (c *Client) PublishProduct(ctx context.Context, product Product) error {
	return c.do(ctx, http.MethodPost, "/registry/products", product, nil)
}

// Products fetches the registry catalog.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := c.do(ctx, http.MethodGet, "/registry/products", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// IssueTask creates a pending task for the consumer.
func (c *Client) IssueTask(ctx context.Context, taskType, consumerAgentID string, accountID ledger.AccountID) (string, error) {
	payload := map[string]any{
		"type":            taskType,
		"consumerAgentId": consumerAgentID,
		"accountId":       accountID.String(),
	}
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", payload, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// UpdateTask transitions a task.
func (c *Client) UpdateTask(ctx context.Context, taskID string, state TaskState, result, errMsg string) (Task, error) {
	payload := map[string]any{
		"state":  string(state),
		"result": result,
		"error":  errMsg,
	}
	var task Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), payload, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Publish implements EventSink. Delivery failures are logged and swallowed;
// the audit trail must never fail marketplace traffic.
func (c *Client) Publish(event AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultClientTimeout)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, "/events", event, nil); err != nil {
		c.logger.Warn("audit event delivery failed", "type", string(event.Type), "error", err)
	}
}

// VerifyPaymentReceipt implements ReceiptVerifier through the orchestrator.
// Any transport failure reads as unverified.
func (c *Client) VerifyPaymentReceipt(ctx context.Context, transactionID, expectedAmount string, expectedRecipient ledger.AccountID) bool {
	payload := map[string]any{
		"transactionId":     transactionID,
		"expectedAmount":    expectedAmount,
		"expectedRecipient": expectedRecipient.String(),
	}
	var out struct {
		Verified bool `json:"verified"`
	}
	if err := c.do(ctx, http.MethodPost, "/verify", payload, &out); err != nil {
		c.logger.Warn("receipt verification request failed", "transactionId", transactionID, "error", err)
		return false
	}
	return out.Verified
}
