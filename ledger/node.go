package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultNodeTimeout = 30 * time.Second

// HTTPNodeClient submits transfers and topic messages through a ledger node
// gateway. It implements TransferSubmitter and TopicPublisher.
type HTTPNodeClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPNodeClient constructs a node client against the gateway base URL.
// The API key is optional and sent as the x-api-key header when present.
func NewHTTPNodeClient(baseURL, apiKey string) *HTTPNodeClient {
	return &HTTPNodeClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: defaultNodeTimeout},
	}
}

func (c *HTTPNodeClient) post(ctx context.Context, path string, payload, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("node client not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode node request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build node request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("node request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read node response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("node status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode node response: %w", err)
		}
	}
	return nil
}

// SubmitTransfer implements TransferSubmitter.
func (c *HTTPNodeClient) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.From == "" || req.To == "" {
		return "", fmt.Errorf("transfer endpoints required")
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}
	var out struct {
		TransactionID string `json:"transactionId"`
	}
	err := c.post(ctx, "/api/v1/transfers", map[string]any{
		"from":   req.From.String(),
		"to":     req.To.String(),
		"amount": req.Amount,
		"memo":   req.Memo,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("node returned no transaction id")
	}
	return out.TransactionID, nil
}

// SubmitMessage implements TopicPublisher. The payload travels base64-encoded.
func (c *HTTPNodeClient) SubmitMessage(ctx context.Context, topicID string, payload []byte) error {
	topicID = strings.TrimSpace(topicID)
	if topicID == "" {
		return fmt.Errorf("topic id required")
	}
	return c.post(ctx, "/api/v1/topics/"+url.PathEscape(topicID)+"/messages", map[string]any{
		"message": base64.StdEncoding.EncodeToString(payload),
	}, nil)
}
