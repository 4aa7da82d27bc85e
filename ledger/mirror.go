package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMirrorTimeout = 30 * time.Second

// HTTPMirrorClient queries a mirror-node REST API over HTTP. It performs no
// retries of its own; callers decide how hard to try.
type HTTPMirrorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPMirrorClient constructs a mirror client against the given base URL,
// e.g. "https://testnet.mirrornode.example.com". The API key is optional and
// sent as the x-api-key header when present.
func NewHTTPMirrorClient(baseURL, apiKey string) *HTTPMirrorClient {
	return &HTTPMirrorClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: defaultMirrorTimeout},
	}
}

type mirrorTransactionsResponse struct {
	Transactions []struct {
		TransactionID      string `json:"transaction_id"`
		Result             string `json:"result"`
		ConsensusTimestamp string `json:"consensus_timestamp"`
		Transfers          []struct {
			Account string `json:"account"`
			Amount  int64  `json:"amount"`
		} `json:"transfers"`
	} `json:"transactions"`
}

// TransactionByID implements MirrorClient.
func (c *HTTPMirrorClient) TransactionByID(ctx context.Context, id string) (*TransactionRecord, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("mirror client not configured")
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, fmt.Errorf("transaction id required")
	}
	endpoint := fmt.Sprintf("%s/api/v1/transactions/%s", c.baseURL, url.PathEscape(trimmed))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read mirror response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTransactionNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("mirror status %d", resp.StatusCode)
	}
	var decoded mirrorTransactionsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode mirror response: %w", err)
	}
	if len(decoded.Transactions) == 0 {
		return nil, ErrTransactionNotFound
	}
	tx := decoded.Transactions[0]
	record := &TransactionRecord{
		TransactionID:      tx.TransactionID,
		Result:             tx.Result,
		ConsensusTimestamp: tx.ConsensusTimestamp,
		Transfers:          make([]TransferEntry, 0, len(tx.Transfers)),
	}
	for _, transfer := range tx.Transfers {
		record.Transfers = append(record.Transfers, TransferEntry{
			Account: AccountID(transfer.Account),
			Amount:  transfer.Amount,
		})
	}
	return record, nil
}
