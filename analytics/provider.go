package analytics

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trustmesh/ledger"
)

// Provider performs the raw upstream queries. Implementations do a single
// attempt per call and classify failures through the package taxonomy; the
// Client layers retries, caching and circuit breaking on top.
type Provider interface {
	FetchAccountInfo(ctx context.Context, id ledger.AccountID) (*AccountInfo, error)
	FetchTransactions(ctx context.Context, id ledger.AccountID, limit int) ([]Transaction, error)
	FetchTokenBalances(ctx context.Context, id ledger.AccountID) ([]TokenBalance, error)
	FetchTopicMessages(ctx context.Context, id ledger.AccountID, topics []string) ([]TopicMessage, error)
}

const defaultProviderTimeout = 30 * time.Second

// HTTPProvider queries a mirror-node style analytics REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider builds a provider against the configured analytics base URL.
// The API key is sent as the x-api-key header when set.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: defaultProviderTimeout},
	}
}

func (p *HTTPProvider) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if p == nil || p.baseURL == "" {
		return NewFailure(KindInvalid, fmt.Errorf("provider not configured"))
	}
	endpoint := p.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return NewFailure(KindInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		// A dead caller context is not an upstream failure; surface it
		// unclassified so the breaker ignores it.
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return NewFailure(KindUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return NewFailure(KindUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return NewFailure(KindNotFound, fmt.Errorf("GET %s: 404", path))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if seconds, parseErr := strconv.Atoi(strings.TrimSpace(raw)); parseErr == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return RateLimitedFailure(retryAfter, fmt.Errorf("GET %s: 429", path))
	case resp.StatusCode >= 500:
		return NewFailure(KindUnavailable, fmt.Errorf("GET %s: status %d", path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return NewFailure(KindInvalid, fmt.Errorf("GET %s: status %d", path, resp.StatusCode))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewFailure(KindInternal, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// FetchAccountInfo implements Provider.
func (p *HTTPProvider) FetchAccountInfo(ctx context.Context, id ledger.AccountID) (*AccountInfo, error) {
	var decoded struct {
		Account          string `json:"account"`
		CreatedTimestamp string `json:"created_timestamp"`
		Balance          struct {
			Balance int64 `json:"balance"`
		} `json:"balance"`
	}
	if err := p.getJSON(ctx, "/api/v1/accounts/"+url.PathEscape(id.String()), nil, &decoded); err != nil {
		return nil, err
	}
	created, err := parseConsensusTimestamp(decoded.CreatedTimestamp)
	if err != nil {
		return nil, NewFailure(KindInternal, fmt.Errorf("account %s created timestamp: %w", id, err))
	}
	return &AccountInfo{
		Account:   ledger.AccountID(decoded.Account),
		CreatedAt: created,
		Balance:   decoded.Balance.Balance,
	}, nil
}

// FetchTransactions implements Provider.
func (p *HTTPProvider) FetchTransactions(ctx context.Context, id ledger.AccountID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var decoded struct {
		Transactions []struct {
			TransactionID      string `json:"transaction_id"`
			ConsensusTimestamp string `json:"consensus_timestamp"`
			Transfers          []struct {
				Account string `json:"account"`
				Amount  int64  `json:"amount"`
			} `json:"transfers"`
		} `json:"transactions"`
	}
	query := url.Values{}
	query.Set("account.id", id.String())
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order", "desc")
	if err := p.getJSON(ctx, "/api/v1/transactions", query, &decoded); err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(decoded.Transactions))
	for _, tx := range decoded.Transactions {
		ts, err := parseConsensusTimestamp(tx.ConsensusTimestamp)
		if err != nil {
			continue
		}
		transfers := make([]ledger.TransferEntry, 0, len(tx.Transfers))
		for _, transfer := range tx.Transfers {
			transfers = append(transfers, ledger.TransferEntry{
				Account: ledger.AccountID(transfer.Account),
				Amount:  transfer.Amount,
			})
		}
		out = append(out, Transaction{
			TransactionID:      tx.TransactionID,
			ConsensusTimestamp: ts,
			Transfers:          transfers,
		})
	}
	return out, nil
}

// FetchTokenBalances implements Provider.
func (p *HTTPProvider) FetchTokenBalances(ctx context.Context, id ledger.AccountID) ([]TokenBalance, error) {
	var decoded struct {
		Tokens []struct {
			TokenID string `json:"token_id"`
			Balance int64  `json:"balance"`
		} `json:"tokens"`
	}
	if err := p.getJSON(ctx, "/api/v1/accounts/"+url.PathEscape(id.String())+"/tokens", nil, &decoded); err != nil {
		return nil, err
	}
	out := make([]TokenBalance, 0, len(decoded.Tokens))
	for _, token := range decoded.Tokens {
		out = append(out, TokenBalance{TokenID: token.TokenID, Balance: token.Balance})
	}
	return out, nil
}

// FetchTopicMessages implements Provider. Messages are gathered per topic and
// filtered to those paid for by the account. Topics the mirror does not know
// about are skipped rather than failing the whole query.
func (p *HTTPProvider) FetchTopicMessages(ctx context.Context, id ledger.AccountID, topics []string) ([]TopicMessage, error) {
	out := make([]TopicMessage, 0)
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		var decoded struct {
			Messages []struct {
				TopicID            string `json:"topic_id"`
				SequenceNumber     int64  `json:"sequence_number"`
				PayerAccountID     string `json:"payer_account_id"`
				ConsensusTimestamp string `json:"consensus_timestamp"`
				Message            string `json:"message"`
			} `json:"messages"`
		}
		query := url.Values{}
		query.Set("limit", "100")
		query.Set("order", "desc")
		err := p.getJSON(ctx, "/api/v1/topics/"+url.PathEscape(topic)+"/messages", query, &decoded)
		if err != nil {
			if IsKind(err, KindNotFound) {
				continue
			}
			return nil, err
		}
		for _, msg := range decoded.Messages {
			if msg.PayerAccountID != id.String() {
				continue
			}
			ts, tsErr := parseConsensusTimestamp(msg.ConsensusTimestamp)
			if tsErr != nil {
				continue
			}
			contents, decodeErr := base64.StdEncoding.DecodeString(msg.Message)
			if decodeErr != nil {
				contents = []byte(msg.Message)
			}
			out = append(out, TopicMessage{
				TopicID:            msg.TopicID,
				SequenceNumber:     msg.SequenceNumber,
				PayerAccount:       ledger.AccountID(msg.PayerAccountID),
				ConsensusTimestamp: ts,
				Contents:           contents,
			})
		}
	}
	return out, nil
}

// parseConsensusTimestamp converts a mirror "seconds.nanoseconds" string into
// a time.Time.
func parseConsensusTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	secondsPart, nanosPart, _ := strings.Cut(trimmed, ".")
	seconds, err := strconv.ParseInt(secondsPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse seconds: %w", err)
	}
	var nanos int64
	if nanosPart != "" {
		padded := nanosPart
		if len(padded) > 9 {
			padded = padded[:9]
		} else {
			padded += strings.Repeat("0", 9-len(padded))
		}
		nanos, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse nanos: %w", err)
		}
	}
	return time.Unix(seconds, nanos).UTC(), nil
}
