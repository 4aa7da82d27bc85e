// Package consumer implements the buying agent: product discovery through the
// registry, AP2 negotiation, and the 402-retry loop that authorizes, settles
// and replays a score request with the payment receipt attached.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"trustmesh/ap2"
	"trustmesh/httpapi"
	"trustmesh/ledger"
	"trustmesh/mesh"
	"trustmesh/payment"
	"trustmesh/trust"
)

const defaultHTTPTimeout = 30 * time.Second

// AgentHeader names the requesting agent so the producer can attribute the
// call to the right rate-limit bucket.
const AgentHeader = "X-Agent-Id"

// Directory is the slice of the registry the consumer needs: the product
// catalog. The mesh client satisfies it.
type Directory interface {
	Products(ctx context.Context) ([]mesh.Product, error)
}

// Config wires an Agent. MaxPrice caps negotiation; when empty the consumer
// bids the product's published default price.
type Config struct {
	AgentID     string
	Account     ledger.AccountID
	Wallet      payment.Wallet
	Facilitator *payment.Facilitator
	Directory   Directory
	Events      mesh.EventSink
	HTTPClient  *http.Client
	Logger      *slog.Logger
	MaxPrice    string
}

// Agent is the consumer. It owns its negotiated-offer memory and its wallet;
// everything else it reaches through identifiers and the Directory and
// EventSink seams.
type Agent struct {
	agentID     string
	account     ledger.AccountID
	wallet      payment.Wallet
	facilitator *payment.Facilitator
	directory   Directory
	events      mesh.EventSink
	client      *http.Client
	logger      *slog.Logger
	maxPrice    string
	nowFn       func() time.Time

	mu     sync.Mutex
	offers map[string]ap2.Offer
}

// New constructs a consumer agent.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("consumer agent id required")
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("consumer account required")
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("consumer wallet required")
	}
	if cfg.Facilitator == nil {
		return nil, fmt.Errorf("facilitator required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		agentID:     cfg.AgentID,
		account:     cfg.Account,
		wallet:      cfg.Wallet,
		facilitator: cfg.Facilitator,
		directory:   cfg.Directory,
		events:      cfg.Events,
		client:      client,
		logger:      logger,
		maxPrice:    strings.TrimSpace(cfg.MaxPrice),
		nowFn:       time.Now,
		offers:      make(map[string]ap2.Offer),
	}, nil
}

// SetNowFunc overrides the wall clock, for offer-expiry tests.
func (a *Agent) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.nowFn = now
}

// DiscoverProducts lists the catalog from the registry, skipping deprecated
// entries.
func (a *Agent) DiscoverProducts(ctx context.Context) ([]mesh.Product, error) {
	if a.directory == nil {
		return nil, fmt.Errorf("no product directory configured")
	}
	products, err := a.directory.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover products: %w", err)
	}
	live := make([]mesh.Product, 0, len(products))
	for _, product := range products {
		if !product.Deprecated {
			live = append(live, product)
		}
	}
	return live, nil
}

// Negotiate sends a NEGOTIATE to the producer and stores the resulting offer
// keyed by product id. The reply must be a well-formed, unexpired OFFER for
// the requested product.
func (a *Agent) Negotiate(ctx context.Context, productID, endpoint, maxPrice string, currency ap2.Currency) (ap2.Offer, error) {
	request := ap2.NegotiationRequest{
		Type:         ap2.TypeNegotiate,
		ProductID:    productID,
		MaxPrice:     maxPrice,
		Currency:     currency,
		BuyerAgentID: a.agentID,
		Timestamp:    a.nowFn().UnixMilli(),
	}
	if err := request.Validate(); err != nil {
		return ap2.Offer{}, fmt.Errorf("negotiation request: %w", err)
	}
	body, err := json.Marshal(request)
	if err != nil {
		return ap2.Offer{}, fmt.Errorf("encode negotiation: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+"/ap2/negotiate", bytes.NewReader(body))
	if err != nil {
		return ap2.Offer{}, fmt.Errorf("build negotiation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(AgentHeader, a.agentID)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ap2.Offer{}, fmt.Errorf("negotiate %s: %w", productID, err)
	}
	defer resp.Body.Close()
	raw, err := httpapi.ReadBody(resp.Body)
	if err != nil {
		return ap2.Offer{}, fmt.Errorf("read negotiation reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		code, message := httpapi.DecodeError(resp.StatusCode, raw)
		return ap2.Offer{}, fmt.Errorf("negotiation rejected: %s: %s", code, message)
	}

	message, err := ap2.DecodeMessage(raw)
	if err != nil {
		return ap2.Offer{}, fmt.Errorf("negotiation reply: %w", err)
	}
	if message.Type != ap2.TypeOffer || message.Offer == nil {
		return ap2.Offer{}, fmt.Errorf("negotiation reply type %s, want %s", message.Type, ap2.TypeOffer)
	}
	offer := *message.Offer
	if offer.ProductID != productID {
		return ap2.Offer{}, fmt.Errorf("offer names product %q, negotiated %q", offer.ProductID, productID)
	}
	if offer.Expired(a.nowFn()) {
		return ap2.Offer{}, fmt.Errorf("producer returned an already expired offer: %w", ap2.ErrOfferExpired)
	}

	a.mu.Lock()
	a.offers[productID] = offer
	a.mu.Unlock()
	a.logger.Info("offer stored",
		"productId", productID,
		"price", offer.Price,
		"validUntil", offer.ValidUntil)
	return offer, nil
}

// currentOffer returns the stored unexpired offer for the product. Expired
// entries are evicted on read.
func (a *Agent) currentOffer(productID string) (ap2.Offer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	offer, ok := a.offers[productID]
	if !ok {
		return ap2.Offer{}, false
	}
	if offer.Expired(a.nowFn()) {
		delete(a.offers, productID)
		return ap2.Offer{}, false
	}
	return offer, true
}

// RequestScore drives one paid score purchase: ensure an offer, issue the
// request, and on a 402 challenge pay through the facilitator and retry once
// with the receipt header. The paid sequence is serial for this caller.
func (a *Agent) RequestScore(ctx context.Context, rawAccount, productID, endpoint string) (*trust.Score, error) {
	account, err := ledger.ParseAccountID(rawAccount)
	if err != nil {
		return nil, fmt.Errorf("target account: %w", err)
	}

	offer, ok := a.currentOffer(productID)
	if !ok {
		bid, err := a.bidPrice(ctx, productID)
		if err != nil {
			return nil, err
		}
		offer, err = a.Negotiate(ctx, productID, endpoint, bid, ap2.CurrencyNative)
		if err != nil {
			return nil, fmt.Errorf("renegotiate %s: %w", productID, err)
		}
	}

	scoreURL := strings.TrimRight(endpoint, "/") + "/trustscore/" + url.PathEscape(account.String())
	status, raw, err := a.getScore(ctx, scoreURL, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		return decodeScore(raw)
	}
	if status != http.StatusPaymentRequired {
		code, message := httpapi.DecodeError(status, raw)
		return nil, fmt.Errorf("score request failed: %s: %s", code, message)
	}

	requirements, err := extractRequirements(raw)
	if err != nil {
		return nil, err
	}
	// The challenge must honor the negotiated terms; a producer asking for
	// more than the offered price does not get paid.
	candidate := ap2.Terms{Price: requirements.MaxAmountRequired, RateLimit: offer.RateLimit, SLA: offer.SLA}
	if !ap2.EnforceTerms(offer, candidate) {
		return nil, fmt.Errorf("challenge demands %s, above the offered price %s for %s",
			requirements.MaxAmountRequired, offer.Price, productID)
	}
	header, err := a.payForAccess(ctx, *requirements)
	if err != nil {
		return nil, err
	}
	status, raw, err = a.getScore(ctx, scoreURL, header)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		code, message := httpapi.DecodeError(status, raw)
		return nil, fmt.Errorf("paid retry failed: %s: %s", code, message)
	}
	return decodeScore(raw)
}

// bidPrice picks the negotiation bid: the configured cap, or the product's
// published default price from the registry.
func (a *Agent) bidPrice(ctx context.Context, productID string) (string, error) {
	if a.maxPrice != "" {
		return a.maxPrice, nil
	}
	products, err := a.DiscoverProducts(ctx)
	if err != nil {
		return "", fmt.Errorf("look up default price: %w", err)
	}
	for _, product := range products {
		if product.ProductID == productID {
			return product.DefaultPrice, nil
		}
	}
	return "", fmt.Errorf("product %q not in registry and no max price configured", productID)
}

// getScore issues one GET, optionally with the receipt header.
func (a *Agent) getScore(ctx context.Context, scoreURL, paymentHeader string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scoreURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set(AgentHeader, a.agentID)
	if paymentHeader != "" {
		req.Header.Set(payment.HeaderName, paymentHeader)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := httpapi.ReadBody(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read score response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// payForAccess authorizes and settles a payment for the challenge and returns
// the encoded receipt header. Verification failure aborts before settlement;
// settlement failure aborts with the facilitator's reason.
func (a *Agent) payForAccess(ctx context.Context, requirements payment.Requirements) (string, error) {
	if err := requirements.Validate(); err != nil {
		return "", fmt.Errorf("payment requirements: %w", err)
	}
	auth := payment.NewAuthorization(a.account.String(), requirements, a.nowFn())
	signed, err := a.wallet.SignAuthorization(ctx, auth)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	if result := a.facilitator.Verify(&signed, &requirements); !result.IsValid {
		return "", fmt.Errorf("authorization rejected: %s", result.Reason)
	}
	receipt := a.facilitator.Settle(ctx, &signed, &requirements)
	if !receipt.Success {
		return "", fmt.Errorf("settlement failed: %s", receipt.Error)
	}
	header, err := payment.EncodeHeader(payment.Proof{Authorization: signed, Receipt: receipt})
	if err != nil {
		return "", err
	}
	if a.events != nil {
		a.events.Publish(mesh.AuditEvent{
			Type: mesh.EventPaymentVerified,
			Data: map[string]string{
				"payer":         a.account.String(),
				"recipient":     requirements.PayTo.String(),
				"amount":        requirements.MaxAmountRequired,
				"transactionId": receipt.TransactionID,
				"network":       receipt.Network,
			},
		})
	}
	a.logger.Info("payment settled",
		"transactionId", receipt.TransactionID,
		"amount", requirements.MaxAmountRequired,
		"recipient", requirements.PayTo.String())
	return header, nil
}

// extractRequirements pulls the payment requirements out of a 402 envelope.
func extractRequirements(raw []byte) (*payment.Requirements, error) {
	var envelope httpapi.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse payment challenge: %w", err)
	}
	if envelope.Error.Payment == nil {
		return nil, fmt.Errorf("payment challenge carries no requirements (code %s)", envelope.Error.Code)
	}
	return envelope.Error.Payment, nil
}

func decodeScore(raw []byte) (*trust.Score, error) {
	var score trust.Score
	if err := json.Unmarshal(raw, &score); err != nil {
		return nil, fmt.Errorf("parse trust score: %w", err)
	}
	return &score, nil
}
