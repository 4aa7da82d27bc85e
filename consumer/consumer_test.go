package consumer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trustmesh/ap2"
	"trustmesh/httpapi"
	"trustmesh/ledger"
	"trustmesh/ledger/ledgertest"
	"trustmesh/mesh"
	"trustmesh/payment"
	"trustmesh/trust"
)

const (
	producerAccount = ledger.AccountID("0.0.9")
	consumerAccount = ledger.AccountID("0.0.7")
	testProduct     = "trustscore.basic.v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProducer is an httptest producer: it negotiates offers, challenges
// unpaid score requests with a 402, and verifies receipts against the shared
// in-memory ledger before serving a score.
type fakeProducer struct {
	t        *testing.T
	fake     *ledgertest.Fake
	nowFn    func() time.Time
	price    string
	askPrice string

	mu             sync.Mutex
	negotiateCalls int
	unpaidCalls    int
	paidCalls      int
	lastBid        string
}

func newFakeProducer(t *testing.T, fake *ledgertest.Fake, nowFn func() time.Time) *fakeProducer {
	return &fakeProducer{t: t, fake: fake, nowFn: nowFn, price: "30000", askPrice: "30000"}
}

func (p *fakeProducer) requirements(resource string) payment.Requirements {
	return payment.Requirements{
		Scheme:            payment.SchemeExact,
		Network:           "ledger-mainnet",
		Asset:             payment.AssetNative,
		PayTo:             producerAccount,
		MaxAmountRequired: p.askPrice,
		Resource:          resource,
		Description:       "trust score",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 300,
	}
}

func (p *fakeProducer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ap2/negotiate":
		raw, _ := httpapi.ReadBody(r.Body)
		message, err := ap2.DecodeMessage(raw)
		if err != nil || message.Type != ap2.TypeNegotiate {
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{Code: httpapi.CodeMalformedRequest, Message: "bad negotiation"})
			return
		}
		p.mu.Lock()
		p.negotiateCalls++
		p.lastBid = message.Negotiation.MaxPrice
		p.mu.Unlock()
		offer := ap2.NewOffer(testProduct, p.price, ap2.CurrencyNative,
			ap2.RateLimit{Calls: 100, PeriodSeconds: 86400},
			ap2.SLA{Uptime: "99.9%", ResponseTime: "500ms"},
			"producer-1", p.nowFn())
		httpapi.WriteJSON(w, http.StatusOK, offer)
	case strings.HasPrefix(r.URL.Path, "/trustscore/"):
		header := r.Header.Get(payment.HeaderName)
		if header == "" {
			p.mu.Lock()
			p.unpaidCalls++
			p.mu.Unlock()
			httpapi.WritePaymentChallenge(w, p.requirements(r.URL.Path), "payment required")
			return
		}
		proof, err := payment.DecodeHeader(header)
		if err != nil || !proof.Receipt.Success {
			httpapi.WriteError(w, http.StatusPaymentRequired, httpapi.ErrorBody{Code: httpapi.CodePaymentVerificationFailed, Message: "bad receipt"})
			return
		}
		verifier := mesh.NewVerifier(p.fake, discardLogger())
		if !verifier.VerifyPaymentReceipt(r.Context(), proof.Receipt.TransactionID, p.askPrice, producerAccount) {
			httpapi.WriteError(w, http.StatusPaymentRequired, httpapi.ErrorBody{Code: httpapi.CodePaymentVerificationFailed, Message: "not settled"})
			return
		}
		p.mu.Lock()
		p.paidCalls++
		p.mu.Unlock()
		httpapi.WriteJSON(w, http.StatusOK, trust.Score{
			Account: "0.0.2",
			Score:   72,
			Components: trust.Components{
				AccountAge: 20, Diversity: 15, Volatility: 10, TokenHealth: 15, HCSQuality: 12,
			},
			RiskFlags: []trust.RiskFlag{},
			Timestamp: p.nowFn().UnixMilli(),
		})
	default:
		http.NotFound(w, r)
	}
}

// newTestAgent wires a consumer, its wallet and the facilitator over one fake
// ledger and one shared clock.
func newTestAgent(t *testing.T, fake *ledgertest.Fake, nowFn func() time.Time, events mesh.EventSink) *Agent {
	t.Helper()
	wallet, err := payment.NewNativeWallet(consumerAccount, fake)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	agent, err := New(Config{
		AgentID:     "consumer-1",
		Account:     consumerAccount,
		Wallet:      wallet,
		Facilitator: payment.NewFacilitator(fake, payment.WithNowFunc(nowFn)),
		Events:      events,
		Logger:      discardLogger(),
		MaxPrice:    "30000",
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	agent.SetNowFunc(nowFn)
	return agent
}

func TestPaidScorePurchase(t *testing.T) {
	fake := ledgertest.New()
	producer := newFakeProducer(t, fake, time.Now)
	server := httptest.NewServer(producer)
	defer server.Close()

	var events []mesh.AuditEvent
	agent := newTestAgent(t, fake, time.Now, mesh.EventSinkFunc(func(event mesh.AuditEvent) {
		events = append(events, event)
	}))

	score, err := agent.RequestScore(context.Background(), "0.0.2", testProduct, server.URL)
	if err != nil {
		t.Fatalf("request score: %v", err)
	}
	if score.Score != 72 || score.Account != "0.0.2" {
		t.Fatalf("unexpected score %+v", score)
	}
	if producer.negotiateCalls != 1 || producer.unpaidCalls != 1 || producer.paidCalls != 1 {
		t.Fatalf("calls negotiate=%d unpaid=%d paid=%d, want 1/1/1",
			producer.negotiateCalls, producer.unpaidCalls, producer.paidCalls)
	}

	if len(events) != 1 || events[0].Type != mesh.EventPaymentVerified {
		t.Fatalf("events %+v, want one PAYMENT_VERIFIED", events)
	}
	data := events[0].Data
	if data["payer"] != consumerAccount.String() || data["recipient"] != producerAccount.String() || data["amount"] != "30000" {
		t.Fatalf("event data %+v", data)
	}
	if data["transactionId"] == "" {
		t.Fatal("event missing the settlement transaction id")
	}

	// A second purchase reuses the stored offer without renegotiating.
	if _, err := agent.RequestScore(context.Background(), "0.0.2", testProduct, server.URL); err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if producer.negotiateCalls != 1 {
		t.Fatalf("negotiations %d, want the offer reused", producer.negotiateCalls)
	}
}

func TestExpiredOfferRenegotiated(t *testing.T) {
	fake := ledgertest.New()
	base := time.Now()
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	producer := newFakeProducer(t, fake, clock)
	server := httptest.NewServer(producer)
	defer server.Close()

	agent := newTestAgent(t, fake, clock, nil)
	if _, err := agent.RequestScore(context.Background(), "0.0.2", testProduct, server.URL); err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	// Past the offer deadline the stored offer is evicted, not accepted.
	mu.Lock()
	now = base.Add(ap2.DefaultOfferValidity + time.Minute)
	mu.Unlock()

	if _, err := agent.RequestScore(context.Background(), "0.0.2", testProduct, server.URL); err != nil {
		t.Fatalf("purchase after expiry: %v", err)
	}
	if producer.negotiateCalls != 2 {
		t.Fatalf("negotiations %d, want a renegotiation after expiry", producer.negotiateCalls)
	}
}

func TestChallengeAboveOfferRejected(t *testing.T) {
	fake := ledgertest.New()
	producer := newFakeProducer(t, fake, time.Now)
	producer.askPrice = "60000" // challenge above the negotiated price
	server := httptest.NewServer(producer)
	defer server.Close()

	var events []mesh.AuditEvent
	agent := newTestAgent(t, fake, time.Now, mesh.EventSinkFunc(func(event mesh.AuditEvent) {
		events = append(events, event)
	}))

	_, err := agent.RequestScore(context.Background(), "0.0.2", testProduct, server.URL)
	if err == nil || !strings.Contains(err.Error(), "above the offered price") {
		t.Fatalf("expected over-ask rejection, got %v", err)
	}
	if producer.paidCalls != 0 {
		t.Fatal("consumer paid an over-ask challenge")
	}
	if len(events) != 0 {
		t.Fatalf("events %+v, want none without a settlement", events)
	}
}

func TestScoreErrorPropagates(t *testing.T) {
	fake := ledgertest.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ap2/negotiate" {
			offer := ap2.NewOffer(testProduct, "30000", ap2.CurrencyNative,
				ap2.RateLimit{Calls: 100, PeriodSeconds: 86400}, ap2.SLA{}, "producer-1", time.Now())
			httpapi.WriteJSON(w, http.StatusOK, offer)
			return
		}
		httpapi.WriteError(w, http.StatusNotFound, httpapi.ErrorBody{Code: httpapi.CodeAccountNotFound, Message: "account 0.0.404 not found"})
	}))
	defer server.Close()

	agent := newTestAgent(t, fake, time.Now, nil)
	_, err := agent.RequestScore(context.Background(), "0.0.404", testProduct, server.URL)
	if err == nil || !strings.Contains(err.Error(), httpapi.CodeAccountNotFound) {
		t.Fatalf("expected ACCOUNT_NOT_FOUND, got %v", err)
	}

	if _, err := agent.RequestScore(context.Background(), "garbage", testProduct, server.URL); err == nil {
		t.Fatal("malformed account id accepted")
	}
}

type stubDirectory struct {
	products []mesh.Product
}

func (d *stubDirectory) Products(ctx context.Context) ([]mesh.Product, error) {
	return d.products, nil
}

func TestDiscoverProductsSkipsDeprecated(t *testing.T) {
	fake := ledgertest.New()
	agent := newTestAgent(t, fake, time.Now, nil)
	agent.directory = &stubDirectory{products: []mesh.Product{
		{ProductID: "trustscore.basic.v1"},
		{ProductID: "trustscore.legacy.v0", Deprecated: true},
	}}

	products, err := agent.DiscoverProducts(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(products) != 1 || products[0].ProductID != "trustscore.basic.v1" {
		t.Fatalf("products %+v, want the live entry only", products)
	}
}

func TestBidFallsBackToCatalogPrice(t *testing.T) {
	fake := ledgertest.New()
	producer := newFakeProducer(t, fake, time.Now)
	server := httptest.NewServer(producer)
	defer server.Close()

	agent := newTestAgent(t, fake, time.Now, nil)
	agent.maxPrice = ""
	agent.directory = &stubDirectory{products: []mesh.Product{
		{ProductID: testProduct, DefaultPrice: "25000"},
	}}

	// The producer still offers 30000, which the consumer's terms check then
	// applies against the challenge; the bid itself comes from the catalog.
	if _, err := agent.RequestScore(context.Background(), "0.0.2", testProduct, server.URL); err != nil {
		t.Fatalf("request score: %v", err)
	}
	if producer.lastBid != "25000" {
		t.Fatalf("bid %q, want the catalog default price", producer.lastBid)
	}
}
