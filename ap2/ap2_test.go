package ap2

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func sampleOffer(validUntil int64) Offer {
	return Offer{
		Type:            TypeOffer,
		ProductID:       "trustscore.basic.v1",
		Price:           "30000",
		Currency:        CurrencyNative,
		RateLimit:       RateLimit{Calls: 100, PeriodSeconds: 86400},
		SLA:             SLA{Uptime: "99.9%", ResponseTime: "500ms"},
		ValidUntil:      validUntil,
		ProducerAgentID: "0.0.9",
		Timestamp:       testNow.UnixMilli(),
	}
}

func TestDecodeMessageVariants(t *testing.T) {
	negotiate := []byte(`{"type":"NEGOTIATE","productId":"p","maxPrice":"30000","currency":"NATIVE","buyerAgentId":"0.0.7","timestamp":1}`)
	message, err := DecodeMessage(negotiate)
	if err != nil {
		t.Fatalf("decode NEGOTIATE: %v", err)
	}
	if message.Type != TypeNegotiate || message.Negotiation == nil || message.Negotiation.ProductID != "p" {
		t.Fatalf("unexpected message %+v", message)
	}

	raw, _ := json.Marshal(sampleOffer(testNow.UnixMilli() + 300_000))
	message, err = DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode OFFER: %v", err)
	}
	if message.Type != TypeOffer || message.Offer == nil || message.Offer.Price != "30000" {
		t.Fatalf("unexpected message %+v", message)
	}

	offerJSON, _ := json.Marshal(sampleOffer(1))
	accepted := []byte(`{"type":"ACCEPT","offer":` + string(offerJSON) + `,"buyerAgentId":"0.0.7","acceptedAt":2}`)
	message, err = DecodeMessage(accepted)
	if err != nil {
		t.Fatalf("decode ACCEPT: %v", err)
	}
	if message.Type != TypeAccept || message.Acceptance == nil {
		t.Fatalf("unexpected message %+v", message)
	}

	if _, err := DecodeMessage([]byte(`{"type":"BARTER"}`)); err == nil {
		t.Fatal("unknown type accepted")
	}
	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestNegotiationRequestValidate(t *testing.T) {
	valid := NegotiationRequest{
		Type:         TypeNegotiate,
		ProductID:    "p",
		MaxPrice:     "30000",
		Currency:     CurrencyNative,
		BuyerAgentID: "0.0.7",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	broken := []NegotiationRequest{
		{Type: TypeOffer, ProductID: "p", MaxPrice: "1", Currency: CurrencyNative, BuyerAgentID: "b"},
		{Type: TypeNegotiate, MaxPrice: "1", Currency: CurrencyNative, BuyerAgentID: "b"},
		{Type: TypeNegotiate, ProductID: "p", MaxPrice: "1", Currency: CurrencyNative},
		{Type: TypeNegotiate, ProductID: "p", MaxPrice: "-1", Currency: CurrencyNative, BuyerAgentID: "b"},
		{Type: TypeNegotiate, ProductID: "p", MaxPrice: "abc", Currency: CurrencyNative, BuyerAgentID: "b"},
		{Type: TypeNegotiate, ProductID: "p", MaxPrice: "1", Currency: "SHELLS", BuyerAgentID: "b"},
		{Type: TypeNegotiate, ProductID: "p", MaxPrice: "1", Currency: CurrencyNative, BuyerAgentID: "b", RateLimit: &RateLimit{Calls: 0, PeriodSeconds: 60}},
	}
	for i, request := range broken {
		if err := request.Validate(); err == nil {
			t.Errorf("case %d: invalid request accepted: %+v", i, request)
		}
	}
}

func TestOfferExpiryBoundary(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	nowMilli := testNow.UnixMilli()
	for i := 0; i < 200; i++ {
		delta := rng.Int63n(600_000) - 300_000
		offer := sampleOffer(nowMilli + delta)
		_, err := Accept(offer, "0.0.7", testNow)
		if delta <= 0 {
			if !errors.Is(err, ErrOfferExpired) {
				t.Fatalf("validUntil=now%+dms: expected ErrOfferExpired, got %v", delta, err)
			}
		} else if err != nil {
			t.Fatalf("validUntil=now%+dms: unexpected error %v", delta, err)
		}
	}
}

func TestAcceptRequiresBuyer(t *testing.T) {
	offer := sampleOffer(testNow.UnixMilli() + 1000)
	if _, err := Accept(offer, "  ", testNow); err == nil {
		t.Fatal("acceptance without a buyer id accepted")
	}
	acceptance, err := Accept(offer, "0.0.7", testNow)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acceptance.AcceptedAt != testNow.UnixMilli() || acceptance.BuyerAgentID != "0.0.7" {
		t.Fatalf("unexpected acceptance %+v", acceptance)
	}
}

func TestNewOfferValidity(t *testing.T) {
	offer := NewOffer("p", "30000", CurrencyNative, RateLimit{Calls: 5, PeriodSeconds: 60}, SLA{Uptime: "99%"}, "0.0.9", testNow)
	if offer.ValidUntil != testNow.UnixMilli()+DefaultOfferValidity.Milliseconds() {
		t.Fatalf("validUntil %d, want now+300s", offer.ValidUntil)
	}
	if offer.Expired(testNow) {
		t.Fatal("fresh offer reads expired")
	}
	if !offer.Expired(testNow.Add(DefaultOfferValidity)) {
		t.Fatal("offer survives its deadline")
	}
	if !(*Offer)(nil).Expired(testNow) {
		t.Fatal("nil offer must read expired")
	}
}

func TestEnforceTermsProperty(t *testing.T) {
	offer := sampleOffer(testNow.UnixMilli() + 300_000)
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 300; i++ {
		price := rng.Intn(60000)
		calls := rng.Intn(200)
		// Uptime in exact ten-thousandths between 99.0000% and 100.4999%.
		uptime := decimal.New(int64(990000+rng.Intn(15000)), -4)
		candidate := Terms{
			Price:     strconv.Itoa(price),
			RateLimit: RateLimit{Calls: calls, PeriodSeconds: 86400},
			SLA:       SLA{Uptime: uptime.String() + "%", ResponseTime: "500ms"},
		}
		violates := price > 30000 || calls > 100 || uptime.LessThan(decimal.RequireFromString("99.9"))
		if got := EnforceTerms(offer, candidate); got == violates {
			t.Fatalf("iteration %d: price=%d calls=%d uptime=%s: enforce=%v, want %v",
				i, price, calls, uptime, got, !violates)
		}
	}
}

func TestEnforceTermsUnparseable(t *testing.T) {
	offer := sampleOffer(testNow.UnixMilli() + 300_000)
	if EnforceTerms(offer, Terms{Price: "not-a-price", RateLimit: offer.RateLimit, SLA: offer.SLA}) {
		t.Fatal("unparseable candidate price accepted")
	}
	// Missing uptime on either side skips the uptime check rather than failing.
	if !EnforceTerms(offer, Terms{Price: "30000", RateLimit: offer.RateLimit, SLA: SLA{}}) {
		t.Fatal("candidate without an uptime commitment rejected")
	}
}

func TestParsePrice(t *testing.T) {
	if _, err := ParsePrice("30000"); err != nil {
		t.Fatalf("parse 30000: %v", err)
	}
	if _, err := ParsePrice("  0.5 "); err != nil {
		t.Fatalf("parse decimal: %v", err)
	}
	for _, raw := range []string{"", "  ", "-1", "1e", "abc"} {
		if _, err := ParsePrice(raw); err == nil {
			t.Errorf("parse %q: expected error", raw)
		}
	}
}
