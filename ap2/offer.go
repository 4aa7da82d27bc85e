package ap2

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultOfferValidity bounds the lifetime of a synthesized offer.
const DefaultOfferValidity = 300 * time.Second

// ErrOfferExpired marks use of an offer past its absolute deadline.
var ErrOfferExpired = errors.New("ap2: offer expired")

// ParsePrice parses a nonnegative decimal price string. Prices never pass
// through floats.
func ParsePrice(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("price required")
	}
	price, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("price %q must be nonnegative", raw)
	}
	return price, nil
}

// NewOffer synthesizes an offer for the product at the given price. The
// deadline defaults to now plus DefaultOfferValidity.
func NewOffer(productID, price string, currency Currency, limit RateLimit, sla SLA, producerAgentID string, now time.Time) Offer {
	created := now.UnixMilli()
	return Offer{
		Type:            TypeOffer,
		ProductID:       productID,
		Price:           price,
		Currency:        currency,
		RateLimit:       limit,
		SLA:             sla,
		ValidUntil:      created + DefaultOfferValidity.Milliseconds(),
		ProducerAgentID: producerAgentID,
		Timestamp:       created,
	}
}

// Expired reports whether the offer deadline has passed. Deadlines are
// absolute epoch milliseconds compared without rounding.
func (o *Offer) Expired(now time.Time) bool {
	if o == nil {
		return true
	}
	return o.ValidUntil <= now.UnixMilli()
}

// Accept constructs an acceptance of the offer. Accepting an expired offer is
// an error, never a retry.
func Accept(offer Offer, buyerAgentID string, now time.Time) (*Acceptance, error) {
	if offer.Expired(now) {
		return nil, fmt.Errorf("%w: validUntil=%d now=%d", ErrOfferExpired, offer.ValidUntil, now.UnixMilli())
	}
	if strings.TrimSpace(buyerAgentID) == "" {
		return nil, fmt.Errorf("buyer agent id required")
	}
	return &Acceptance{
		Offer:        offer,
		BuyerAgentID: buyerAgentID,
		AcceptedAt:   now.UnixMilli(),
	}, nil
}

// Terms is a candidate set of terms checked against an offer.
type Terms struct {
	Price     string
	RateLimit RateLimit
	SLA       SLA
}

// EnforceTerms reports whether candidate terms honor the offer: the price may
// not exceed the offered price, the call budget may not exceed the offered
// budget, and uptime may not fall below the offered commitment.
func EnforceTerms(offer Offer, candidate Terms) bool {
	offerPrice, err := ParsePrice(offer.Price)
	if err != nil {
		return false
	}
	candidatePrice, err := ParsePrice(candidate.Price)
	if err != nil {
		return false
	}
	if candidatePrice.GreaterThan(offerPrice) {
		return false
	}
	if candidate.RateLimit.Calls > offer.RateLimit.Calls {
		return false
	}
	offerUptime, offerOK := parseUptime(offer.SLA.Uptime)
	candidateUptime, candidateOK := parseUptime(candidate.SLA.Uptime)
	if offerOK && candidateOK && candidateUptime.LessThan(offerUptime) {
		return false
	}
	return true
}

// parseUptime reads an uptime commitment like "99.9%" into a decimal.
func parseUptime(raw string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "%")
	if trimmed == "" {
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}
