// Package ap2 implements the negotiation protocol between buyer and producer
// agents: NEGOTIATE -> OFFER -> ACCEPT with bounded-lifetime offers and
// enforceable terms. Messages are tagged JSON variants dispatched exhaustively
// on their type field.
package ap2

import (
	"encoding/json"
	"fmt"
)

// MessageType tags an AP2 protocol message.
type MessageType string

const (
	TypeNegotiate MessageType = "NEGOTIATE"
	TypeOffer     MessageType = "OFFER"
	TypeAccept    MessageType = "ACCEPT"
)

// Currency identifies the settlement asset class.
type Currency string

const (
	CurrencyNative Currency = "NATIVE"
	CurrencyStable Currency = "STABLE"
)

// RateLimit is the negotiated call budget.
type RateLimit struct {
	Calls         int `json:"calls"`
	PeriodSeconds int `json:"periodSeconds"`
}

// SLA carries the producer's service commitments as opaque strings, e.g.
// uptime "99.9%" and response time "500ms".
type SLA struct {
	Uptime       string `json:"uptime"`
	ResponseTime string `json:"responseTime"`
}

// NegotiationRequest is the one-shot NEGOTIATE message. Immutable once built.
type NegotiationRequest struct {
	Type         MessageType `json:"type"`
	ProductID    string      `json:"productId"`
	MaxPrice     string      `json:"maxPrice"`
	Currency     Currency    `json:"currency"`
	RateLimit    *RateLimit  `json:"rateLimit,omitempty"`
	BuyerAgentID string      `json:"buyerAgentId"`
	Timestamp    int64       `json:"timestamp"`
}

// Offer is the producer's OFFER reply. ValidUntil is an absolute epoch-ms
// deadline. Immutable once built.
type Offer struct {
	Type            MessageType `json:"type"`
	ProductID       string      `json:"productId"`
	Price           string      `json:"price"`
	Currency        Currency    `json:"currency"`
	Slippage        string      `json:"slippage,omitempty"`
	RateLimit       RateLimit   `json:"rateLimit"`
	SLA             SLA         `json:"sla"`
	ValidUntil      int64       `json:"validUntil"`
	ProducerAgentID string      `json:"producerAgentId"`
	Timestamp       int64       `json:"timestamp"`
}

// Acceptance binds a buyer to an offer. Constructing one against an expired
// offer is an error; see Accept.
type Acceptance struct {
	Offer        Offer  `json:"offer"`
	BuyerAgentID string `json:"buyerAgentId"`
	AcceptedAt   int64  `json:"acceptedAt"`
}

// Message is the decoded form of any AP2 protocol message.
type Message struct {
	Type        MessageType
	Negotiation *NegotiationRequest
	Offer       *Offer
	Acceptance  *Acceptance
}

type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeMessage parses a raw AP2 payload into its tagged variant. Unknown
// types are rejected; the switch is exhaustive over the protocol.
func DecodeMessage(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode ap2 envelope: %w", err)
	}
	switch env.Type {
	case TypeNegotiate:
		var req NegotiationRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode NEGOTIATE: %w", err)
		}
		return &Message{Type: TypeNegotiate, Negotiation: &req}, nil
	case TypeOffer:
		var offer Offer
		if err := json.Unmarshal(raw, &offer); err != nil {
			return nil, fmt.Errorf("decode OFFER: %w", err)
		}
		return &Message{Type: TypeOffer, Offer: &offer}, nil
	case TypeAccept:
		var acceptance Acceptance
		if err := json.Unmarshal(raw, &acceptance); err != nil {
			return nil, fmt.Errorf("decode ACCEPT: %w", err)
		}
		return &Message{Type: TypeAccept, Acceptance: &acceptance}, nil
	default:
		return nil, fmt.Errorf("unknown ap2 message type %q", env.Type)
	}
}

// Validate checks the shape of a negotiation request.
func (r *NegotiationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("negotiation request required")
	}
	if r.Type != TypeNegotiate {
		return fmt.Errorf("negotiation type must be %s", TypeNegotiate)
	}
	if r.ProductID == "" {
		return fmt.Errorf("productId required")
	}
	if r.BuyerAgentID == "" {
		return fmt.Errorf("buyerAgentId required")
	}
	if _, err := ParsePrice(r.MaxPrice); err != nil {
		return fmt.Errorf("maxPrice: %w", err)
	}
	switch r.Currency {
	case CurrencyNative, CurrencyStable:
	default:
		return fmt.Errorf("unsupported currency %q", r.Currency)
	}
	if r.RateLimit != nil {
		if r.RateLimit.Calls <= 0 || r.RateLimit.PeriodSeconds <= 0 {
			return fmt.Errorf("rate limit calls and period must be positive")
		}
	}
	return nil
}
