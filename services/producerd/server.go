package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustmesh/analytics"
	"trustmesh/ap2"
	"trustmesh/httpapi"
	"trustmesh/ledger"
	"trustmesh/mesh"
	"trustmesh/observability"
	"trustmesh/payment"
	"trustmesh/trust"
)

// negotiatedTerms is what a completed negotiation pins for one buyer.
type negotiatedTerms struct {
	price string
	limit ap2.RateLimit
}

// Server is the producer HTTP gateway: the payment-gated trust score endpoint
// and the AP2 negotiation endpoint.
type Server struct {
	chi.Router

	cfg       *Config
	analytics *analytics.Client
	engine    *trust.Engine
	events    mesh.EventSink
	verifier  mesh.ReceiptVerifier
	limiter   *rateLimiter
	logger    *slog.Logger
	nowFn     func() time.Time

	mu    sync.RWMutex
	terms map[string]negotiatedTerms
}

// NewServer wires the producer routes.
func NewServer(cfg *Config, client *analytics.Client, engine *trust.Engine, events mesh.EventSink, verifier mesh.ReceiptVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		analytics: client,
		engine:    engine,
		events:    events,
		verifier:  verifier,
		limiter:   newRateLimiter(),
		logger:    logger,
		nowFn:     time.Now,
		terms:     make(map[string]negotiatedTerms),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get(cfg.Product.EndpointPath+"/{accountId}", s.handleTrustScore)
	router.Post("/ap2/negotiate", s.handleNegotiate)
	router.Get("/health", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	s.Router = router
	return s
}

// consumerID attributes a request to a rate-limit bucket: the declared agent
// id when present, otherwise the remote host.
func consumerID(r *http.Request) string {
	if agent := strings.TrimSpace(r.Header.Get("X-Agent-Id")); agent != "" {
		return agent
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// termsFor returns the negotiated terms for the buyer, or the product
// defaults.
func (s *Server) termsFor(buyer string) negotiatedTerms {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if terms, ok := s.terms[buyer+"|"+s.cfg.Product.ID]; ok {
		return terms
	}
	return negotiatedTerms{
		price: s.cfg.Product.DefaultPrice,
		limit: ap2.RateLimit{Calls: s.cfg.Product.RateCalls, PeriodSeconds: s.cfg.Product.RatePeriod},
	}
}

func (s *Server) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	started := s.nowFn()
	product := s.cfg.Product.ID
	defer func() {
		observability.Market().ObserveLatency(product, time.Since(started).Seconds())
	}()

	account, err := ledger.ParseAccountID(chi.URLParam(r, "accountId"))
	if err != nil {
		observability.Market().RecordScoreRequest(product, "invalid_account")
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:       httpapi.CodeInvalidAccountID,
			Message:    err.Error(),
			Resolution: "supply the target account in 0.0.<number> form",
		})
		return
	}

	buyer := consumerID(r)
	terms := s.termsFor(buyer)
	if ok, retryAfter, consecutive := s.limiter.Allow(buyer, product, terms.limit); !ok {
		observability.Market().RecordThrottle(product)
		if consecutive {
			s.publish(mesh.AuditEvent{
				Type: mesh.EventRateLimitViolation,
				Data: map[string]string{
					"consumerAgentId": buyer,
					"productId":       product,
					"limitCalls":      strconv.Itoa(terms.limit.Calls),
					"periodSeconds":   strconv.Itoa(terms.limit.PeriodSeconds),
				},
			})
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.ErrorBody{
			Code:       httpapi.CodeRateLimited,
			Message:    fmt.Sprintf("rate limit of %d calls per %ds exceeded", terms.limit.Calls, terms.limit.PeriodSeconds),
			Resolution: "wait for the current window to end before retrying",
		})
		return
	}

	requirements := s.requirements(r, terms.price)
	header := r.Header.Get(payment.HeaderName)
	if strings.TrimSpace(header) == "" {
		observability.Market().RecordScoreRequest(product, "challenged")
		httpapi.WritePaymentChallenge(w, requirements, "payment required for "+product)
		return
	}

	proof, reason := s.verifyProof(r.Context(), header, requirements)
	if reason != "" {
		observability.Market().RecordPayment("failed")
		observability.Market().RecordScoreRequest(product, "payment_failed")
		s.logger.Warn("payment verification failed",
			"buyer", buyer,
			"account", account.String(),
			"reason", reason)
		w.Header().Set("Accepts-Payment", payment.AcceptsPaymentHeader)
		httpapi.WriteError(w, http.StatusPaymentRequired, httpapi.ErrorBody{
			Code:    httpapi.CodePaymentVerificationFailed,
			Message: reason,
			Payment: &requirements,
		})
		return
	}
	observability.Market().RecordPayment("verified")

	s.publish(mesh.AuditEvent{
		Type: mesh.EventComputationRequested,
		Data: map[string]string{
			"consumerAgentId": buyer,
			"producerAgentId": s.cfg.AgentID,
			"accountId":       account.String(),
			"productId":       product,
		},
	})

	topics := append(append([]string{}, s.cfg.Trust.TrustedTopics...), s.cfg.Trust.SuspiciousTopics...)
	bundle, err := s.analytics.Bundle(r.Context(), account, analytics.BundleOptions{Topics: topics})
	if err != nil {
		s.writeBundleError(w, account, err)
		observability.Market().RecordScoreRequest(product, "upstream_failed")
		return
	}

	score := s.engine.Compute(bundle)
	w.Header().Set("X-Payment-Transaction", proof.Receipt.TransactionID)
	w.Header().Set("X-Payment-Amount", requirements.MaxAmountRequired)
	httpapi.WriteJSON(w, http.StatusOK, score)
	observability.Market().RecordScoreRequest(product, "delivered")

	s.publish(mesh.AuditEvent{
		Type: mesh.EventScoreDelivered,
		Data: map[string]string{
			"consumerAgentId": buyer,
			"producerAgentId": s.cfg.AgentID,
			"accountId":       account.String(),
			"score":           strconv.Itoa(score.Score),
			"transactionId":   proof.Receipt.TransactionID,
			"amount":          requirements.MaxAmountRequired,
		},
	})
}

// requirements builds the 402 challenge for this request at the given price.
func (s *Server) requirements(r *http.Request, price string) payment.Requirements {
	return payment.Requirements{
		Scheme:            payment.SchemeExact,
		Network:           s.cfg.Network,
		Asset:             s.cfg.Asset,
		PayTo:             s.cfg.Account,
		MaxAmountRequired: price,
		Resource:          r.URL.Path,
		Description:       s.cfg.Product.Description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: s.cfg.MaxTimeoutSeconds,
	}
}

// verifyProof decodes the receipt header and confirms the settlement on chain
// through the orchestrator. A non-empty reason means the request must not
// reach the scoring engine.
func (s *Server) verifyProof(ctx context.Context, header string, requirements payment.Requirements) (*payment.Proof, string) {
	proof, err := payment.DecodeHeader(header)
	if err != nil {
		return nil, err.Error()
	}
	if !proof.Receipt.Success || proof.Receipt.TransactionID == "" {
		return nil, "receipt reports no successful settlement"
	}
	if proof.Receipt.Network != requirements.Network {
		return nil, fmt.Sprintf("receipt network %q, want %q", proof.Receipt.Network, requirements.Network)
	}
	if s.verifier == nil {
		return nil, "no receipt verifier configured"
	}
	if !s.verifier.VerifyPaymentReceipt(ctx, proof.Receipt.TransactionID, requirements.MaxAmountRequired, s.cfg.Account) {
		return nil, fmt.Sprintf("transaction %s does not settle %s to %s",
			proof.Receipt.TransactionID, requirements.MaxAmountRequired, s.cfg.Account)
	}
	return proof, ""
}

// writeBundleError maps analytics failures onto the HTTP surface. Only total
// upstream inability with no cache reaches 503.
func (s *Server) writeBundleError(w http.ResponseWriter, account ledger.AccountID, err error) {
	kind, _ := analytics.FailureKind(err)
	switch kind {
	case analytics.KindNotFound:
		httpapi.WriteError(w, http.StatusNotFound, httpapi.ErrorBody{
			Code:    httpapi.CodeAccountNotFound,
			Message: fmt.Sprintf("account %s not found upstream", account),
		})
	case analytics.KindInvalid:
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeInvalidAccountID,
			Message: err.Error(),
		})
	case analytics.KindUnavailable, analytics.KindRateLimited:
		httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.ErrorBody{
			Code:    httpapi.CodeServiceUnavailable,
			Message: "analytics source unavailable and no cached data exists",
		})
	default:
		s.logger.Error("bundle assembly failed", "account", account.String(), "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.ErrorBody{
			Code:    httpapi.CodeInternal,
			Message: "internal error assembling analytics bundle",
		})
	}
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	raw, err := httpapi.ReadBody(r.Body)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "read negotiation body: " + err.Error(),
		})
		return
	}
	message, err := ap2.DecodeMessage(raw)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	if message.Type != ap2.TypeNegotiate || message.Negotiation == nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: fmt.Sprintf("expected %s, got %s", ap2.TypeNegotiate, message.Type),
		})
		return
	}
	request := message.Negotiation
	if err := request.Validate(); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	if request.ProductID != s.cfg.Product.ID {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.ErrorBody{
			Code:    httpapi.CodeUnknownProduct,
			Message: fmt.Sprintf("product %q is not sold here", request.ProductID),
		})
		return
	}

	defaultPrice, _ := ap2.ParsePrice(s.cfg.Product.DefaultPrice)
	maxPrice, _ := ap2.ParsePrice(request.MaxPrice)
	if maxPrice.LessThan(defaultPrice) {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:       httpapi.CodePriceTooLow,
			Message:    fmt.Sprintf("maxPrice %s is below the product price %s", request.MaxPrice, s.cfg.Product.DefaultPrice),
			Resolution: "bid at least " + s.cfg.Product.DefaultPrice,
		})
		return
	}

	limit := ap2.RateLimit{Calls: s.cfg.Product.RateCalls, PeriodSeconds: s.cfg.Product.RatePeriod}
	if request.RateLimit != nil && request.RateLimit.Calls <= limit.Calls {
		limit = *request.RateLimit
	}
	offer := ap2.NewOffer(
		s.cfg.Product.ID,
		s.cfg.Product.DefaultPrice,
		request.Currency,
		limit,
		ap2.SLA{Uptime: s.cfg.Product.Uptime, ResponseTime: s.cfg.Product.ResponseTime},
		s.cfg.AgentID,
		s.nowFn(),
	)

	s.mu.Lock()
	s.terms[request.BuyerAgentID+"|"+s.cfg.Product.ID] = negotiatedTerms{price: offer.Price, limit: offer.RateLimit}
	s.mu.Unlock()

	s.publish(mesh.AuditEvent{
		Type: mesh.EventNegotiationStarted,
		Data: map[string]string{
			"buyerAgentId":    request.BuyerAgentID,
			"producerAgentId": s.cfg.AgentID,
			"productId":       request.ProductID,
			"maxPrice":        request.MaxPrice,
			"offeredPrice":    offer.Price,
		},
	})
	s.logger.Info("offer issued",
		"buyer", request.BuyerAgentID,
		"productId", request.ProductID,
		"price", offer.Price,
		"validUntil", offer.ValidUntil)
	httpapi.WriteJSON(w, http.StatusOK, offer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"breaker": s.analytics.BreakerState().String(),
	})
}

// publish sends an audit event through the sink when one is wired.
func (s *Server) publish(event mesh.AuditEvent) {
	if s.events != nil {
		s.events.Publish(event)
	}
}
