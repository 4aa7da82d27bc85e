package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"trustmesh/httpapi"
	"trustmesh/ledger"
	"trustmesh/mesh"
)

type contextKey string

const agentKey contextKey = "agent"

// Server is the orchestrator HTTP surface: registry, tasks, audit events and
// receipt verification.
type Server struct {
	chi.Router

	orch   *mesh.Orchestrator
	logger *slog.Logger

	limitRate  rate.Limit
	limitBurst int
	limiterMu  sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewServer wires the orchestrator routes behind a per-client request
// limiter.
func NewServer(orch *mesh.Orchestrator, perSecond float64, burst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:       orch,
		logger:     logger,
		limitRate:  rate.Limit(perSecond),
		limitBurst: burst,
		limiters:   make(map[string]*rate.Limiter),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.throttle)

	router.Get("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/registry/agents", s.handleRegister)
	router.Get("/registry/agents", s.handleListAgents)
	router.Get("/registry/products", s.handleListProducts)

	router.Group(func(protected chi.Router) {
		protected.Use(s.requireChannel)
		protected.Post("/registry/products", s.handlePublishProduct)
		protected.Post("/tasks", s.handleIssueTask)
		protected.Get("/tasks/{taskId}", s.handleGetTask)
		protected.Patch("/tasks/{taskId}", s.handleUpdateTask)
		protected.Post("/events", s.handleEvent)
		protected.Post("/verify", s.handleVerify)
	})
	s.Router = router
	return s
}

// throttle applies a token-bucket limit per remote host.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.limiterMu.Lock()
		limiter, ok := s.limiters[host]
		if !ok {
			limiter = rate.NewLimiter(s.limitRate, s.limitBurst)
			s.limiters[host] = limiter
		}
		s.limiterMu.Unlock()
		if !limiter.Allow() {
			httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.ErrorBody{
				Code:    httpapi.CodeRateLimited,
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireChannel validates the Bearer channel token and stashes the calling
// agent id in the request context.
func (s *Server) requireChannel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" || token == header {
			httpapi.WriteError(w, http.StatusUnauthorized, httpapi.ErrorBody{
				Code:       httpapi.CodeUnauthorized,
				Message:    "channel token required",
				Resolution: "register first to obtain an A2A channel token",
			})
			return
		}
		agentID, err := s.orch.ValidateChannelToken(token)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnauthorized, httpapi.ErrorBody{
				Code:    httpapi.CodeUnauthorized,
				Message: err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, agentID)))
	})
}

func callerAgent(ctx context.Context) string {
	agent, _ := ctx.Value(agentKey).(string)
	return agent
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AgentID      string    `json:"agentId"`
		Role         mesh.Role `json:"role"`
		Capabilities []string  `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "parse registration: " + err.Error(),
		})
		return
	}
	registration, err := s.orch.Register(payload.AgentID, payload.Role, payload.Capabilities)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, registration)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, s.orch.Registry().Agents())
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, s.orch.Registry().Products())
}

func (s *Server) handlePublishProduct(w http.ResponseWriter, r *http.Request) {
	var product mesh.Product
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "parse product: " + err.Error(),
		})
		return
	}
	if agent := callerAgent(r.Context()); product.ProducerAgentID != agent {
		httpapi.WriteError(w, http.StatusForbidden, httpapi.ErrorBody{
			Code:    httpapi.CodeUnauthorized,
			Message: "products may only be published by their producer",
		})
		return
	}
	if err := s.orch.Registry().PublishProduct(product); err != nil {
		httpapi.WriteError(w, http.StatusConflict, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	stored, _ := s.orch.Registry().Product(product.ProductID)
	httpapi.WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) handleIssueTask(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Type            string `json:"type"`
		ConsumerAgentID string `json:"consumerAgentId"`
		AccountID       string `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "parse task: " + err.Error(),
		})
		return
	}
	account, err := ledger.ParseAccountID(payload.AccountID)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeInvalidAccountID,
			Message: err.Error(),
		})
		return
	}
	if payload.ConsumerAgentID == "" {
		payload.ConsumerAgentID = callerAgent(r.Context())
	}
	taskID, err := s.orch.IssueTask(payload.Type, payload.ConsumerAgentID, account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, map[string]string{"taskId": taskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	task, ok := s.orch.Tasks().Get(taskID)
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "unknown task " + taskID,
		})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	var payload struct {
		State  mesh.TaskState `json:"state"`
		Result string         `json:"result"`
		Error  string         `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "parse transition: " + err.Error(),
		})
		return
	}
	task, err := s.orch.UpdateTask(taskID, payload.State, payload.Result, payload.Error)
	if err != nil {
		status := http.StatusConflict
		if _, ok := s.orch.Tasks().Get(taskID); !ok {
			status = http.StatusNotFound
		}
		httpapi.WriteError(w, status, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: err.Error(),
		})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event mesh.AuditEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "parse event: " + err.Error(),
		})
		return
	}
	if event.Type == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "event type required",
		})
		return
	}
	s.orch.LogEvent(event)
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TransactionID     string `json:"transactionId"`
		ExpectedAmount    string `json:"expectedAmount"`
		ExpectedRecipient string `json:"expectedRecipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeMalformedRequest,
			Message: "parse verification request: " + err.Error(),
		})
		return
	}
	recipient, err := ledger.ParseAccountID(payload.ExpectedRecipient)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.ErrorBody{
			Code:    httpapi.CodeInvalidAccountID,
			Message: err.Error(),
		})
		return
	}
	verified := s.orch.VerifyPaymentReceipt(r.Context(), payload.TransactionID, payload.ExpectedAmount, recipient)
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}
