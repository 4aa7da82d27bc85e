package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"trustmesh/httpapi"
	"trustmesh/ledger"
	"trustmesh/ledger/ledgertest"
	"trustmesh/mesh"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *ledgertest.Fake) {
	t.Helper()
	fake := ledgertest.New()
	orch, err := mesh.NewOrchestrator(mesh.OrchestratorConfig{
		ID:            "meshd-1",
		Mirror:        fake,
		TopicClient:   fake,
		AuditTopicID:  "0.0.777",
		ChannelSecret: "test-secret",
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return NewServer(orch, 1000, 1000, discardLogger()), fake
}

func do(server *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

// register runs the registration handshake and returns the channel token.
func register(t *testing.T, server *Server, agentID string, role mesh.Role) string {
	t.Helper()
	rec := do(server, http.MethodPost, "/registry/agents", "", map[string]any{
		"agentId":      agentID,
		"role":         role,
		"capabilities": []string{"trustscore"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status %d (body %s)", rec.Code, rec.Body.String())
	}
	var registration mesh.AgentRegistration
	if err := json.Unmarshal(rec.Body.Bytes(), &registration); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if registration.A2AChannel == "" {
		t.Fatal("registration carries no channel token")
	}
	return registration.A2AChannel
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(server, http.MethodPost, "/tasks", "", map[string]string{"accountId": "0.0.2"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d without a token, want 401", rec.Code)
	}
	var envelope httpapi.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != httpapi.CodeUnauthorized {
		t.Fatalf("code %s", envelope.Error.Code)
	}

	if rec := do(server, http.MethodPost, "/tasks", "forged-token", map[string]string{"accountId": "0.0.2"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d with a forged token, want 401", rec.Code)
	}

	// Public surface stays open.
	if rec := do(server, http.MethodGet, "/registry/agents", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("public listing status %d", rec.Code)
	}
	if rec := do(server, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}

func TestPublishProductOwnership(t *testing.T) {
	server, _ := newTestServer(t)
	token := register(t, server, "producer-1", mesh.RoleProducer)

	product := mesh.Product{
		ProductID:       "trustscore.basic.v1",
		ProducerAgentID: "producer-1",
		DefaultPrice:    "30000",
		EndpointPath:    "/trustscore",
	}
	rec := do(server, http.MethodPost, "/registry/products", token, product)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status %d (body %s)", rec.Code, rec.Body.String())
	}

	// The caller may only publish under its own agent id.
	foreign := product
	foreign.ProducerAgentID = "producer-2"
	if rec := do(server, http.MethodPost, "/registry/products", token, foreign); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign publish status %d, want 403", rec.Code)
	}

	// Another producer touching the same product id conflicts.
	otherToken := register(t, server, "producer-2", mesh.RoleProducer)
	if rec := do(server, http.MethodPost, "/registry/products", otherToken, foreign); rec.Code != http.StatusConflict {
		t.Fatalf("takeover status %d, want 409", rec.Code)
	}

	rec = do(server, http.MethodGet, "/registry/products", "", nil)
	var products []mesh.Product
	if err := json.Unmarshal(rec.Body.Bytes(), &products); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	if len(products) != 1 || products[0].ProductID != "trustscore.basic.v1" {
		t.Fatalf("catalog %+v", products)
	}
}

func TestTaskEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	token := register(t, server, "consumer-1", mesh.RoleConsumer)

	rec := do(server, http.MethodPost, "/tasks", token, map[string]string{"accountId": "0.0.2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status %d (body %s)", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode task id: %v", err)
	}
	taskID := created["taskId"]
	if taskID == "" {
		t.Fatal("no task id issued")
	}

	rec = do(server, http.MethodGet, "/tasks/"+taskID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var task mesh.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	// The consumer id defaults to the authenticated caller.
	if task.ConsumerAgentID != "consumer-1" || task.State != mesh.TaskPending {
		t.Fatalf("task %+v", task)
	}

	// A skip-ahead transition conflicts; the legal path succeeds.
	if rec := do(server, http.MethodPatch, "/tasks/"+taskID, token, map[string]string{"state": "completed"}); rec.Code != http.StatusConflict {
		t.Fatalf("skip-ahead status %d, want 409", rec.Code)
	}
	if rec := do(server, http.MethodPatch, "/tasks/"+taskID, token, map[string]string{"state": "in_progress"}); rec.Code != http.StatusOK {
		t.Fatalf("start status %d", rec.Code)
	}
	rec = do(server, http.MethodPatch, "/tasks/"+taskID, token, map[string]string{"state": "completed", "result": `{"score":72}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.State != mesh.TaskCompleted || task.CompletedAt == nil {
		t.Fatalf("completed task %+v", task)
	}

	if rec := do(server, http.MethodGet, "/tasks/missing", token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task status %d, want 404", rec.Code)
	}
	if rec := do(server, http.MethodPatch, "/tasks/missing", token, map[string]string{"state": "failed"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown transition status %d, want 404", rec.Code)
	}
	if rec := do(server, http.MethodPost, "/tasks", token, map[string]string{"accountId": "garbage"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad account status %d, want 400", rec.Code)
	}
}

func TestEventIngestion(t *testing.T) {
	server, fake := newTestServer(t)
	token := register(t, server, "producer-1", mesh.RoleProducer)

	rec := do(server, http.MethodPost, "/events", token, mesh.AuditEvent{
		Type: mesh.EventScoreDelivered,
		Data: map[string]string{"accountId": "0.0.2", "score": "72"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("event status %d, want 202", rec.Code)
	}

	// The orchestrator appends the event to the consensus topic.
	server.orch.Audit().Flush()
	messages := fake.TopicMessages("0.0.777")
	if len(messages) != 1 {
		t.Fatalf("topic messages %d, want 1", len(messages))
	}
	var event mesh.AuditEvent
	if err := json.Unmarshal(messages[0], &event); err != nil {
		t.Fatalf("decode audit event: %v", err)
	}
	if event.Type != mesh.EventScoreDelivered || event.OrchestratorID != "meshd-1" {
		t.Fatalf("audit event %+v", event)
	}

	if rec := do(server, http.MethodPost, "/events", token, map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("typeless event status %d, want 400", rec.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	server, fake := newTestServer(t)
	token := register(t, server, "producer-1", mesh.RoleProducer)

	txID, err := fake.SubmitTransfer(context.Background(), ledger.TransferRequest{From: "0.0.7", To: "0.0.9", Amount: 30000})
	if err != nil {
		t.Fatalf("seed transfer: %v", err)
	}

	check := func(amount string) bool {
		rec := do(server, http.MethodPost, "/verify", token, map[string]string{
			"transactionId":     txID,
			"expectedAmount":    amount,
			"expectedRecipient": "0.0.9",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("verify status %d (body %s)", rec.Code, rec.Body.String())
		}
		var body map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode verification: %v", err)
		}
		return body["verified"]
	}

	if !check("30000") {
		t.Fatal("settled receipt did not verify")
	}
	if check("29999") {
		t.Fatal("underpaid receipt verified")
	}

	rec := do(server, http.MethodPost, "/verify", token, map[string]string{
		"transactionId":     txID,
		"expectedAmount":    "30000",
		"expectedRecipient": "garbage",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad recipient status %d, want 400", rec.Code)
	}
}

func TestThrottleRejectsBursts(t *testing.T) {
	server, _ := newTestServer(t)
	server.limitRate = 1
	server.limitBurst = 2

	var throttled bool
	for i := 0; i < 5; i++ {
		rec := do(server, http.MethodGet, "/healthz", "", nil)
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Fatal("burst of requests never throttled")
	}
}
