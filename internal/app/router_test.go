package app

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

type fakeBoard struct{}

func (fakeBoard) FindProjectID(ctx domain.Context, org, projectName string) (string, bool, error) {
	return "", false, nil
}
func (fakeBoard) GetStatusField(ctx domain.Context, projectID string) (string, map[string]string, error) {
	return "", nil, nil
}
func (fakeBoard) ListItemsByStatus(ctx domain.Context, projectID, statusName string) ([]domain.BoardItem, error) {
	return nil, nil
}
func (fakeBoard) FindItemIDForIssue(ctx domain.Context, projectID, repoOwner, repoName string, number int) (string, bool, error) {
	return "", false, nil
}
func (fakeBoard) UpdateItemStatus(ctx domain.Context, projectID, itemID, fieldID, optionID string) error {
	return nil
}
func (fakeBoard) GetIssueBlockers(ctx domain.Context, repoOwner, repoName string, number int) ([]domain.BlockerEdge, error) {
	return nil, nil
}
func (fakeBoard) GetIssueProjectStatus(ctx domain.Context, projectID string, number int, repoOwner, repoName string) (string, bool, error) {
	return "", false, nil
}

type fakeRemote struct{}

func (fakeRemote) Get(ctx domain.Context, path string, out any) error               { return nil }
func (fakeRemote) Post(ctx domain.Context, path string, body, out any) error        { return nil }
func (fakeRemote) Patch(ctx domain.Context, path string, body, out any) error       { return nil }
func (fakeRemote) Delete(ctx domain.Context, path string) error                     { return nil }
func (fakeRemote) GraphQL(ctx domain.Context, q string, vars map[string]any, out any) error {
	return nil
}
func (fakeRemote) Close() error { return nil }

type fakeRunner struct{}

func (fakeRunner) Run(ctx domain.Context, item domain.WorkItem) (*domain.AgentResult, error) {
	return &domain.AgentResult{Status: domain.ResultCompleted}, nil
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg := config.Config{MaxAgents: 2}
	qb := NewWorkQueueBuilder(fakeBoard{}, fakeRemote{}, cfg, "proj", nil)
	return NewPool(qb, fakeRunner{}, fakeRemote{}, cfg)
}

func TestHealthHandler(t *testing.T) {
	deps := RouterDeps{Pool: newTestPool(t), Version: "test"}
	h := BuildRouter(config.Config{RateLimitPerMin: 100}, deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWebhookHandler_NoSecretConfigured(t *testing.T) {
	deps := RouterDeps{Pool: newTestPool(t), Version: "test"}
	h := BuildRouter(config.Config{RateLimitPerMin: 100}, deps)

	payload := []byte(`{"action":"opened","repository":{"name":"r","owner":{"login":"o"}},"issue":{"number":7}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-GitHub-Delivery", "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookHandler_SignatureMismatch(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 100, WebhookSecret: "s3cr3t"}
	deps := RouterDeps{Pool: newTestPool(t), Version: "test"}
	h := BuildRouter(cfg, deps)

	payload := []byte(`{"repository":{"name":"r","owner":{"login":"o"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhookHandler_SignatureValid(t *testing.T) {
	secret := "s3cr3t"
	cfg := config.Config{RateLimitPerMin: 100, WebhookSecret: secret}
	deps := RouterDeps{Pool: newTestPool(t), Version: "test"}
	h := BuildRouter(cfg, deps)

	payload := []byte(`{"repository":{"name":"r","owner":{"login":"o"}}}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", sig)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAgentsStatusHandler(t *testing.T) {
	deps := RouterDeps{Pool: newTestPool(t), Version: "test"}
	h := BuildRouter(config.Config{RateLimitPerMin: 100}, deps)

	req := httptest.NewRequest(http.MethodGet, "/agents/status?target=local", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAgentsStopHandler(t *testing.T) {
	deps := RouterDeps{Pool: newTestPool(t), Version: "test"}
	h := BuildRouter(config.Config{RateLimitPerMin: 100}, deps)

	req := httptest.NewRequest(http.MethodPost, "/agents/stop", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSchedulerLifecycleHandlers(t *testing.T) {
	pool := newTestPool(t)
	sched := NewScheduler(pool, "23:59", "UTC", 50*time.Millisecond)
	deps := RouterDeps{Pool: pool, Scheduler: sched, Version: "test"}
	h := BuildRouter(config.Config{RateLimitPerMin: 100}, deps)

	startReq := httptest.NewRequest(http.MethodPost, "/scheduler/start", nil)
	startW := httptest.NewRecorder()
	h.ServeHTTP(startW, startReq)
	if startW.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on first start, got %d", startW.Code)
	}

	againReq := httptest.NewRequest(http.MethodPost, "/scheduler/start", nil)
	againW := httptest.NewRecorder()
	h.ServeHTTP(againW, againReq)
	if againW.Code != http.StatusOK {
		t.Fatalf("expected 200 already_running on second start, got %d", againW.Code)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/scheduler/status", nil)
	statusW := httptest.NewRecorder()
	h.ServeHTTP(statusW, statusReq)
	if statusW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusW.Code)
	}

	stopReq := httptest.NewRequest(http.MethodPost, "/scheduler/stop", nil)
	stopW := httptest.NewRecorder()
	h.ServeHTTP(stopW, stopReq)
	if stopW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", stopW.Code)
	}
}
