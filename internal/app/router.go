// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/aceteam/ace-orchestrator/internal/adapter/httpserver"
	"github.com/aceteam/ace-orchestrator/internal/adapter/observability"
	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// EventPublisher publishes a decoded webhook delivery onto the ingestion
// queue. Implemented by *redpanda.Producer; an interface here keeps this
// package free of a direct dependency on the queue adapter.
type EventPublisher interface {
	PublishEvent(ctx domain.Context, event domain.WebhookEvent) error
}

// RouterDeps collects the dependencies the HTTP Service Surface (spec §6)
// needs beyond cfg.
type RouterDeps struct {
	Pool      *Pool
	Scheduler *Scheduler
	Publisher EventPublisher // nil disables queue publish; webhook is still accepted and logged
	Version   string
}

// BuildRouter constructs the HTTP handler implementing spec §6's service
// surface: health/metrics, GitHub webhook ingestion, and the agents/
// scheduler control endpoints. Grounded on the teacher's
// internal/app/router.go middleware stack (chi + cors + httprate +
// security headers), with the CV-evaluator upload/evaluate/result/admin
// routes replaced by the orchestrator's control-plane routes.
func BuildRouter(cfg config.Config, deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rt := &routes{cfg: cfg, deps: deps}

	r.Get("/health", rt.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/webhook/github", rt.webhookHandler)
		wr.Post("/agents/spawn", rt.agentsSpawnHandler)
		wr.Post("/agents/run", rt.agentsRunHandler)
		wr.Post("/agents/start", rt.agentsStartHandler)
		wr.Post("/agents/stop", rt.agentsStopHandler)
		wr.Post("/scheduler/start", rt.schedulerStartHandler)
		wr.Post("/scheduler/stop", rt.schedulerStopHandler)
	})

	r.Get("/agents/status", rt.agentsStatusHandler)
	r.Get("/scheduler/status", rt.schedulerStatusHandler)

	return httpserver.SecurityHeaders(r)
}

// routes holds the closures-worth of state the §6 handlers need. It is
// unexported: BuildRouter is the only constructor a caller needs.
type routes struct {
	cfg  config.Config
	deps RouterDeps
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *routes) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": rt.deps.Version})
}

// targetFromQuery validates the optional ?target= query param against
// {local, remote, any} (spec §6), defaulting to cfg.Target.
func (rt *routes) targetFromQuery(r *http.Request) string {
	t := r.URL.Query().Get("target")
	if t == "" {
		t = rt.cfg.Target
	}
	switch t {
	case "local", "remote", "any":
		return t
	default:
		return "any"
	}
}

type githubWebhookPayload struct {
	Action     json.RawMessage `json:"action"`
	Repository struct {
		Name  string `json:"name" validate:"required"`
		Owner struct {
			Login string `json:"login" validate:"required"`
		} `json:"owner"`
	} `json:"repository"`
	Issue *struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
}

var webhookPayloadValidator = validator.New()

// webhookHandler ingests one GitHub webhook delivery: verifies the
// HMAC-SHA256 signature (when cfg.WebhookSecret is configured), extracts a
// minimal domain.WebhookEvent, and publishes it to the ingestion queue
// (spec §6, §4.8 Webhook ingestion pipeline). The handler never blocks on
// the pool processing the event — PublishEvent returning nil is enough to
// answer {"status":"queued"}; the poll-driven Work-Queue Builder remains
// the authoritative admission path regardless of whether this publish
// succeeds.
func (rt *routes) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}

	if secret := rt.cfg.WebhookSecret; secret != "" {
		if !verifySignature(secret, r.Header.Get("X-Hub-Signature-256"), body) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature mismatch"})
			return
		}
	}

	var payload githubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("webhook: malformed JSON payload, dropping", slog.Any("error", err))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	if err := webhookPayloadValidator.Struct(payload); err != nil {
		slog.Warn("webhook: payload missing required fields, dropping", slog.Any("error", err))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	number := 0
	switch {
	case payload.Issue != nil:
		number = payload.Issue.Number
	case payload.PullRequest != nil:
		number = payload.PullRequest.Number
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		// GitHub always sets this header in practice, but synthesize a
		// dedup-safe key rather than publishing an empty DeliveryID when a
		// test client or proxy drops it.
		deliveryID = uuid.NewString()
	}

	event := domain.WebhookEvent{
		DeliveryID: deliveryID,
		EventType:  r.Header.Get("X-GitHub-Event"),
		RepoOwner:  payload.Repository.Owner.Login,
		RepoName:   payload.Repository.Name,
		Number:     number,
		RawPayload: body,
	}

	if rt.deps.Publisher != nil {
		if err := rt.deps.Publisher.PublishEvent(r.Context(), event); err != nil {
			slog.Error("webhook: publish to queue failed", slog.Any("error", err))
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func verifySignature(secret, header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (rt *routes) agentsStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target": rt.targetFromQuery(r),
		"pool":   rt.deps.Pool.Status(),
	})
}

// agentsSpawnHandler fires one ProcessWorkQueue pass in the background
// (spec §6 /agents/spawn: fire-and-forget).
func (rt *routes) agentsSpawnHandler(w http.ResponseWriter, r *http.Request) {
	go rt.deps.Pool.ProcessWorkQueue(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "spawning"})
}

// agentsRunHandler starts a drain-to-empty pass in the background unless
// one is already running (spec §6 /agents/run).
func (rt *routes) agentsRunHandler(w http.ResponseWriter, r *http.Request) {
	started := rt.deps.Pool.TryRunUntilEmpty(context.Background(), rt.cfg.PollInterval())
	if !started {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

// agentsStartHandler starts the continuous poll loop in the background
// unless one is already running (spec §6 /agents/start).
func (rt *routes) agentsStartHandler(w http.ResponseWriter, r *http.Request) {
	pool := rt.deps.Pool
	started := pool.TryRunContinuous(context.Background(), rt.cfg.PollInterval(), nil)
	if !started {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (rt *routes) agentsStopHandler(w http.ResponseWriter, r *http.Request) {
	rt.deps.Pool.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (rt *routes) schedulerStartHandler(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not configured"})
		return
	}
	if !rt.deps.Scheduler.Start(context.Background()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (rt *routes) schedulerStopHandler(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not configured"})
		return
	}
	rt.deps.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (rt *routes) schedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, rt.deps.Scheduler.Status())
}
