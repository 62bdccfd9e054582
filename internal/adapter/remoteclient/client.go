// Package remoteclient implements the rate-limit-aware REST+GraphQL client
// the orchestrator core uses to talk to the source-control service, per
// spec §4.1. Retry/backoff is grounded on the teacher's ai/real/client.go
// use of cenkalti/backoff/v4, adapted from "AI provider 429/5xx" semantics
// to GitHub's REST/GraphQL rate-limit surface.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aceteam/ace-orchestrator/internal/config"
	"github.com/aceteam/ace-orchestrator/internal/domain"
	"github.com/aceteam/ace-orchestrator/internal/service/ratelimiter"
)

// retryableStatus is the fixed set of HTTP statuses the spec names as
// always-retryable (§4.1).
var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Client implements domain.RemoteClient against a GitHub-shaped REST+GraphQL
// API. A single *http.Client is shared across callers (spec: "a single
// underlying HTTP client is shared... concurrent requests are allowed").
type Client struct {
	hc          *http.Client
	baseURL     string
	graphqlURL  string
	token       string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limiter     ratelimiter.Limiter
}

var _ domain.RemoteClient = (*Client)(nil)

// New constructs a Client from Config. The transport is wrapped in an
// otelhttp span per call (spec §4.10 observability: "spans around... the
// Remote Client HTTP calls"), grounded on the teacher's ai/real/client.go
// use of otelhttp.NewTransport for its outbound AI provider calls.
func New(cfg config.Config, lim ratelimiter.Limiter) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("remote %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		hc:         &http.Client{Timeout: cfg.RemoteHTTPTimeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.GitHubAPIBaseURL, "/"),
		graphqlURL: cfg.GitHubGraphQLURL,
		token:      cfg.GitHubToken,
		maxRetries: cfg.RemoteMaxRetries,
		baseDelay:  cfg.RemoteBaseDelay,
		maxDelay:   cfg.RemoteMaxDelay,
		limiter:    lim,
	}
}

// Close releases idle connections on the shared transport. Called once by
// the pool when it drains (spec §5); safe to call even if requests are
// still in flight on other goroutines.
func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

// graphqlError is one entry of a GraphQL response's errors[] list.
type graphqlError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// containsRateLimit reports whether a GraphQL error list contains the
// substring "rate limit" in its message or type (spec §4.1).
func containsRateLimit(errs []graphqlError) bool {
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e.Message), "rate limit") ||
			strings.Contains(strings.ToLower(e.Type), "rate limit") {
			return true
		}
	}
	return false
}

// ErrGraphQLRateLimited is the distinct error kind raised when GraphQL
// rate-limit retries are exhausted (spec §4.1 last bullet).
var ErrGraphQLRateLimited = domain.NewWorkflowError(domain.KindRateLimited, "graphql rate limit exhausted")

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("op=remoteclient.do marshal: %w", err)
		}
		raw = b
	}

	var lastResp *http.Response
	var lastBody []byte
	attempt := 0
	rlbo := newRateLimitBackOff(c)

	op := func() error {
		var bodyReader io.Reader
		if raw != nil {
			bodyReader = bytes.NewReader(raw)
		}

		if c.limiter != nil {
			allowed, retryAfter, err := c.limiter.Allow(ctx, "core", 1)
			if err == nil && !allowed {
				time.Sleep(retryAfter)
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			attempt++
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		lastResp, lastBody = resp, respBody

		if resp.StatusCode == 403 && (resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "") {
			delay := rlbo.recordDelay(resp)
			slog.Warn("remote client secondary rate limit, retrying", slog.String("path", path), slog.Duration("delay", delay))
			return fmt.Errorf("rate limited: 403")
		}
		if retryableStatus[resp.StatusCode] {
			attempt++
			if attempt > c.maxRetries {
				return backoff.Permanent(fmt.Errorf("remote client exhausted retries: status %d", resp.StatusCode))
			}
			delay := rlbo.recordDelay(resp)
			slog.Warn("remote client retryable status, retrying", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Duration("delay", delay))
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.WithContext(rlbo, ctx), uint64(maxInt(c.maxRetries, 0)))
	if err := backoff.Retry(op, bo); err != nil {
		if lastResp != nil {
			return lastResp, lastBody, nil
		}
		return nil, nil, err
	}
	return lastResp, lastBody, nil
}

// delayFor picks the backoff delay per spec §4.1's "first match wins" rule:
// Retry-After header, then X-RateLimit-Reset, then exponential+jitter.
func (c *Client) delayFor(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				d := time.Until(time.Unix(epoch, 0))
				if d < 0 {
					d = 0
				}
				return d + time.Second
			}
		}
	}
	base := c.baseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if c.maxDelay > 0 && delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(float64(base) * randFloat())
	delay += jitter
	return delay
}

func randFloat() float64 { return rand.Float64() }

// rateLimitBackOff is a backoff.BackOff that defers all retry timing to a
// single call to delayFor (Retry-After -> X-RateLimit-Reset ->
// exponential+jitter) per attempt, instead of stacking a manual sleep
// underneath the library's own exponential schedule. op() calls recordDelay
// with the response that triggered the retry; NextBackOff then returns
// exactly that delay. A request that never reaches recordDelay (e.g. a
// dial failure with no response) falls back to a plain exponential backoff.
type rateLimitBackOff struct {
	client   *Client
	attempt  int
	fallback backoff.BackOff
	next     time.Duration
}

func newRateLimitBackOff(c *Client) *rateLimitBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.baseDelay
	expo.MaxInterval = c.maxDelay
	return &rateLimitBackOff{client: c, fallback: expo}
}

func (r *rateLimitBackOff) Reset() {
	r.attempt = 0
	r.fallback.Reset()
}

func (r *rateLimitBackOff) NextBackOff() time.Duration {
	if r.next > 0 {
		d := r.next
		r.next = 0
		return d
	}
	return r.fallback.NextBackOff()
}

// recordDelay computes and stashes the delay for the next NextBackOff call.
func (r *rateLimitBackOff) recordDelay(resp *http.Response) time.Duration {
	r.attempt++
	r.next = r.client.delayFor(resp, r.attempt)
	return r.next
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Get performs a GET request and decodes a 2xx JSON body into out.
func (c *Client) Get(ctx domain.Context, path string, out any) error {
	resp, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeOrFail(resp, body, out)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx domain.Context, path string, body, out any) error {
	resp, respBody, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decodeOrFail(resp, respBody, out)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx domain.Context, path string, body, out any) error {
	resp, respBody, err := c.do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return err
	}
	return decodeOrFail(resp, respBody, out)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx domain.Context, path string) error {
	resp, body, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return decodeOrFail(resp, body, nil)
}

func decodeOrFail(resp *http.Response, body []byte, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: remote status %d: %s", domain.ErrUpstreamTimeout, resp.StatusCode, truncate(string(body), 256))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GraphQL executes a GraphQL query/mutation with the same retry discipline,
// additionally retrying when the response's errors[] indicates a rate limit.
func (c *Client) GraphQL(ctx domain.Context, query string, vars map[string]any, out any) error {
	payload := map[string]any{"query": query, "variables": vars}

	attempt := 0
	rlbo := newRateLimitBackOff(c)
	op := func() error {
		b, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			attempt++
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == 403 && (resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "") {
			rlbo.recordDelay(resp)
			return fmt.Errorf("graphql rate limited: 403")
		}
		if retryableStatus[resp.StatusCode] {
			attempt++
			if attempt > c.maxRetries {
				return backoff.Permanent(fmt.Errorf("graphql exhausted retries: status %d", resp.StatusCode))
			}
			rlbo.recordDelay(resp)
			return fmt.Errorf("graphql retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("%w: graphql status %d", domain.ErrUpstreamTimeout, resp.StatusCode))
		}

		var env graphqlEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("graphql decode: %w", err))
		}
		if containsRateLimit(env.Errors) {
			attempt++
			if attempt > c.maxRetries {
				return backoff.Permanent(ErrGraphQLRateLimited)
			}
			rlbo.recordDelay(resp)
			return fmt.Errorf("graphql rate limited")
		}
		if len(env.Errors) > 0 {
			msgs := make([]string, len(env.Errors))
			for i, e := range env.Errors {
				msgs[i] = e.Message
			}
			return backoff.Permanent(fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("graphql data decode: %w", err))
			}
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.WithContext(rlbo, ctx), uint64(maxInt(c.maxRetries, 0)))
	return backoff.Retry(op, bo)
}

// RedactURL replaces any userinfo credentials in a URL with
// "redacted:redacted" for safe logging, used
// by the Workspace Manager when cloning authenticated remotes (spec §4.3).
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.UserPassword("redacted", "redacted")
	}
	return u.String()
}
