package domain

import (
	"math/rand"
	"strings"
	"time"
)

// RetryConfig is an exponential-backoff policy with substring-based error
// classification, adapted from the teacher's retry_entities.go RetryConfig.
// No other package uses it: the Remote Client's backoff and the Item
// Workflow's nudge/restart spacing take their settings from config.Config.
type RetryConfig struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             bool
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig mirrors the teacher's DefaultRetryConfig substring
// lists, extended with the remote-client-specific phrases this spec names
// in §4.1 (rate limit, upstream timeout).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limit",
			"upstream timeout",
			"upstream rate limit",
			"502", "503", "504", "429",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"authentication failed",
			"authorization failed",
			"400", "401", "404", "422",
		},
	}
}

// ShouldRetry classifies err against the configured substring lists. Unlike
// the teacher's retry_entities.go (whose local `contains` helper is
// actually a prefix check, not a substring check — a latent quirk noted in
// DESIGN.md), this uses strings.Contains throughout, since silently
// reproducing a classification bug in a brand-new codebase would only
// misclassify real errors for no benefit.
func (c RetryConfig) ShouldRetry(err error, attempt int) bool {
	if attempt >= c.MaxRetries {
		return false
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range c.NonRetryableErrors {
		if strings.Contains(msg, strings.ToLower(s)) {
			return false
		}
	}
	for _, s := range c.RetryableErrors {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	// Unknown errors default to retryable, matching the teacher's policy.
	return true
}

// NextDelay computes the exponential backoff delay for the given attempt,
// with optional 10% jitter, matching the teacher's CalculateNextRetryDelay.
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
	}
	max := float64(c.MaxDelay)
	if max > 0 && delay > max {
		delay = max
	}
	if c.Jitter {
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}
	return time.Duration(delay)
}
