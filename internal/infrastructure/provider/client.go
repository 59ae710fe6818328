package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-verify-broker/internal/config"
	"github.com/go-verify-broker/internal/domain"
)

// HealthStatus summarises provider reachability for the health endpoint.
type HealthStatus string

const (
	StatusOperational  HealthStatus = "operational"
	StatusDegraded     HealthStatus = "degraded"
	StatusUnreachable  HealthStatus = "unreachable"
	StatusUnauthorized HealthStatus = "unauthorized"
)

// Balance is the provider account balance.
type Balance struct {
	Amount   float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// Health combines balance and connectivity into one structured result.
type Health struct {
	Status   HealthStatus `json:"status"`
	Balance  float64      `json:"balance,omitempty"`
	Currency string       `json:"currency,omitempty"`
}

// Activation is a provider-side reservation of a phone number.
type Activation struct {
	ID          string  `json:"activation_id"`
	PhoneNumber string  `json:"phone_number"`
	Cost        float64 `json:"cost"`
}

// Client is the single point of contact with the external verification
// provider. All calls go through one retry policy; the account balance is
// cached behind a freshness window so health checks don't hammer upstream.
type Client struct {
	http         *http.Client
	baseURL      string
	apiKey       string
	accountEmail string

	retryBase  time.Duration
	retryMax   time.Duration
	maxRetries int

	enabled atomic.Bool

	cacheTTL  time.Duration
	mu        sync.Mutex // guards balance cache
	cached    *Balance
	fetchedAt time.Time
}

// NewClient builds a provider client from config. Call ValidateCredentials
// before relying on it; a client starts disabled.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		http:         &http.Client{Timeout: cfg.ProviderTimeout},
		baseURL:      cfg.ProviderBaseURL,
		apiKey:       cfg.ProviderAPIKey,
		accountEmail: cfg.ProviderAccountEmail,
		retryBase:    cfg.RetryBaseDelay,
		retryMax:     cfg.RetryMaxDelay,
		maxRetries:   cfg.RetryMaxAttempts,
		cacheTTL:     cfg.BalanceCacheTTL,
	}
}

// Enabled reports whether the last credential check succeeded. Session
// creation is rejected while the client is disabled.
func (c *Client) Enabled() bool {
	return c.enabled.Load()
}

// ValidateCredentials makes a lightweight authenticated call and flips the
// enabled flag accordingly. It never returns an error: a failed check leaves
// the client disabled and the caller degrades instead of crashing.
func (c *Client) ValidateCredentials(ctx context.Context) bool {
	_, err := c.GetBalance(ctx, true)
	if err != nil {
		slog.Warn("provider credential check failed", "account", c.accountEmail, "err", err)
		c.enabled.Store(false)
		return false
	}
	c.enabled.Store(true)
	return true
}

// GetBalance returns the account balance. A cached value younger than the
// freshness window is served unless bypassCache is set. A stale cache is
// never returned in place of a failed fetch.
func (c *Client) GetBalance(ctx context.Context, bypassCache bool) (Balance, error) {
	c.mu.Lock()
	if !bypassCache && c.cached != nil && time.Since(c.fetchedAt) < c.cacheTTL {
		b := *c.cached
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	var b Balance
	err := c.call(ctx, "getBalance", nil, func() error {
		return c.doJSON(ctx, http.MethodGet, "/balance", nil, &b)
	})
	if err != nil {
		return Balance{}, err
	}

	c.mu.Lock()
	c.cached = &b
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return b, nil
}

// GetHealth composes the balance call with a connectivity probe.
func (c *Client) GetHealth(ctx context.Context) Health {
	b, err := c.GetBalance(ctx, false)
	switch {
	case errors.Is(err, domain.ErrProviderUnauthorized):
		return Health{Status: StatusUnauthorized}
	case err != nil:
		return Health{Status: StatusUnreachable}
	}

	probeErr := c.call(ctx, "ping", nil, func() error {
		return c.doJSON(ctx, http.MethodGet, "/ping", nil, nil)
	})
	if probeErr != nil {
		return Health{Status: StatusDegraded, Balance: b.Amount, Currency: b.Currency}
	}
	return Health{Status: StatusOperational, Balance: b.Amount, Currency: b.Currency}
}

// PurchaseNumber allocates a provider-side activation for the given service
// and country.
func (c *Client) PurchaseNumber(ctx context.Context, serviceID, countryCode string) (Activation, error) {
	var a Activation
	body := map[string]string{"service": serviceID, "country": countryCode}
	err := c.call(ctx, "purchaseNumber", []any{"service", serviceID, "country", countryCode}, func() error {
		return c.doJSON(ctx, http.MethodPost, "/activations", body, &a)
	})
	if err != nil {
		return Activation{}, err
	}
	return a, nil
}

// PollForCode performs a single non-blocking check for a received SMS code.
// The caller owns the poll cadence.
func (c *Client) PollForCode(ctx context.Context, activationID string) (string, bool, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.call(ctx, "pollForCode", []any{"activation_id", activationID}, func() error {
		return c.doJSON(ctx, http.MethodGet, "/activations/"+activationID+"/sms", nil, &out)
	})
	if err != nil {
		return "", false, err
	}
	if out.Code == "" {
		return "", false, nil
	}
	return out.Code, true, nil
}

// CancelActivation cancels a provider activation. Cancelling an activation
// that is already finished or unknown upstream is not an error.
func (c *Client) CancelActivation(ctx context.Context, activationID string) error {
	err := c.call(ctx, "cancelActivation", []any{"activation_id", activationID}, func() error {
		return c.doJSON(ctx, http.MethodDelete, "/activations/"+activationID, nil, nil)
	})
	if errors.Is(err, domain.ErrActivationNotFound) {
		return nil
	}
	return err
}

// call wraps one provider operation in the shared retry policy and logs every
// attempt with method, parameters, outcome, and latency. The API key never
// appears in log fields.
func (c *Client) call(ctx context.Context, method string, fields []any, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		start := time.Now()
		err := op()
		latency := time.Since(start)

		logFields := append([]any{"method", method, "attempt", attempt, "latency", latency}, fields...)
		if err != nil {
			slog.Warn("provider call failed", append(logFields, "err", err)...)
			if errors.Is(err, domain.ErrProviderUnauthorized) {
				c.enabled.Store(false)
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		slog.Info("provider call", logFields...)
		// Every call is authenticated, so any success proves the
		// credentials and recovers from a transient upstream 401.
		c.enabled.Store(true)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxInterval = c.retryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
}

// doJSON performs one HTTP round trip and classifies any failure into an
// apiError. A nil out discards the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &apiError{cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Code: e.Code, Message: e.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A garbled body is indistinguishable from a truncated connection.
		return &apiError{cause: fmt.Errorf("malformed response body: %w", err)}
	}
	return nil
}
