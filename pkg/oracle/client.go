// Package oracle implements the HTTP client for the generative lab-value
// oracle. The oracle is an optional external service used on the
// narrative/demo path; the deterministic progression generator never
// consults it. The client wraps every call in a circuit breaker and a
// client-side rate limiter so a slow or failing oracle cannot stall
// cohort operations.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ckd-cohort-server/internal/domain"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRateLimit  = 5 // requests per second
	defaultRetryCount = 2
	maxResponseBytes  = 1 << 20
)

// Client calls the lab-value oracle service over HTTP.
// It implements domain.LabValueOracle.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retryCount int
	logger     *logrus.Logger
}

// suggestionPayload is the oracle wire response.
type suggestionPayload struct {
	EGFR      *float64 `json:"egfr"`
	UACR      *float64 `json:"uacr,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// NewClient creates an oracle client from configuration. The returned
// client is safe for concurrent use.
func NewClient(config domain.OracleConfig, logger *logrus.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("oracle client: base URL is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rateLimit := config.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	retryCount := config.RetryCount
	if retryCount < 0 {
		retryCount = defaultRetryCount
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "LabValueOracle",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Oracle circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		breaker:    breaker,
		retryCount: retryCount,
		logger:     logger,
	}, nil
}

// SuggestNextValues asks the oracle for the next cycle's lab values.
// Requests pass through the rate limiter and circuit breaker; transient
// failures are retried with flat backoff up to the configured count.
func (c *Client) SuggestNextValues(ctx context.Context, req *domain.OracleRequest) (*domain.OracleSuggestion, error) {
	if req == nil {
		return nil, fmt.Errorf("oracle request is required: %w", domain.ErrInvalidInput)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.suggestWithRetry(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			c.logger.WithField("patient_id", req.PatientID).Warn("Oracle circuit breaker rejected request")
		}
		return nil, fmt.Errorf("oracle suggest: %w", err)
	}
	return result.(*domain.OracleSuggestion), nil
}

func (c *Client) suggestWithRetry(ctx context.Context, req *domain.OracleRequest) (*domain.OracleSuggestion, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		suggestion, retryable, err := c.suggest(ctx, req)
		if err == nil {
			return suggestion, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"patient_id": req.PatientID,
			"attempt":    attempt + 1,
			"error":      err.Error(),
		}).Warn("Oracle request failed, retrying")
	}
	return nil, fmt.Errorf("oracle request failed after %d attempts: %w", c.retryCount+1, lastErr)
}

// suggest performs a single HTTP round trip. The second return value
// reports whether the failure is worth retrying.
func (c *Client) suggest(ctx context.Context, req *domain.OracleRequest) (*domain.OracleSuggestion, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode oracle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/suggest", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read oracle response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var payload suggestionPayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, false, fmt.Errorf("failed to parse oracle response: %w", err)
	}
	if payload.EGFR == nil {
		return nil, false, fmt.Errorf("oracle response missing egfr: %w", domain.ErrInvalidInput)
	}
	if *payload.EGFR < 0 || (payload.UACR != nil && *payload.UACR < 0) {
		return nil, false, fmt.Errorf("oracle suggested negative lab value: %w", domain.ErrInvalidInput)
	}

	return &domain.OracleSuggestion{
		EGFR:      *payload.EGFR,
		UACR:      payload.UACR,
		Rationale: payload.Rationale,
	}, false, nil
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}
