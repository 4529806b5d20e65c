// Package client writes MedicationStatements to the EHR's FHIR server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"go.uber.org/zap"
)

const (
	mimeFHIRJSON          = "application/fhir+json"
	resourceMedStatement  = "MedicationStatement"
	maxErrorBodyBytes     = 64 << 10
	defaultRequestTimeout = 10 * time.Second
)

// Config holds FHIR server settings
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	BearerToken string        `mapstructure:"bearer_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StatusError is returned for a non-2xx response. Outcome is set when the
// server answered with an OperationOutcome.
type StatusError struct {
	StatusCode int
	Outcome    *r5.OperationOutcome
	Body       string
}

func (e *StatusError) Error() string {
	if e.Outcome != nil {
		return fmt.Sprintf("fhir server returned %d: %s", e.StatusCode, e.Outcome.Error())
	}
	return fmt.Sprintf("fhir server returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether resending the same request can succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsClientError reports whether err is a 4xx rejection that retrying will not fix.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Retryable()
}

// Client talks to a FHIR R5 server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

// New creates a client. Calls go through breaker; client errors (4xx) do not
// trip it.
func New(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.BearerToken,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// BreakerConfig returns breaker settings that ignore client errors.
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = IsClientError
	return cfg
}

// CreateMedicationStatement POSTs stmt and returns the stored resource.
func (c *Client) CreateMedicationStatement(ctx context.Context, stmt *r5.MedicationStatement) (*r5.MedicationStatement, error) {
	body, err := stmt.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", resourceMedStatement, err)
	}

	call := func() (interface{}, error) {
		created := new(r5.MedicationStatement)
		if err := c.do(ctx, http.MethodPost, c.baseURL+"/"+resourceMedStatement, body, created); err != nil {
			return nil, err
		}
		return created, nil
	}

	var result interface{}
	if c.breaker != nil {
		result, err = c.breaker.Execute(ctx, call)
	} else {
		result, err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", resourceMedStatement, err)
	}

	created := result.(*r5.MedicationStatement)
	c.logger.Debug("medication statement created", zap.String("fhir_id", created.ID))
	return created, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mimeFHIRJSON)
	req.Header.Set("Accept", mimeFHIRJSON)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		var outcome r5.OperationOutcome
		if json.Unmarshal(raw, &outcome) == nil && outcome.ResourceType == "OperationOutcome" {
			se.Outcome = &outcome
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
