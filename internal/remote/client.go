// Package remote talks to the analytics API that owns dashboards and graphs.
package remote

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

	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/circuitbreaker"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
	"github.com/gsheet-analysis/dashboard/pkg/retry"
)

const (
	EndpointDashboards  = "/all_dashboards"
	EndpointUser        = "/user"
	EndpointRenameTable = "/update_table_name"
	EndpointDeleteGraph = "/delete_graph"
	EndpointRefresh     = "/refresh_graph"
	EndpointCreateGraph = "/create_graph"

	statusSuccess = "success"
)

// APIError is any answer from the remote API other than HTTP 200 with
// status "success".
type APIError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s failed with HTTP %d", e.Endpoint, e.StatusCode)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Unauthorized reports whether the session token was rejected.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
}

type Client struct {
	baseURL     string
	http        *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type mutationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	cb := circuitbreaker.New("remote_api", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isTransportFailure,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryConfig := retry.Config{
		MaxAttempts:    maxAttempts,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        isTransportFailure,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Remote API client initialized", zap.String("base_url", cfg.BaseURL))

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        httpClient,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// isTransportFailure is true for network errors and 5xx answers. Client
// errors say nothing about the health of the remote side.
func isTransportFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// Dashboards fetches every section visible to the token. The API answers
// either {"tables": [...]} or a bare array.
func (c *Client) Dashboards(ctx context.Context, token string) ([]models.Section, error) {
	body, err := c.read(ctx, token, EndpointDashboards)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var sections []models.Section
		if err := json.Unmarshal(trimmed, &sections); err != nil {
			return nil, fmt.Errorf("failed to decode dashboards: %w", err)
		}
		return sections, nil
	}

	var wrapped struct {
		Tables []models.Section `json:"tables"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode dashboards: %w", err)
	}
	return wrapped.Tables, nil
}

func (c *Client) User(ctx context.Context, token string) (*models.User, error) {
	body, err := c.read(ctx, token, EndpointUser)
	if err != nil {
		return nil, err
	}

	var resp struct {
		UserData *models.User `json:"user_data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	if resp.UserData == nil {
		return nil, &APIError{Endpoint: EndpointUser, StatusCode: http.StatusOK, Message: "user data missing from response"}
	}
	return resp.UserData, nil
}

func (c *Client) UpdateTableName(ctx context.Context, token, tableName, displayName string) error {
	return c.mutate(ctx, token, EndpointRenameTable, map[string]any{
		"table_name":   tableName,
		"display_name": displayName,
	}, "Failed to update table name.")
}

func (c *Client) DeleteGraph(ctx context.Context, token string, graphID int, tableName string) error {
	return c.mutate(ctx, token, EndpointDeleteGraph, map[string]any{
		"graph_id":   graphID,
		"table_name": tableName,
	}, "Failed to delete graph.")
}

func (c *Client) RefreshGraph(ctx context.Context, token string, graphID int, tableName string) error {
	return c.mutate(ctx, token, EndpointRefresh, map[string]any{
		"graph_id":   graphID,
		"table_name": tableName,
	}, "Failed to refresh graph.")
}

func (c *Client) CreateGraph(ctx context.Context, token, tableName, prompt string) error {
	return c.mutate(ctx, token, EndpointCreateGraph, map[string]any{
		"table_name": tableName,
		"prompt":     prompt,
	}, "Failed to create graph.")
}

// read performs an idempotent GET with retry behind the breaker.
func (c *Client) read(ctx context.Context, token, endpoint string) ([]byte, error) {
	var body []byte
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			b, err := c.do(ctx, http.MethodGet, token, endpoint, nil)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// mutate performs a single POST. Mutations are never retried: the remote
// side may have applied a request whose answer was lost.
func (c *Client) mutate(ctx context.Context, token, endpoint string, payload any, fallback string) error {
	return c.cb.Execute(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodPost, token, endpoint, payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Message == "" {
				apiErr.Message = fallback
			}
			return err
		}

		var resp mutationResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Message: fallback}
		}
		if resp.Status != statusSuccess {
			msg := resp.Message
			if msg == "" || endpoint == EndpointRefresh {
				msg = fallback
			}
			return &APIError{Endpoint: endpoint, StatusCode: http.StatusOK, Status: resp.Status, Message: msg}
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, method, token, endpoint string, payload any) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.RemoteRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, retry.Stop(fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, retry.Stop(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		var mr mutationResponse
		if json.Unmarshal(body, &mr) == nil {
			apiErr.Status = mr.Status
			apiErr.Message = mr.Message
		}
		logger.Debug("Remote API error",
			zap.String("endpoint", endpoint),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil, apiErr
	}

	return body, nil
}
