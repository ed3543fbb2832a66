package api

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

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/models"
	"go.uber.org/zap"
)

const userAgent = "drowsiness-monitor-agent/1.0"

var ErrMalformedResponse = errors.New("malformed backend response")

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig
}

type ClientConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// APIError is a non-2xx answer from the backend. Detail carries the
// backend's "detail" message when it sent one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Detail)
}

func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = &ClientConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *Client) Login(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	var response models.AuthResponse
	request := &models.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "", request, &response); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if response.AccessToken == "" {
		return nil, errors.New("login: backend returned no access token")
	}
	return &response, nil
}

func (c *Client) Me(ctx context.Context, token string) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", token, nil, &user); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &user, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.RefreshResponse, error) {
	var response models.RefreshResponse
	request := &models.RefreshRequest{RefreshToken: refreshToken}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", "", request, &response); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &response, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/logout", token, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *Client) MonitoringStatus(ctx context.Context, token string) (*models.MonitoringStatus, error) {
	var status models.MonitoringStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/monitoring/status", token, nil, &status); err != nil {
		return nil, fmt.Errorf("monitoring status: %w", err)
	}
	return &status, nil
}

// do retries transport failures and 5xx answers with a linearly growing
// delay. Any other non-2xx answer is returned at once as *APIError.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying backend request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		err := c.execute(ctx, method, path, token, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) execute(ctx context.Context, method, path, token string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeError(response)
	}

	if out == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func decodeError(response *http.Response) error {
	apiErr := &APIError{StatusCode: response.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Detail) > 0 {
		var detail string
		if json.Unmarshal(envelope.Detail, &detail) == nil {
			apiErr.Detail = detail
		} else {
			// Validation errors arrive as a list of objects.
			apiErr.Detail = string(envelope.Detail)
		}
	} else {
		apiErr.Detail = strings.TrimSpace(string(data))
	}
	return apiErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
