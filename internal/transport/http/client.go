// Package http implements RemoteTransport over the sync server's REST API.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncwire/syncwire/pkg/circuitbreaker"
	apperrors "github.com/syncwire/syncwire/pkg/errors"
	"github.com/syncwire/syncwire/pkg/logger"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/transport"
)

// Config holds connection settings for the sync server.
type Config struct {
	BaseURL      string
	DeviceID     string
	DeviceSecret string
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables
	RateBurst    int
}

// Client talks to the sync server. Requests are rate limited and pass
// through a circuit breaker so a down server fails fast instead of
// burning the timeout on every entry.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logger.Logger

	mu    sync.Mutex
	token string
}

type tokenRequest struct {
	DeviceID     string `json:"device_id"`
	DeviceSecret string `json:"device_secret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient creates a Client for the given server.
func NewClient(config Config, log *logger.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: limiter,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "sync-server",
			MaxFailures: 5,
			Timeout:     15 * time.Second,
		}),
		logger: log.WithComponent("transport"),
	}
}

// Send pushes one outbox entry and returns the server's confirmation.
func (c *Client) Send(ctx context.Context, entry *model.OutboxEntry) (*transport.SendResult, error) {
	body, err := json.Marshal(transport.NewPushRequest(entry))
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to encode push request: %w", err))
	}

	var result transport.SendResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync/push", body, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, apperrors.Remote(http.StatusUnprocessableEntity, result.ErrorCode, result.ErrorMessage)
	}
	return &result, nil
}

// FetchSince pulls the change set for a scope after the given cursor.
func (c *Client) FetchSince(ctx context.Context, scope, cursor string, limit int) (*model.ChangeSet, error) {
	query := url.Values{}
	query.Set("scope", scope)
	query.Set("cursor", cursor)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var changes model.ChangeSet
	path := "/api/v1/sync/changes?" + query.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &changes); err != nil {
		return nil, err
	}
	return &changes, nil
}

// doJSON runs one authenticated request and decodes the response into
// out. A 401 triggers a single token refresh and retry.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Network("rate limiter interrupted", err)
		}
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	status, payload, err := c.roundTrip(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err = c.refreshToken(ctx)
		if err != nil {
			return err
		}
		status, payload, err = c.roundTrip(ctx, method, path, body, token)
		if err != nil {
			return err
		}
	}

	if status < 200 || status >= 300 {
		return remoteError(status, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return apperrors.Network("failed to decode server response", err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, token string) (int, []byte, error) {
	var status int
	var payload []byte
	err := c.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		payload, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		// 5xx counts against the breaker, the server is unhealthy.
		if status >= 500 {
			return remoteError(status, payload)
		}
		return nil
	})
	if err != nil {
		if err == circuitbreaker.ErrOpen {
			return 0, nil, apperrors.Network("server circuit open", err)
		}
		if apperrors.IsCode(err, apperrors.ErrRemote) {
			return status, payload, nil
		}
		return 0, nil, apperrors.Network("request failed", err)
	}
	return status, payload, nil
}

// ensureToken returns the cached bearer token, fetching one on first use.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{
		DeviceID:     c.config.DeviceID,
		DeviceSecret: c.config.DeviceSecret,
	})
	if err != nil {
		return "", apperrors.Internal(fmt.Errorf("failed to encode token request: %w", err))
	}

	status, payload, err := c.roundTrip(ctx, http.MethodPost, "/api/v1/devices/token", body, "")
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", remoteError(status, payload)
	}

	var resp tokenResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", apperrors.Network("failed to decode token response", err)
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.logger.WithFields(map[string]interface{}{
		"device_id":  c.config.DeviceID,
		"expires_at": resp.ExpiresAt,
	}).Debug("device token refreshed")
	return resp.Token, nil
}

func remoteError(status int, payload []byte) error {
	var er errorResponse
	if len(payload) > 0 && json.Unmarshal(payload, &er) == nil && er.Message != "" {
		return apperrors.Remote(status, er.Code, er.Message)
	}
	return apperrors.Remote(status, "", fmt.Sprintf("server returned status %d", status))
}

var _ transport.RemoteTransport = (*Client)(nil)
