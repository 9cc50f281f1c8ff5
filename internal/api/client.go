// Package api is the authenticated REST transport to the Vex backend. Every
// call goes through Client.Do, which retries network failures and 5xx
// responses with exponential backoff and drives the shared online/offline
// Status.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/AndyTargino/vex-client-sdk/internal/errors"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second

	healthCheckTimeout = 5 * time.Second
	maxErrorBody       = 4 << 10
)

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	http       *http.Client
	status     *Status
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		http:       opts.HTTPClient,
		status:     NewStatus(),
	}
}

// Status exposes the online/offline transitions observed by this client.
func (c *Client) Status() *Status {
	return c.status
}

func (c *Client) Close() {
	c.status.Reset()
	c.http.CloseIdleConnections()
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends a JSON request and decodes a JSON response into out (when
// non-nil). Backend error responses come back as *apperrors.APIError; other
// failures are wrapped as transport errors.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		respBody, err := c.once(ctx, method, path, payload)
		if err == nil {
			c.status.MarkOnline()
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode %s %s response: %w", method, path, err)
				}
			}
			return nil
		}

		switch classify(err) {
		case failureBackendDown:
			log.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend refused connection")
			c.status.MarkOffline()
			return apperrors.Transport(err)
		case failureFatal:
			if apiErr, ok := apperrors.AsAPIError(err); ok {
				// the backend answered, so it is reachable
				c.status.MarkOnline()
				return apiErr
			}
			return apperrors.Transport(err)
		}

		c.status.MarkOffline()

		if attempt >= c.maxRetries {
			log.Error().
				Err(err).
				Str("method", method).
				Str("path", path).
				Int("attempts", attempt).
				Msg("backend request failed")
			if apiErr, ok := apperrors.AsAPIError(err); ok {
				return apiErr
			}
			return apperrors.Transport(err)
		}

		delay := retryDelay(c.baseDelay, attempt)
		log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt).
			Dur("retryIn", delay).
			Msg("backend request failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperrors.Transport(ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apperrors.APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
			Body:       data,
		}
	}
	return data, nil
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}

// HealthCheck is a single-attempt liveness probe. It does not retry and does
// not move the online/offline status.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("health check failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
