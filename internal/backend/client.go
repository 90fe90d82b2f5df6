package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20
)

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	control *gobreaker.CircuitBreaker
	forward *gobreaker.CircuitBreaker
	logger  *logging.Logger
}

// NewClient creates a Client for cfg. A nil logger discards output.
func NewClient(cfg config.BackendConfig, logger *logging.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("backend: url is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	timeout := cfg.GetTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}

	// Forwarded user requests get their own breaker so a failing user
	// endpoint cannot cut off assignment lookups or lifecycle reports.
	c.control = newBreaker("backend-control", cfg.CircuitBreaker, logger)
	c.forward = newBreaker("backend-forward", cfg.CircuitBreaker, logger)
	return c, nil
}

// newBreaker returns nil when the breaker is disabled.
func newBreaker(name string, cfg config.CircuitBreakerConfig, logger *logging.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		return nil
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.ResetTimeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// A 4xx is the backend answering, not the backend failing.
		IsSuccessful: func(err error) bool {
			var respErr *ResponseError
			if errors.As(err, &respErr) {
				return respErr.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backend circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// BaseURL returns the configured API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// assignmentResponse is the envelope returned by GET /masterbox.
type assignmentResponse struct {
	Data []struct {
		UserEmail string `json:"userEmail"`
	} `json:"data"`
}

// FetchAssignment returns the email of the user this box is assigned to.
// It returns ErrNotAssigned when the backend lists no box or no owner.
func (c *Client) FetchAssignment(ctx context.Context) (string, error) {
	body, err := c.do(ctx, c.control, http.MethodGet, c.baseURL+"/masterbox", nil, nil)
	if err != nil {
		return "", err
	}

	var resp assignmentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].UserEmail == "" {
		return "", ErrNotAssigned
	}
	return resp.Data[0].UserEmail, nil
}

// do sends one request through cb and returns the response body of a 2xx
// reply. Non-2xx replies return *ResponseError. A nil cb sends directly.
func (c *Client) do(ctx context.Context, cb *gobreaker.CircuitBreaker, method, target string, body []byte, header http.Header) ([]byte, error) {
	if cb == nil {
		return c.send(ctx, method, target, body, header)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return c.send(ctx, method, target, body, header)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) send(ctx context.Context, method, target string, body []byte, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrRequestFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ResponseError{Status: resp.StatusCode, Body: data}
	}
	return data, nil
}
