package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"vpnlink/internal/metrics"
)

const maxBodySize = 4 << 20

// Client performs authenticated JSON requests against the backend service.
// Calls go through a circuit breaker so an unreachable backend fails fast
// while the connectivity loop keeps retrying.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a client for baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	const name = "backend"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Transport: transport},
		breaker: breaker,
	}
}

// getJSON fetches path and decodes the body into dest. operation labels the
// request in metrics.
func (c *Client) getJSON(ctx context.Context, operation, path string, dest any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.get(ctx, path)
	})
	if err != nil {
		metrics.BackendRequests.WithLabelValues(operation, "failure").Inc()
		return fmt.Errorf("%s: %w", operation, err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		metrics.BackendRequests.WithLabelValues(operation, "invalid").Inc()
		return fmt.Errorf("%s: decode: %w", operation, err)
	}
	metrics.BackendRequests.WithLabelValues(operation, "success").Inc()
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}
