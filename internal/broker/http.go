package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantarch/pyramid/internal/domain"
)

// HTTPClient talks to the broker gateway over HTTP. Every call runs
// through a circuit breaker: once the gateway starts failing hard, calls
// short-circuit to ErrUnavailable instead of piling up timeouts.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewHTTPClient builds the gateway client. perCallTimeout bounds each
// HTTP round trip; order polling loops own their overall deadline.
func NewHTTPClient(baseURL, apiKey string, perCallTimeout time.Duration, logger zerolog.Logger) *HTTPClient {
	if perCallTimeout <= 0 {
		perCallTimeout = 2 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "broker-gateway",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	}

	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: perCallTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// PlaceOrder submits a new order and returns the broker order id.
func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("broker returned empty order id")
	}
	return resp.OrderID, nil
}

// GetOrderStatus polls a submitted order.
func (c *HTTPClient) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var status OrderStatus
	err := c.do(ctx, http.MethodGet, "/orders/"+orderID, nil, &status)
	return status, err
}

// CancelOrder cancels outstanding quantity. Cancelling an already
// complete order is not an error at this layer.
func (c *HTTPClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil)
}

// GetQuote fetches the last traded price.
func (c *HTTPClient) GetQuote(ctx context.Context, instrument domain.Instrument) (Quote, error) {
	var quote Quote
	err := c.do(ctx, http.MethodGet, "/quotes/"+string(instrument), nil, &quote)
	return quote, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: gateway throttled", ErrUnavailable)
		case resp.StatusCode >= 400:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("broker rejected %s %s: %d %s", method, path, resp.StatusCode, string(data))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode broker response: %w", err)
			}
		}
		return nil, nil
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	}
	return err
}
