package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/model"
)

// RESTConnector talks to a channel's price API over HTTP. Most sales
// channels expose the same two calls (set price, read price), so one
// connector configured per channel covers them.
type RESTConnector struct {
	channel string
	baseURL string
	apiKey  string
	client  *http.Client
}

type RESTConfig struct {
	Channel string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewRESTConnector(cfg RESTConfig) *RESTConnector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTConnector{
		channel: cfg.Channel,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RESTConnector) Channel() string {
	return c.channel
}

func (c *RESTConnector) ApplyPrice(ctx context.Context, req ApplyRequest) (*model.PriceSnapshot, error) {
	body, err := json.Marshal(map[string]any{
		"price_cents": req.PriceCents,
		"currency":    req.Currency,
		"variant_id":  req.VariantID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal price body: %w", err)
	}

	var snapshot model.PriceSnapshot
	url := fmt.Sprintf("%s/products/%s/price", c.baseURL, req.ExternalID)
	if err := c.do(ctx, http.MethodPut, url, body, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *RESTConnector) FetchPrice(ctx context.Context, externalID string, variantID *string) (*model.PriceSnapshot, error) {
	url := fmt.Sprintf("%s/products/%s/price", c.baseURL, externalID)
	if variantID != nil && *variantID != "" {
		url += "?variant_id=" + *variantID
	}

	var snapshot model.PriceSnapshot
	if err := c.do(ctx, http.MethodGet, url, nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *RESTConnector) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/health", nil, nil)
}

func (c *RESTConnector) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	apiErr := backoff.NewStatusError(resp.StatusCode, string(snippet))
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil && seconds >= 0 {
				apiErr.RetryAfterSeconds = &seconds
			}
		}
	}
	return apiErr
}

// classifyTransportError maps network failures onto the transport codes the
// retry taxonomy understands.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &backoff.Error{Err: err, Code: backoff.CodeTimeout, Message: "request timed out"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return &backoff.Error{Err: err, Code: backoff.CodeNotFound, Message: "host not found"}
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return &backoff.Error{Err: err, Code: backoff.CodeConnReset, Message: "connection reset"}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &backoff.Error{Err: err, Code: backoff.CodeConnRefused, Message: "connection refused"}
	case errors.Is(err, syscall.ETIMEDOUT):
		return &backoff.Error{Err: err, Code: backoff.CodeTimeout, Message: "connection timed out"}
	}

	return fmt.Errorf("channel request: %w", err)
}
