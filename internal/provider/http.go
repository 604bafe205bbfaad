package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to a payment provider over its REST API. Network
// failures and provider 5xx responses classify as transient; 4xx
// responses classify as permanent.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client for the provider at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateAccount(ctx context.Context, details AccountDetails) (Result, error) {
	body, err := json.Marshal(details)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("marshal details: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/accounts", bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *HTTPClient) PollVerification(ctx context.Context, providerRef string) (Result, error) {
	u := c.baseURL + "/v1/accounts/" + url.PathEscape(providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, Permanent(err)
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (Result, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return Result{}, Transient(fmt.Errorf("provider returned %s", resp.Status))
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, Permanent(fmt.Errorf("provider returned %s: %s", resp.Status, msg))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, Transient(fmt.Errorf("decode provider response: %w", err))
	}
	switch res.Status {
	case StatusPending, StatusVerified, StatusRejected:
	default:
		return Result{}, Permanent(fmt.Errorf("provider returned unknown status %q", res.Status))
	}
	return res, nil
}
