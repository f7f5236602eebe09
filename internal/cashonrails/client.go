package cashonrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues signed calls against the CashOnRails API. Every call is a
// single attempt with a bounded timeout; errors propagate to the caller.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient constructs a provider client authenticated with the secret key.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateCustomer registers the payer with the provider and returns the
// provider-assigned customer code.
func (c *Client) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	env, err := c.call(ctx, http.MethodPost, "/api/v1/customer", req)
	if err != nil {
		return "", err
	}
	if env.Data.CustomerCode == "" {
		return "", ErrCustomerCreation
	}
	return env.Data.CustomerCode, nil
}

// InitializeTransaction opens a hosted-checkout transaction and returns the
// authorization URL the payer is redirected to.
func (c *Client) InitializeTransaction(ctx context.Context, req InitRequest) (InitResult, error) {
	env, err := c.call(ctx, http.MethodPost, "/api/v1/transaction/initialize", req)
	if err != nil {
		return InitResult{}, err
	}
	if env.Success != nil && !*env.Success {
		return InitResult{}, &InitError{Message: env.Message}
	}
	if env.Data.AuthorizationURL == "" {
		return InitResult{}, &InitError{Message: "authorization URL missing from provider response"}
	}
	reference := env.Data.Reference
	if reference == "" {
		reference = req.Reference
	}
	return InitResult{Reference: reference, AuthorizationURL: env.Data.AuthorizationURL}, nil
}

// VerifyTransaction fetches the server-to-server status of a transaction by
// its reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (VerifyResult, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/s2s/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return VerifyResult{}, err
	}
	if env.Success == nil || !*env.Success {
		return VerifyResult{}, fmt.Errorf("%w: %s", ErrVerification, env.Message)
	}
	if env.Data.Status == "" {
		return VerifyResult{}, fmt.Errorf("%w: status missing from response", ErrVerification)
	}
	return VerifyResult{
		Status:   env.Data.Status,
		Amount:   env.Data.Amount,
		Currency: env.Data.Currency,
	}, nil
}

func (c *Client) call(ctx context.Context, method, path string, reqBody any) (envelope, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return envelope{}, fmt.Errorf("cashonrails: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return envelope{}, fmt.Errorf("cashonrails: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("cashonrails: decode response (status %d): %w", resp.StatusCode, err)
	}
	return env, nil
}
