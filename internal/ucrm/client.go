package ucrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// API is a thin client for the CRM's REST API. The CRM owns the payment
// ledger; every call here is a single blocking attempt with no retries.
type API struct {
	baseURL    string
	appKey     string
	httpClient *http.Client
}

// APIError reports a non-2xx response from the CRM.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ucrm: status %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a CRM 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewAPI constructs a CRM client. baseURL points at the CRM's api/v1.0 root.
func NewAPI(baseURL, appKey string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &API{
		baseURL:    baseURL,
		appKey:     appKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetInvoices lists a client's invoices, newest first.
func (a *API) GetInvoices(ctx context.Context, clientID int) ([]Invoice, error) {
	q := url.Values{}
	q.Set("clientId", strconv.Itoa(clientID))
	q.Set("order", "createdDate")
	q.Set("direction", "DESC")
	return doRequest[[]Invoice](a, ctx, http.MethodGet, "/invoices?"+q.Encode(), nil, "")
}

// GetInvoice fetches a single invoice by id.
func (a *API) GetInvoice(ctx context.Context, id int) (Invoice, error) {
	return doRequest[Invoice](a, ctx, http.MethodGet, fmt.Sprintf("/invoices/%d", id), nil, "")
}

// GetClient fetches a client record by id.
func (a *API) GetClient(ctx context.Context, id int) (ClientAccount, error) {
	return doRequest[ClientAccount](a, ctx, http.MethodGet, fmt.Sprintf("/clients/%d", id), nil, "")
}

// GetClientsByEmail looks clients up by their billable email.
func (a *API) GetClientsByEmail(ctx context.Context, email string) ([]ClientAccount, error) {
	q := url.Values{}
	q.Set("email", email)
	return doRequest[[]ClientAccount](a, ctx, http.MethodGet, "/clients?"+q.Encode(), nil, "")
}

// GetPaymentToken resolves a checkout token from the CRM token store.
func (a *API) GetPaymentToken(ctx context.Context, token string) (PaymentToken, error) {
	return doRequest[PaymentToken](a, ctx, http.MethodGet, "/payment-tokens/"+url.PathEscape(token), nil, "")
}

// ListPaymentsByProviderID returns payment records correlated to the given
// provider reference. The pre-write existence check runs through here.
func (a *API) ListPaymentsByProviderID(ctx context.Context, reference string) ([]Payment, error) {
	q := url.Values{}
	q.Set("providerPaymentId", reference)
	return doRequest[[]Payment](a, ctx, http.MethodGet, "/payments?"+q.Encode(), nil, "")
}

// CreatePayment writes a payment record into the CRM ledger. The CRM's
// uniqueness on providerPaymentId is the final arbiter against duplicates.
func (a *API) CreatePayment(ctx context.Context, payment NewPayment) (Payment, error) {
	return doRequest[Payment](a, ctx, http.MethodPost, "/payments", payment, "")
}

// PatchInvoice updates invoice fields, e.g. marking it approved.
func (a *API) PatchInvoice(ctx context.Context, id int, fields map[string]any) (Invoice, error) {
	return doRequest[Invoice](a, ctx, http.MethodPatch, fmt.Sprintf("/invoices/%d", id), fields, "")
}

// CurrentUser resolves the client-zone session behind the forwarded cookie
// header. Used by the redirect-verify endpoint to authenticate the caller.
func (a *API) CurrentUser(ctx context.Context, cookie string) (User, error) {
	return doRequest[User](a, ctx, http.MethodGet, "/current-user", nil, cookie)
}

// Ping probes CRM reachability for the readiness endpoint. Any HTTP
// response counts as reachable; only transport failures are reported.
func (a *API) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/version", nil)
	if err != nil {
		return fmt.Errorf("ucrm: create request: %w", err)
	}
	req.Header.Set("X-Auth-App-Key", a.appKey)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ucrm: ping: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func doRequest[Resp any](a *API, ctx context.Context, method, path string, reqBody any, cookie string) (Resp, error) {
	var zero Resp

	var bodyReader io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return zero, fmt.Errorf("ucrm: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return zero, fmt.Errorf("ucrm: create request: %w", err)
	}
	httpReq.Header.Set("X-Auth-App-Key", a.appKey)
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return zero, fmt.Errorf("ucrm: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("ucrm: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if len(body) == 0 {
		return zero, nil
	}
	var parsed Resp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return zero, fmt.Errorf("ucrm: decode response: %w", err)
	}
	return parsed, nil
}
