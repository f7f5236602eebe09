package recon

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Cashonrails/UISP-Cashonrails/internal/cashonrails"
	"github.com/Cashonrails/UISP-Cashonrails/internal/intent"
	"github.com/Cashonrails/UISP-Cashonrails/internal/lock"
	"github.com/Cashonrails/UISP-Cashonrails/internal/ucrm"
	"github.com/Cashonrails/UISP-Cashonrails/internal/webhook"
)

type fakeProvider struct {
	mu sync.Mutex

	customerErr error
	initErr     error
	verify      cashonrails.VerifyResult
	verifyErr   error

	customerCalls int
	initCalls     int
	lastInit      cashonrails.InitRequest
}

func (f *fakeProvider) CreateCustomer(_ context.Context, _ cashonrails.CustomerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerCalls++
	if f.customerErr != nil {
		return "", f.customerErr
	}
	return "CUS_test123", nil
}

func (f *fakeProvider) InitializeTransaction(_ context.Context, req cashonrails.InitRequest) (cashonrails.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	f.lastInit = req
	if f.initErr != nil {
		return cashonrails.InitResult{}, f.initErr
	}
	return cashonrails.InitResult{
		Reference:        req.Reference,
		AuthorizationURL: "https://checkout.cashonrails.com/" + req.Reference,
	}, nil
}

func (f *fakeProvider) VerifyTransaction(_ context.Context, reference string) (cashonrails.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return cashonrails.VerifyResult{}, f.verifyErr
	}
	return f.verify, nil
}

type fakeBilling struct {
	mu sync.Mutex

	invoices  map[int]ucrm.Invoice
	clients   map[int]ucrm.ClientAccount
	tokens    map[string]ucrm.PaymentToken
	payments  []ucrm.Payment
	createErr error
	tokenErr  error

	// failGetInvoice makes single-invoice lookups for this id error out,
	// simulating a CRM hiccup mid-confirmation.
	failGetInvoice int

	// checkCreateGap widens the window between the existence check and the
	// record creation so races surface without the lock.
	checkCreateGap time.Duration

	createCalls int
	lastCreated ucrm.NewPayment
}

var errNotFound = &ucrm.APIError{StatusCode: http.StatusNotFound, Body: "not found"}

func (f *fakeBilling) GetInvoices(_ context.Context, clientID int) ([]ucrm.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ucrm.Invoice
	for _, inv := range f.invoices {
		if inv.ClientID == clientID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeBilling) GetInvoice(_ context.Context, id int) (ucrm.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetInvoice == id {
		return ucrm.Invoice{}, errors.New("crm unavailable")
	}
	inv, ok := f.invoices[id]
	if !ok {
		return ucrm.Invoice{}, errNotFound
	}
	return inv, nil
}

func (f *fakeBilling) GetClient(_ context.Context, id int) (ucrm.ClientAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return ucrm.ClientAccount{}, errNotFound
	}
	return c, nil
}

func (f *fakeBilling) GetClientsByEmail(_ context.Context, email string) ([]ucrm.ClientAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ucrm.ClientAccount
	for _, c := range f.clients {
		if c.Username == email {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeBilling) GetPaymentToken(_ context.Context, token string) (ucrm.PaymentToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return ucrm.PaymentToken{}, f.tokenErr
	}
	tok, ok := f.tokens[token]
	if !ok {
		return ucrm.PaymentToken{}, errNotFound
	}
	return tok, nil
}

func (f *fakeBilling) ListPaymentsByProviderID(_ context.Context, reference string) ([]ucrm.Payment, error) {
	f.mu.Lock()
	var out []ucrm.Payment
	for _, p := range f.payments {
		if p.ProviderPaymentID == reference {
			out = append(out, p)
		}
	}
	gap := f.checkCreateGap
	f.mu.Unlock()
	if gap > 0 {
		time.Sleep(gap)
	}
	return out, nil
}

func (f *fakeBilling) CreatePayment(_ context.Context, payment ucrm.NewPayment) (ucrm.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return ucrm.Payment{}, f.createErr
	}
	f.createCalls++
	f.lastCreated = payment
	created := ucrm.Payment{
		ID:                f.createCalls,
		ClientID:          payment.ClientID,
		Amount:            payment.Amount,
		CurrencyCode:      payment.CurrencyCode,
		ProviderName:      payment.ProviderName,
		ProviderPaymentID: payment.ProviderPaymentID,
		InvoiceIDs:        append([]int(nil), payment.InvoiceIDs...),
	}
	f.payments = append(f.payments, created)
	return created, nil
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEngine(provider *fakeProvider, billing *fakeBilling) *Engine {
	return &Engine{
		Provider:    provider,
		Billing:     billing,
		Log:         zerolog.Nop(),
		Currency:    "NGN",
		MethodID:    "9bb15b8e-7d88-4f53-8e2d-17a7a54f80bf",
		RedirectURL: "https://gateway.example.com/api/v1/payments/verify",
		LockTTL:     5 * time.Second,
	}
}

func TestInitiateIntent(t *testing.T) {
	provider := &fakeProvider{}
	billing := &fakeBilling{}
	engine := newTestEngine(provider, billing)

	it := intent.Intent{
		ClientID:   1,
		InvoiceIDs: []int{123, 124},
		Amount:     money("1000.50"),
		Currency:   "NGN",
		Email:      "payer@example.com",
	}
	initiation, err := engine.InitiateIntent(context.Background(), it)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingConfirmation, initiation.Status)
	require.Equal(t, "ucrm_1_123", initiation.Reference)
	require.Equal(t, "https://checkout.cashonrails.com/ucrm_1_123", initiation.AuthorizationURL)
	require.Equal(t, []int{123, 124}, initiation.InvoiceIDs)

	require.Equal(t, "1000.5", provider.lastInit.Amount)
	require.Equal(t, "NGN", provider.lastInit.Currency)
	require.Equal(t, "payer@example.com", provider.lastInit.Email)
	require.Equal(t, engine.RedirectURL, provider.lastInit.RedirectURL)
}

func TestInitiateIntentProviderRejection(t *testing.T) {
	provider := &fakeProvider{initErr: &cashonrails.InitError{Message: "Insufficient funds"}}
	engine := newTestEngine(provider, &fakeBilling{})

	_, err := engine.InitiateIntent(context.Background(), intent.Intent{
		ClientID:   1,
		InvoiceIDs: []int{123},
		Amount:     money("50"),
		Email:      "payer@example.com",
	})
	initErr, ok := cashonrails.AsInitError(err)
	require.True(t, ok)
	require.Equal(t, "Insufficient funds", initErr.Message)
}

func TestInitiateFromTokenBoundInvoice(t *testing.T) {
	provider := &fakeProvider{}
	billing := &fakeBilling{
		clients: map[int]ucrm.ClientAccount{7: {ID: 7, Username: "client7@example.com"}},
		invoices: map[int]ucrm.Invoice{
			456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")},
			457: {ID: 457, ClientID: 7, AmountToPay: money("100.00")},
		},
		tokens: map[string]ucrm.PaymentToken{
			"tok_abc": {ID: 1, Token: "tok_abc", InvoiceID: 456, Amount: money("250.00")},
		},
	}
	engine := newTestEngine(provider, billing)

	initiation, err := engine.InitiateFromToken(context.Background(), 7, "tok_abc")
	require.NoError(t, err)
	require.Equal(t, []int{456}, initiation.InvoiceIDs)
	require.True(t, initiation.Amount.Equal(money("250.00")))
	require.Equal(t, "tok_abc", initiation.Reference)
	require.Equal(t, "client7@example.com", provider.lastInit.Email)
}

func TestInitiateFromTokenUnboundSumsOutstanding(t *testing.T) {
	provider := &fakeProvider{}
	billing := &fakeBilling{
		clients: map[int]ucrm.ClientAccount{7: {ID: 7, Username: "client7@example.com"}},
		invoices: map[int]ucrm.Invoice{
			456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")},
			457: {ID: 457, ClientID: 7, AmountToPay: money("100.50")},
			458: {ID: 458, ClientID: 7, AmountToPay: money("0")},
		},
		tokens: map[string]ucrm.PaymentToken{
			"tok_all": {ID: 2, Token: "tok_all", InvoiceID: 0},
		},
	}
	engine := newTestEngine(provider, billing)

	initiation, err := engine.InitiateFromToken(context.Background(), 7, "tok_all")
	require.NoError(t, err)
	require.Len(t, initiation.InvoiceIDs, 2)
	require.True(t, initiation.Amount.Equal(money("350.50")))
}

func TestInitiateFromTokenNoUnpaidInvoices(t *testing.T) {
	billing := &fakeBilling{
		clients: map[int]ucrm.ClientAccount{7: {ID: 7, Username: "client7@example.com"}},
		invoices: map[int]ucrm.Invoice{
			458: {ID: 458, ClientID: 7, AmountToPay: money("0")},
		},
		tokens: map[string]ucrm.PaymentToken{
			"tok_all": {ID: 2, Token: "tok_all", InvoiceID: 0},
		},
	}
	engine := newTestEngine(&fakeProvider{}, billing)

	_, err := engine.InitiateFromToken(context.Background(), 7, "tok_all")
	require.ErrorIs(t, err, ErrNoUnpaidInvoices)
}

func TestConfirmVerifySingleInvoice(t *testing.T) {
	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "success", Amount: money("250.00"), Currency: "NGN"}}
	billing := &fakeBilling{
		invoices: map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
		tokens: map[string]ucrm.PaymentToken{
			"tok_abc": {ID: 1, Token: "tok_abc", InvoiceID: 456, Amount: money("250.00")},
		},
	}
	engine := newTestEngine(provider, billing)

	confirmation, err := engine.ConfirmVerify(context.Background(), 7, "tok_abc")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmation.Status)
	require.Equal(t, []int{456}, confirmation.Credited)
	require.Empty(t, confirmation.Skipped)

	require.Equal(t, 1, billing.createCalls)
	created := billing.lastCreated
	require.Equal(t, "tok_abc", created.ProviderPaymentID)
	require.Equal(t, ProviderName, created.ProviderName)
	require.True(t, created.Amount.Equal(money("250.00")))
	require.True(t, created.ApplyToInvoicesAutomatically)
	require.Equal(t, "9bb15b8e-7d88-4f53-8e2d-17a7a54f80bf", created.MethodID)
}

func TestConfirmVerifyIdempotent(t *testing.T) {
	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "success", Amount: money("250.00"), Currency: "NGN"}}
	billing := &fakeBilling{
		invoices: map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
		tokens: map[string]ucrm.PaymentToken{
			"tok_abc": {ID: 1, Token: "tok_abc", InvoiceID: 456, Amount: money("250.00")},
		},
	}
	engine := newTestEngine(provider, billing)

	first, err := engine.ConfirmVerify(context.Background(), 7, "tok_abc")
	require.NoError(t, err)
	require.Equal(t, []int{456}, first.Credited)

	second, err := engine.ConfirmVerify(context.Background(), 7, "tok_abc")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, second.Status)
	require.Empty(t, second.Credited)
	require.Equal(t, []int{456}, second.Skipped)

	require.Equal(t, 1, billing.createCalls)
}

func TestConfirmVerifyUnsuccessfulTransaction(t *testing.T) {
	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "failed"}}
	engine := newTestEngine(provider, &fakeBilling{})

	confirmation, err := engine.ConfirmVerify(context.Background(), 7, "tok_abc")
	require.ErrorIs(t, err, ErrTransactionNotSuccessful)
	require.Equal(t, StatusFailed, confirmation.Status)
}

func TestConfirmVerifyMultiInvoiceUsesPerInvoiceBalance(t *testing.T) {
	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "success", Amount: money("350.50"), Currency: "NGN"}}
	billing := &fakeBilling{
		invoices: map[int]ucrm.Invoice{
			456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")},
			457: {ID: 457, ClientID: 7, AmountToPay: money("100.50")},
		},
		tokens: map[string]ucrm.PaymentToken{
			"tok_all": {ID: 2, Token: "tok_all", InvoiceID: 0},
		},
	}
	engine := newTestEngine(provider, billing)

	confirmation, err := engine.ConfirmVerify(context.Background(), 7, "tok_all")
	require.NoError(t, err)
	require.Len(t, confirmation.Credited, 2)
	require.Equal(t, 2, billing.createCalls)

	var amounts []string
	for _, p := range billing.payments {
		amounts = append(amounts, p.Amount.String())
	}
	require.ElementsMatch(t, []string{"250", "100.5"}, amounts)
}

func TestConfirmVerifyPartialFailureSparesSiblings(t *testing.T) {
	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "success", Amount: money("350.50"), Currency: "NGN"}}
	billing := &fakeBilling{
		invoices: map[int]ucrm.Invoice{
			456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")},
			457: {ID: 457, ClientID: 7, AmountToPay: money("100.50")},
		},
		tokens: map[string]ucrm.PaymentToken{
			"tok_all": {ID: 2, Token: "tok_all", InvoiceID: 0},
		},
		failGetInvoice: 457,
	}
	engine := newTestEngine(provider, billing)

	confirmed, err := engine.ConfirmVerify(context.Background(), 7, "tok_all")
	require.NoError(t, err)
	require.Equal(t, []int{456}, confirmed.Credited)
	require.Equal(t, []int{457}, confirmed.Failed)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.Equal(t, 1, billing.createCalls)
}

func TestConfirmWebhook(t *testing.T) {
	billing := &fakeBilling{
		clients:  map[int]ucrm.ClientAccount{7: {ID: 7, Username: "client7@example.com"}},
		invoices: map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
	}
	engine := newTestEngine(&fakeProvider{}, billing)

	ev := webhook.Event{Name: webhook.EventChargeSuccess}
	ev.Data.Reference = "ucrm_7_456"
	ev.Data.Amount = money("25000")
	ev.Data.Currency = "NGN"
	ev.Data.PaidAt = "2026-08-29T10:00:00Z"
	ev.Data.Customer.Email = "client7@example.com"

	require.NoError(t, engine.ConfirmWebhook(context.Background(), ev))
	require.Equal(t, 1, billing.createCalls)
	created := billing.lastCreated
	require.Equal(t, "ucrm_7_456", created.ProviderPaymentID)
	require.Equal(t, []int{456}, created.InvoiceIDs)
	require.True(t, created.Amount.Equal(money("250")), "webhook amounts arrive in kobo")
	require.Equal(t, "2026-08-29T10:00:00Z", created.ProviderPaymentTime)
}

func TestConfirmWebhookForeignReferenceIgnored(t *testing.T) {
	billing := &fakeBilling{}
	engine := newTestEngine(&fakeProvider{}, billing)

	ev := webhook.Event{Name: webhook.EventChargeSuccess}
	ev.Data.Reference = "stripe_ch_12345"

	require.NoError(t, engine.ConfirmWebhook(context.Background(), ev))
	require.Equal(t, 0, billing.createCalls)
}

func TestConfirmWebhookOwnershipMismatch(t *testing.T) {
	billing := &fakeBilling{
		clients:  map[int]ucrm.ClientAccount{9: {ID: 9, Username: "other@example.com"}},
		invoices: map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
	}
	engine := newTestEngine(&fakeProvider{}, billing)

	ev := webhook.Event{Name: webhook.EventChargeSuccess}
	ev.Data.Reference = "ucrm_9_456"
	ev.Data.Amount = money("25000")
	ev.Data.Customer.Email = "other@example.com"

	err := engine.ConfirmWebhook(context.Background(), ev)
	require.ErrorIs(t, err, ErrInvoiceOwnership)
	require.Equal(t, 0, billing.createCalls)
}

func TestConfirmWebhookDuplicateSkipped(t *testing.T) {
	billing := &fakeBilling{
		clients:  map[int]ucrm.ClientAccount{7: {ID: 7, Username: "client7@example.com"}},
		invoices: map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
		payments: []ucrm.Payment{
			{ID: 1, ClientID: 7, ProviderPaymentID: "ucrm_7_456", InvoiceIDs: []int{456}},
		},
	}
	engine := newTestEngine(&fakeProvider{}, billing)

	ev := webhook.Event{Name: webhook.EventChargeSuccess}
	ev.Data.Reference = "ucrm_7_456"
	ev.Data.Amount = money("25000")
	ev.Data.Customer.Email = "client7@example.com"

	require.NoError(t, engine.ConfirmWebhook(context.Background(), ev))
	require.Equal(t, 0, billing.createCalls)
}

// Both confirmation paths racing on the same reference must produce exactly
// one payment record. The per-reference lock closes the window between the
// existence check and the create.
func TestConcurrentConfirmationsCreateOneRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "success", Amount: money("250.00"), Currency: "NGN"}}
	billing := &fakeBilling{
		clients:        map[int]ucrm.ClientAccount{7: {ID: 7, Username: "client7@example.com"}},
		invoices:       map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
		checkCreateGap: 20 * time.Millisecond,
	}
	engine := newTestEngine(provider, billing)
	engine.Guard = &lock.Locker{R: rdb, RetryBackoff: 5 * time.Millisecond}

	reference := MakeReference(7, 456)
	ev := webhook.Event{Name: webhook.EventChargeSuccess}
	ev.Data.Reference = reference
	ev.Data.Amount = money("25000")
	ev.Data.Customer.Email = "client7@example.com"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = engine.ConfirmVerify(context.Background(), 7, reference)
	}()
	go func() {
		defer wg.Done()
		_ = engine.ConfirmWebhook(context.Background(), ev)
	}()
	wg.Wait()

	require.Equal(t, 1, billing.createCalls)
}

func TestConfirmVerifyCreateFailureReported(t *testing.T) {
	provider := &fakeProvider{verify: cashonrails.VerifyResult{Status: "success", Amount: money("250.00"), Currency: "NGN"}}
	billing := &fakeBilling{
		invoices:  map[int]ucrm.Invoice{456: {ID: 456, ClientID: 7, AmountToPay: money("250.00")}},
		tokens:    map[string]ucrm.PaymentToken{"tok_abc": {ID: 1, Token: "tok_abc", InvoiceID: 456, Amount: money("250.00")}},
		createErr: errors.New("boom"),
	}
	engine := newTestEngine(provider, billing)

	confirmation, err := engine.ConfirmVerify(context.Background(), 7, "tok_abc")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, confirmation.Status)
	require.Equal(t, []int{456}, confirmation.Failed)
}
