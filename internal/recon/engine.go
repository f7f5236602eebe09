// Package recon implements the payment reconciliation core: it takes an
// intent from initiation through provider confirmation to the CRM ledger,
// converging the redirect-verify and webhook paths on at most one payment
// record per (invoice, reference).
package recon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Cashonrails/UISP-Cashonrails/internal/cashonrails"
	"github.com/Cashonrails/UISP-Cashonrails/internal/common"
	"github.com/Cashonrails/UISP-Cashonrails/internal/intent"
	"github.com/Cashonrails/UISP-Cashonrails/internal/obs"
	"github.com/Cashonrails/UISP-Cashonrails/internal/ucrm"
	"github.com/Cashonrails/UISP-Cashonrails/internal/webhook"
)

// Status tracks a payment attempt keyed by reference. CONFIRMED and FAILED
// are terminal; the engine never transitions out of them.
type Status string

const (
	StatusInitiated            Status = "INITIATED"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusConfirmed            Status = "CONFIRMED"
	StatusFailed               Status = "FAILED"
)

// ProviderName labels payment records written by this gateway.
const ProviderName = "cashonrails"

var (
	// ErrNoUnpaidInvoices is returned when a client has nothing outstanding.
	ErrNoUnpaidInvoices = errors.New("recon: no unpaid invoices found")
	// ErrMissingEmail is returned when the CRM holds no billable email for the client.
	ErrMissingEmail = errors.New("recon: client email not found")
	// ErrTransactionNotSuccessful is returned when verification reports anything but success.
	ErrTransactionNotSuccessful = errors.New("recon: payment verification failed or payment not successful")
	// ErrInvoiceOwnership is returned when a webhook invoice does not belong to the resolved client.
	ErrInvoiceOwnership = errors.New("recon: invoice does not belong to client")
)

// ProviderClient is the slice of the payment processor the engine uses.
type ProviderClient interface {
	CreateCustomer(ctx context.Context, req cashonrails.CustomerRequest) (string, error)
	InitializeTransaction(ctx context.Context, req cashonrails.InitRequest) (cashonrails.InitResult, error)
	VerifyTransaction(ctx context.Context, reference string) (cashonrails.VerifyResult, error)
}

// BillingClient is the slice of the CRM the engine uses. The CRM owns the
// payment ledger and arbitrates duplicate records.
type BillingClient interface {
	GetInvoices(ctx context.Context, clientID int) ([]ucrm.Invoice, error)
	GetInvoice(ctx context.Context, id int) (ucrm.Invoice, error)
	GetClient(ctx context.Context, id int) (ucrm.ClientAccount, error)
	GetClientsByEmail(ctx context.Context, email string) ([]ucrm.ClientAccount, error)
	GetPaymentToken(ctx context.Context, token string) (ucrm.PaymentToken, error)
	ListPaymentsByProviderID(ctx context.Context, reference string) ([]ucrm.Payment, error)
	CreatePayment(ctx context.Context, payment ucrm.NewPayment) (ucrm.Payment, error)
}

// Guard serialises the existence-check-then-create sequence per reference.
type Guard interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Engine orchestrates provider calls and applies at-most-once payment
// recording to the CRM.
type Engine struct {
	Provider ProviderClient
	Billing  BillingClient
	Guard    Guard
	Log      zerolog.Logger

	Currency    string
	MethodID    string
	RedirectURL string
	LockTTL     time.Duration
}

// Initiation is the outcome of opening a checkout with the provider.
type Initiation struct {
	Reference        string
	AuthorizationURL string
	Status           Status
	Amount           decimal.Decimal
	InvoiceIDs       []int
}

// Confirmation reports the per-invoice outcome of a confirmation pass.
// Skipped invoices already had a record for the reference; a failed invoice
// does not abort its siblings.
type Confirmation struct {
	Reference string
	Status    Status
	Credited  []int
	Skipped   []int
	Failed    []int
}

// InitiateIntent opens a checkout for a validated direct request. The
// reference embeds the client and primary invoice so the webhook path can
// reconcile without local state.
func (e *Engine) InitiateIntent(ctx context.Context, it intent.Intent) (Initiation, error) {
	reference := MakeReference(it.ClientID, it.InvoiceIDs[0])
	return e.initiate(ctx, it.ClientID, reference, it.InvoiceIDs, it.Amount, it.Email)
}

// InitiateFromToken opens a checkout for a CRM payment token. A token bound
// to an invoice pays that invoice for the token amount; an unbound token
// pays the client's whole outstanding balance. The token doubles as the
// provider reference.
func (e *Engine) InitiateFromToken(ctx context.Context, clientID int, token string) (Initiation, error) {
	invoiceIDs, amount, err := e.resolveInvoices(ctx, clientID, token)
	if err != nil {
		return Initiation{Status: StatusFailed}, err
	}

	client, err := e.Billing.GetClient(ctx, clientID)
	if err != nil {
		return Initiation{Status: StatusFailed}, billingError("resolve client", err)
	}
	if client.Username == "" {
		return Initiation{Status: StatusFailed}, ErrMissingEmail
	}

	return e.initiate(ctx, clientID, token, invoiceIDs, amount, client.Username)
}

func (e *Engine) initiate(ctx context.Context, clientID int, reference string, invoiceIDs []int, amount decimal.Decimal, email string) (Initiation, error) {
	if len(invoiceIDs) == 0 || !amount.IsPositive() {
		return Initiation{Status: StatusFailed}, ErrNoUnpaidInvoices
	}

	customerCode, err := e.Provider.CreateCustomer(ctx, cashonrails.CustomerRequest{
		Email:     email,
		FirstName: "UISP",
		LastName:  fmt.Sprintf("Customer_%d", clientID),
		Phone:     "08000000000",
	})
	if err != nil {
		return Initiation{Reference: reference, Status: StatusFailed}, err
	}

	result, err := e.Provider.InitializeTransaction(ctx, cashonrails.InitRequest{
		ClientID:     clientID,
		CustomerCode: customerCode,
		Reference:    reference,
		Amount:       amount.String(),
		Currency:     e.Currency,
		Email:        email,
		RedirectURL:  e.RedirectURL,
	})
	if err != nil {
		return Initiation{Reference: reference, Status: StatusFailed}, err
	}

	e.Log.Info().
		Str("reference", result.Reference).
		Int("client_id", clientID).
		Ints("invoice_ids", invoiceIDs).
		Str("amount", amount.String()).
		Msg("checkout initialised")

	return Initiation{
		Reference:        result.Reference,
		AuthorizationURL: result.AuthorizationURL,
		Status:           StatusAwaitingConfirmation,
		Amount:           amount,
		InvoiceIDs:       invoiceIDs,
	}, nil
}

// ConfirmVerify handles the synchronous redirect-verify path: verify the
// transaction by reference and credit each resolved invoice exactly once.
func (e *Engine) ConfirmVerify(ctx context.Context, clientID int, reference string) (Confirmation, error) {
	confirmation := Confirmation{Reference: reference, Status: StatusFailed}
	err := e.withGuard(ctx, reference, func(ctx context.Context) error {
		verified, err := e.Provider.VerifyTransaction(ctx, reference)
		if err != nil {
			return err
		}
		if verified.Status != "success" {
			return ErrTransactionNotSuccessful
		}

		invoiceIDs, _, err := e.resolveInvoices(ctx, clientID, reference)
		if err != nil {
			return err
		}

		single := len(invoiceIDs) == 1
		for _, invoiceID := range invoiceIDs {
			amount := verified.Amount
			if !single {
				invoice, err := e.Billing.GetInvoice(ctx, invoiceID)
				if err != nil {
					e.Log.Error().Err(err).Int("invoice_id", invoiceID).Msg("invoice lookup failed during confirmation")
					confirmation.Failed = append(confirmation.Failed, invoiceID)
					continue
				}
				amount = invoice.AmountToPay
			}
			e.creditInvoice(ctx, &confirmation, creditRequest{
				clientID:  clientID,
				invoiceID: invoiceID,
				reference: reference,
				amount:    amount,
				currency:  currencyOrDefault(verified.Currency, e.Currency),
				path:      "redirect-verify",
			})
		}
		return nil
	})
	if err != nil {
		return confirmation, err
	}

	if len(confirmation.Credited)+len(confirmation.Skipped) > 0 {
		confirmation.Status = StatusConfirmed
	}
	return confirmation, nil
}

// ConfirmWebhook handles the asynchronous path. The invoice is recovered
// from the reference itself, the client from the payer email, and the
// record is written only when ownership checks out and no record exists.
func (e *Engine) ConfirmWebhook(ctx context.Context, ev webhook.Event) error {
	reference := ev.Data.Reference
	_, invoiceID, ok := ParseReference(reference)
	if !ok {
		// not a payment this gateway minted; acknowledge and move on
		return nil
	}

	return e.withGuard(ctx, reference, func(ctx context.Context) error {
		clients, err := e.Billing.GetClientsByEmail(ctx, ev.Data.Customer.Email)
		if err != nil {
			return fmt.Errorf("recon: client lookup: %w", err)
		}
		if len(clients) == 0 {
			return fmt.Errorf("recon: no client for email %q", ev.Data.Customer.Email)
		}
		clientID := clients[0].ID

		invoice, err := e.Billing.GetInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("recon: invoice lookup: %w", err)
		}
		if invoice.ClientID != clientID {
			return fmt.Errorf("%w: invoice %d, client %d", ErrInvoiceOwnership, invoiceID, clientID)
		}

		confirmation := Confirmation{Reference: reference}
		e.creditInvoice(ctx, &confirmation, creditRequest{
			clientID:  clientID,
			invoiceID: invoiceID,
			reference: reference,
			amount:    ev.Data.ChargedAmount(),
			currency:  currencyOrDefault(ev.Data.Currency, e.Currency),
			path:      "webhook",
			paidAt:    ev.Data.PaidAt,
		})
		if len(confirmation.Failed) > 0 {
			return fmt.Errorf("recon: payment record creation failed for invoice %d", invoiceID)
		}
		return nil
	})
}

// resolveInvoices applies the dual resolution rule shared by initiation and
// redirect-verify: a token bound to an invoice names exactly that invoice
// and its amount; otherwise every invoice with an outstanding balance is
// due, summed.
func (e *Engine) resolveInvoices(ctx context.Context, clientID int, token string) ([]int, decimal.Decimal, error) {
	boundTo := 0
	amount := decimal.Zero

	tok, err := e.Billing.GetPaymentToken(ctx, token)
	switch {
	case err == nil:
		boundTo = tok.InvoiceID
		amount = tok.Amount
	case ucrm.IsNotFound(err):
		// direct initiations have no token in the CRM store; treat as unbound
	default:
		return nil, decimal.Zero, billingError("resolve payment token", err)
	}

	if boundTo > 0 {
		if !amount.IsPositive() {
			invoice, err := e.Billing.GetInvoice(ctx, boundTo)
			if err != nil {
				return nil, decimal.Zero, billingError("resolve invoice", err)
			}
			amount = invoice.AmountToPay
		}
		return []int{boundTo}, amount, nil
	}

	invoices, err := e.Billing.GetInvoices(ctx, clientID)
	if err != nil {
		return nil, decimal.Zero, billingError("list invoices", err)
	}
	var ids []int
	total := decimal.Zero
	for _, invoice := range invoices {
		if !invoice.AmountToPay.IsPositive() {
			continue
		}
		ids = append(ids, invoice.ID)
		total = total.Add(invoice.AmountToPay)
	}
	if len(ids) == 0 {
		return nil, decimal.Zero, ErrNoUnpaidInvoices
	}
	return ids, total, nil
}

type creditRequest struct {
	clientID  int
	invoiceID int
	reference string
	amount    decimal.Decimal
	currency  string
	path      string
	paidAt    string
}

// creditInvoice performs the existence-check-then-create step for one
// invoice. Billing failures are contained: they mark the invoice failed and
// leave siblings untouched. The CRM's uniqueness on providerPaymentId
// remains the final safeguard should a duplicate race through.
func (e *Engine) creditInvoice(ctx context.Context, confirmation *Confirmation, req creditRequest) {
	existing, err := e.Billing.ListPaymentsByProviderID(ctx, req.reference)
	if err != nil {
		e.Log.Error().Err(err).Str("reference", req.reference).Int("invoice_id", req.invoiceID).Msg("payment existence check failed")
		confirmation.Failed = append(confirmation.Failed, req.invoiceID)
		return
	}
	for _, payment := range existing {
		if len(payment.InvoiceIDs) == 0 || containsInt(payment.InvoiceIDs, req.invoiceID) {
			confirmation.Skipped = append(confirmation.Skipped, req.invoiceID)
			return
		}
	}

	_, err = e.Billing.CreatePayment(ctx, ucrm.NewPayment{
		ClientID:                     req.clientID,
		MethodID:                     e.MethodID,
		CreatedDate:                  time.Now().Format(time.RFC3339),
		Amount:                       req.amount,
		CurrencyCode:                 req.currency,
		Note:                         fmt.Sprintf("CashOnRails payment. Reference: %s", req.reference),
		InvoiceIDs:                   []int{req.invoiceID},
		ProviderName:                 ProviderName,
		ProviderPaymentID:            req.reference,
		ProviderPaymentTime:          req.paidAt,
		ApplyToInvoicesAutomatically: true,
	})
	if err != nil {
		e.Log.Error().Err(err).Str("reference", req.reference).Int("invoice_id", req.invoiceID).Msg("payment record creation failed")
		confirmation.Failed = append(confirmation.Failed, req.invoiceID)
		return
	}

	obs.IncResult(obs.PaymentRecordsTotal, req.path)
	e.Log.Info().
		Str("reference", req.reference).
		Int("invoice_id", req.invoiceID).
		Str("amount", req.amount.String()).
		Str("path", req.path).
		Msg("payment recorded")
	confirmation.Credited = append(confirmation.Credited, req.invoiceID)
}

// withGuard runs fn under the per-reference lock when one is configured.
func (e *Engine) withGuard(ctx context.Context, reference string, fn func(context.Context) error) error {
	if e.Guard == nil {
		return fn(ctx)
	}
	ttl := e.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return e.Guard.WithLock(ctx, "recon:confirm:"+reference, ttl, fn)
}

// billingError wraps CRM failures so handlers can map them to a 502 with a
// stable code instead of leaking internals to payers.
func billingError(op string, err error) error {
	return common.NewAppError(common.CodeBilling, "billing system unavailable", http.StatusBadGateway, fmt.Errorf("recon: %s: %w", op, err))
}

func currencyOrDefault(currency, fallback string) string {
	if currency != "" {
		return currency
	}
	return fallback
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
