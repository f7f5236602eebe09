package ucrm

import "github.com/shopspring/decimal"

// Invoice is the subset of the CRM invoice resource the gateway reads.
type Invoice struct {
	ID          int             `json:"id"`
	ClientID    int             `json:"clientId"`
	Number      string          `json:"number,omitempty"`
	Total       decimal.Decimal `json:"total"`
	AmountToPay decimal.Decimal `json:"amountToPay"`
	CreatedDate string          `json:"createdDate,omitempty"`
}

// ClientAccount is a CRM client record. The CRM stores the billable email
// in the username field.
type ClientAccount struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// PaymentToken is the CRM's durable correlation handle for a checkout. A
// zero InvoiceID means the token is not bound to a specific invoice and the
// client's whole outstanding balance is due.
type PaymentToken struct {
	ID        int             `json:"id"`
	Token     string          `json:"token"`
	InvoiceID int             `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
}

// Payment is a payment record in the CRM ledger.
type Payment struct {
	ID                 int             `json:"id"`
	ClientID           int             `json:"clientId"`
	Amount             decimal.Decimal `json:"amount"`
	CurrencyCode       string          `json:"currencyCode"`
	ProviderName       string          `json:"providerName,omitempty"`
	ProviderPaymentID  string          `json:"providerPaymentId,omitempty"`
	InvoiceIDs         []int           `json:"invoiceIds,omitempty"`
	CreatedDate        string          `json:"createdDate,omitempty"`
	ProviderPaymentTime string         `json:"providerPaymentTime,omitempty"`
}

// NewPayment is the body posted to create a payment record.
type NewPayment struct {
	ClientID                     int             `json:"clientId"`
	MethodID                     string          `json:"methodId"`
	CreatedDate                  string          `json:"createdDate"`
	Amount                       decimal.Decimal `json:"amount"`
	CurrencyCode                 string          `json:"currencyCode"`
	Note                         string          `json:"note,omitempty"`
	InvoiceIDs                   []int           `json:"invoiceIds"`
	ProviderName                 string          `json:"providerName,omitempty"`
	ProviderPaymentID            string          `json:"providerPaymentId,omitempty"`
	ProviderPaymentTime          string          `json:"providerPaymentTime,omitempty"`
	ApplyToInvoicesAutomatically bool            `json:"applyToInvoicesAutomatically,omitempty"`
	Attributes                   map[string]any  `json:"attributes,omitempty"`
}

// User is the authenticated client-zone session resolved from a forwarded
// CRM session cookie.
type User struct {
	UserID   int    `json:"userId"`
	ClientID int    `json:"clientId"`
	Username string `json:"username"`
	IsClient bool   `json:"isClient"`
}
