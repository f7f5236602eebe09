package cashonrails

import "github.com/shopspring/decimal"

// CustomerRequest creates a provider-side customer ahead of checkout.
type CustomerRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// InitRequest opens a hosted-checkout transaction.
type InitRequest struct {
	ClientID     int    `json:"client_id"`
	CustomerCode string `json:"customer_code"`
	Reference    string `json:"reference"`
	// Amount is serialised as a string of the base currency unit, the
	// format the initialize endpoint expects.
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email"`
	RedirectURL string `json:"redirectUrl"`
}

// InitResult is the subset of the initialize response the gateway needs.
type InitResult struct {
	Reference        string
	AuthorizationURL string
}

// VerifyResult is the normalised transaction-verify response. Status is the
// provider's own status string; "success" is the only value that confirms.
type VerifyResult struct {
	Status   string
	Amount   decimal.Decimal
	Currency string
}

// envelope is the provider's common response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    responsePayload `json:"data"`
}

type responsePayload struct {
	CustomerCode     string          `json:"customer_code"`
	Reference        string          `json:"reference"`
	AuthorizationURL string          `json:"authorization_url"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}
