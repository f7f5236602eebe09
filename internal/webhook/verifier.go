// Package webhook authenticates and parses asynchronous CashOnRails
// notifications before they reach the reconciliation engine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the provider's HMAC of the raw request body.
const SignatureHeader = "X-Cashonrails-Signature"

// EventChargeSuccess is the only event kind that mutates billing state.
// Everything else is acknowledged and ignored.
const EventChargeSuccess = "charge.success"

var (
	// ErrInvalidSignature is returned when the body digest does not match the header.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrMalformedPayload is returned when the body is not parseable or lacks an event field.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// Event is a parsed provider notification.
type Event struct {
	Name string    `json:"event"`
	Data EventData `json:"data"`
}

// EventData is the charge payload. Amount arrives in the currency's minor
// unit (kobo); ChargedAmount converts to the base unit.
type EventData struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	PaidAt    string          `json:"paid_at"`
	Customer  Customer        `json:"customer"`
}

// Customer identifies the payer on the provider side.
type Customer struct {
	Email string `json:"email"`
}

var minorUnitFactor = decimal.NewFromInt(100)

// ChargedAmount returns the paid amount in the base currency unit.
func (d EventData) ChargedAmount() decimal.Decimal {
	return d.Amount.Div(minorUnitFactor)
}

// Verifier authenticates webhook bodies with a shared secret. An empty
// secret disables verification entirely, an explicit insecure mode that
// deployments must opt into knowingly.
type Verifier struct {
	Secret string
}

// Verify checks the HMAC-SHA512 signature over the raw body and parses the
// event. Signature comparison is constant-time.
func (v Verifier) Verify(rawBody []byte, signatureHeader string) (Event, error) {
	if v.Secret != "" {
		expected := computeSignature(v.Secret, rawBody)
		if signatureHeader == "" || !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
			return Event{}, ErrInvalidSignature
		}
	}

	var ev Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return Event{}, ErrMalformedPayload
	}
	if ev.Name == "" {
		return Event{}, ErrMalformedPayload
	}
	return ev, nil
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes the signature the provider would attach to body. Exported
// for tests and webhook replay tooling.
func Sign(secret string, body []byte) string {
	return computeSignature(secret, body)
}
