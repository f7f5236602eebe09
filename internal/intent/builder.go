// Package intent validates and normalises inbound payment requests into
// canonical payment intents. Building is pure: no lookups, no side effects.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidClientID is returned when clientId is absent or not a positive integer.
	ErrInvalidClientID = errors.New("invalid client ID: must be a positive integer")
	// ErrNoValidInvoiceIDs is returned when no positive invoice id survives parsing.
	ErrNoValidInvoiceIDs = errors.New("no valid invoice IDs provided")
	// ErrInvalidAmount is returned when the amount is missing, unparsable or not positive.
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")
	// ErrInvalidEmail is returned when the email fails syntactic validation.
	ErrInvalidEmail = errors.New("invalid email address")
)

// RequiredFields lists the fields every initiation request must carry.
var RequiredFields = []string{"clientId", "invoiceIds", "amount", "email"}

var validate = validator.New()

// Fields is the raw, untyped request body: form values or decoded JSON.
type Fields map[string]any

// Intent is a validated, normalised description of a payment to be attempted.
type Intent struct {
	ClientID   int
	InvoiceIDs []int
	Amount     decimal.Decimal
	Currency   string
	Email      string
}

// MissingFields returns the required fields absent or empty in raw, in
// declaration order.
func MissingFields(raw Fields) []string {
	var missing []string
	for _, field := range RequiredFields {
		v, ok := raw[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// Build validates raw request fields and produces a canonical intent using
// the configured currency. Same input always yields the same output.
func Build(raw Fields, currency string) (Intent, error) {
	clientID, err := parseInt(raw["clientId"])
	if err != nil || clientID <= 0 {
		return Intent{}, ErrInvalidClientID
	}

	invoiceIDs := parseInvoiceIDs(raw["invoiceIds"])
	if len(invoiceIDs) == 0 {
		return Intent{}, ErrNoValidInvoiceIDs
	}

	amount, err := parseAmount(raw["amount"])
	if err != nil || !amount.IsPositive() {
		return Intent{}, ErrInvalidAmount
	}

	email, _ := raw["email"].(string)
	email = strings.TrimSpace(email)
	if validate.Var(email, "required,email") != nil {
		return Intent{}, ErrInvalidEmail
	}

	return Intent{
		ClientID:   clientID,
		InvoiceIDs: invoiceIDs,
		// currency amounts round half away from zero to 2 decimal places
		Amount:   amount.Round(2),
		Currency: currency,
		Email:    email,
	}, nil
}

func parseInt(v any) (int, error) {
	switch value := v.(type) {
	case nil:
		return 0, errors.New("missing")
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		if value != float64(int(value)) {
			return 0, errors.New("not an integer")
		}
		return int(value), nil
	case json.Number:
		n, err := value.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(strings.TrimSpace(value))
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// parseInvoiceIDs accepts a comma-separated string or an array, keeping
// positive integer tokens and dropping everything else.
func parseInvoiceIDs(v any) []int {
	var tokens []any
	switch value := v.(type) {
	case string:
		for _, part := range strings.Split(value, ",") {
			tokens = append(tokens, part)
		}
	case []any:
		tokens = value
	case []string:
		for _, part := range value {
			tokens = append(tokens, part)
		}
	case []int:
		for _, part := range value {
			tokens = append(tokens, part)
		}
	default:
		return nil
	}

	seen := make(map[int]bool, len(tokens))
	ids := make([]int, 0, len(tokens))
	for _, token := range tokens {
		id, err := parseInt(token)
		if err != nil || id <= 0 {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func parseAmount(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case nil:
		return decimal.Zero, errors.New("missing")
	case string:
		return decimal.NewFromString(strings.TrimSpace(value))
	case json.Number:
		return decimal.NewFromString(value.String())
	case float64:
		return decimal.NewFromFloat(value), nil
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}
