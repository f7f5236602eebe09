package cashonrails

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable wraps transport-level failures reaching the provider.
	ErrProviderUnavailable = errors.New("cashonrails: provider unavailable")
	// ErrCustomerCreation is returned when the customer response lacks a customer code.
	ErrCustomerCreation = errors.New("cashonrails: customer creation failed")
	// ErrVerification is returned when a verify response is malformed or unsuccessful.
	ErrVerification = errors.New("cashonrails: transaction verification failed")
)

// InitError carries the provider's own message for a rejected
// transaction-initialize call so it can be shown to the payer.
type InitError struct {
	Message string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("cashonrails: transaction initialize failed: %s", e.Message)
}

// AsInitError extracts an InitError when err is one.
func AsInitError(err error) (*InitError, bool) {
	var initErr *InitError
	if errors.As(err, &initErr) {
		return initErr, true
	}
	return nil, false
}
