package recon

import (
	"fmt"
	"regexp"
	"strconv"
)

// referencePattern matches references minted by this gateway. The embedded
// ids let the webhook path recover the client and invoice without any local
// state.
var referencePattern = regexp.MustCompile(`^ucrm_(\d+)_(\d+)$`)

// MakeReference builds the correlation token for a direct initiation.
func MakeReference(clientID, invoiceID int) string {
	return fmt.Sprintf("ucrm_%d_%d", clientID, invoiceID)
}

// ParseReference extracts the client and invoice ids from a gateway-minted
// reference. ok is false for foreign or malformed references.
func ParseReference(reference string) (clientID, invoiceID int, ok bool) {
	matches := referencePattern.FindStringSubmatch(reference)
	if matches == nil {
		return 0, 0, false
	}
	clientID, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, 0, false
	}
	invoiceID, err = strconv.Atoi(matches[2])
	if err != nil {
		return 0, 0, false
	}
	return clientID, invoiceID, true
}
