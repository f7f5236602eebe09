package recon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeReference(t *testing.T) {
	require.Equal(t, "ucrm_7_456", MakeReference(7, 456))
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		name      string
		reference string
		clientID  int
		invoiceID int
		ok        bool
	}{
		{name: "round trip", reference: "ucrm_7_456", clientID: 7, invoiceID: 456, ok: true},
		{name: "large ids", reference: "ucrm_123456_987654", clientID: 123456, invoiceID: 987654, ok: true},
		{name: "wrong prefix", reference: "stripe_7_456"},
		{name: "missing invoice", reference: "ucrm_7"},
		{name: "non numeric", reference: "ucrm_a_b"},
		{name: "trailing garbage", reference: "ucrm_7_456_extra"},
		{name: "empty", reference: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientID, invoiceID, ok := ParseReference(tt.reference)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.clientID, clientID)
				require.Equal(t, tt.invoiceID, invoiceID)
			}
		})
	}
}
