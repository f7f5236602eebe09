package webhook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBody = `{"event":"charge.success","data":{"reference":"ucrm_7_456","amount":25000,"currency":"NGN","paid_at":"2026-08-29T10:00:00Z","customer":{"email":"client7@example.com"}}}`

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := Verifier{Secret: "whsec_test"}
	body := []byte(sampleBody)

	ev, err := v.Verify(body, Sign("whsec_test", body))
	require.NoError(t, err)
	require.Equal(t, EventChargeSuccess, ev.Name)
	require.Equal(t, "ucrm_7_456", ev.Data.Reference)
	require.Equal(t, "client7@example.com", ev.Data.Customer.Email)
	require.Equal(t, "250", ev.Data.ChargedAmount().String())
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := Verifier{Secret: "whsec_test"}
	body := []byte(sampleBody)
	sig := Sign("whsec_test", body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'X'

	_, err := v.Verify(tampered, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := Verifier{Secret: "whsec_test"}
	body := []byte(sampleBody)

	_, err := v.Verify(body, Sign("whsec_other", body))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsMissingHeader(t *testing.T) {
	v := Verifier{Secret: "whsec_test"}

	_, err := v.Verify([]byte(sampleBody), "")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyEmptySecretSkipsSignatureCheck(t *testing.T) {
	v := Verifier{}

	ev, err := v.Verify([]byte(sampleBody), "")
	require.NoError(t, err)
	require.Equal(t, EventChargeSuccess, ev.Name)
}

func TestVerifyMalformedPayload(t *testing.T) {
	v := Verifier{Secret: "whsec_test"}

	for _, body := range []string{"not json", "{}", `{"data":{}}`} {
		_, err := v.Verify([]byte(body), Sign("whsec_test", []byte(body)))
		require.ErrorIs(t, err, ErrMalformedPayload, "body %q", body)
	}
}
