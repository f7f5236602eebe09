package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Cashonrails/UISP-Cashonrails/internal/common"
	"github.com/Cashonrails/UISP-Cashonrails/internal/obs"
)

// Confirmer applies a confirmed charge to the billing ledger.
type Confirmer interface {
	ConfirmWebhook(ctx context.Context, ev Event) error
}

// Handler terminates the provider's webhook endpoint. Once the signature
// and payload shape check out it always acknowledges with 200 so the
// provider stops retrying, whatever happens downstream.
type Handler struct {
	Verifier  Verifier
	Engine    Confirmer
	Replay    *redis.Client
	ReplayTTL time.Duration
	Log       zerolog.Logger
}

// Handle processes a provider notification.
func (h Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "webhook unavailable")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		obs.IncResult(obs.PaymentWebhookTotal, "read_error")
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "unable to read payload")
		return
	}

	ev, err := h.Verifier.Verify(body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		obs.IncResult(obs.PaymentWebhookTotal, "invalid_signature")
		common.JSONError(w, http.StatusUnauthorized, common.CodeSignature, "signature verification failed")
		return
	case errors.Is(err, ErrMalformedPayload):
		obs.IncResult(obs.PaymentWebhookTotal, "malformed")
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid webhook payload")
		return
	case err != nil:
		obs.IncResult(obs.PaymentWebhookTotal, "error")
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error())
		return
	}

	if ev.Name != EventChargeSuccess {
		obs.IncResult(obs.PaymentWebhookTotal, "ignored")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if h.Replay != nil && h.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:cashonrails:%s", common.Sha256Hex(string(body)))
		fresh, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
		if err != nil {
			h.Log.Error().Err(err).Msg("webhook replay store unavailable")
		} else if !fresh {
			obs.IncResult(obs.PaymentWebhookTotal, "replay")
			common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	if err := h.Engine.ConfirmWebhook(r.Context(), ev); err != nil {
		// the provider already passed signature and shape checks; failures
		// here are ours to log, not the provider's to retry
		h.Log.Error().Err(err).Str("reference", ev.Data.Reference).Msg("webhook reconciliation failed")
		obs.IncResult(obs.PaymentWebhookTotal, "dropped")
		common.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
		return
	}

	obs.IncResult(obs.PaymentWebhookTotal, "processed")
	common.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
