package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Cashonrails/UISP-Cashonrails/internal/cashonrails"
	"github.com/Cashonrails/UISP-Cashonrails/internal/common"
	"github.com/Cashonrails/UISP-Cashonrails/internal/intent"
	"github.com/Cashonrails/UISP-Cashonrails/internal/obs"
	"github.com/Cashonrails/UISP-Cashonrails/internal/ucrm"
)

const genericInitError = "Payment initialization failed. Please try again."

// Sessions authenticates client-zone callers by their forwarded CRM cookie.
type Sessions interface {
	CurrentUser(ctx context.Context, cookie string) (ucrm.User, error)
}

// Handler exposes the payment endpoints over HTTP.
type Handler struct {
	Engine   *Engine
	Sessions Sessions
	TestMode bool
	Log      zerolog.Logger
}

// Initiate handles POST /api/v1/payments/initiate. It accepts JSON or form
// bodies, validates the fields, opens a checkout and redirects the browser
// to the provider's payment page.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeFields(r)
	if err != nil {
		obs.IncResult(obs.PaymentInitiateTotal, "invalid")
		common.JSONFieldError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if missing := intent.MissingFields(raw); len(missing) > 0 {
		obs.IncResult(obs.PaymentInitiateTotal, "invalid")
		common.JSONFieldError(w, http.StatusBadRequest, "Missing required fields: "+strings.Join(missing, ", "))
		return
	}

	it, err := intent.Build(raw, h.Engine.Currency)
	if err != nil {
		obs.IncResult(obs.PaymentInitiateTotal, "invalid")
		common.JSONFieldError(w, http.StatusBadRequest, err.Error())
		return
	}

	initiation, err := h.Engine.InitiateIntent(r.Context(), it)
	if err != nil {
		h.writeInitiationError(w, err)
		return
	}

	obs.IncResult(obs.PaymentInitiateTotal, "redirected")
	http.Redirect(w, r, initiation.AuthorizationURL, http.StatusFound)
}

// Pay handles GET /api/v1/payments/pay. It resolves the CRM payment token
// for the authenticated client and redirects to the provider checkout.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("_token"))
	if token == "" {
		obs.IncResult(obs.PaymentInitiateTotal, "invalid")
		common.JSONFieldError(w, http.StatusBadRequest, "Missing payment token")
		return
	}

	initiation, err := h.Engine.InitiateFromToken(r.Context(), user.ClientID, token)
	if err != nil {
		h.writeInitiationError(w, err)
		return
	}

	obs.IncResult(obs.PaymentInitiateTotal, "redirected")
	http.Redirect(w, r, initiation.AuthorizationURL, http.StatusFound)
}

// Verify handles GET /api/v1/payments/verify. The provider redirects the
// payer here after checkout; the reference is verified server-to-server and
// the outcome applied to the CRM ledger.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	reference := strings.TrimSpace(r.URL.Query().Get("reference"))
	if reference == "" {
		obs.IncResult(obs.PaymentVerifyTotal, "invalid")
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "Missing transaction reference")
		return
	}

	confirmation, err := h.Engine.ConfirmVerify(r.Context(), user.ClientID, reference)
	if err != nil {
		obs.IncResult(obs.PaymentVerifyTotal, "failed")
		h.Log.Warn().Err(err).Str("reference", reference).Int("client_id", user.ClientID).Msg("payment verification failed")
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message)
			return
		}
		common.JSONError(w, http.StatusBadRequest, common.CodeProvider, "Payment verification failed or payment not successful")
		return
	}

	obs.IncResult(obs.PaymentVerifyTotal, "confirmed")
	common.JSON(w, http.StatusOK, map[string]any{
		"reference": confirmation.Reference,
		"status":    confirmation.Status,
		"credited":  nonNil(confirmation.Credited),
		"skipped":   nonNil(confirmation.Skipped),
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (ucrm.User, bool) {
	cookie := r.Header.Get("Cookie")
	if cookie == "" {
		common.JSONError(w, http.StatusForbidden, common.CodeUnauthorized, "Not authenticated")
		return ucrm.User{}, false
	}
	user, err := h.Sessions.CurrentUser(r.Context(), cookie)
	if err != nil || user.ClientID <= 0 {
		common.JSONError(w, http.StatusForbidden, common.CodeUnauthorized, "Not authenticated")
		return ucrm.User{}, false
	}
	return user, true
}

// writeInitiationError maps engine failures to responses. Provider rejection
// messages surface verbatim only in test mode; production callers get a
// generic message while the detail lands in the log.
func (h *Handler) writeInitiationError(w http.ResponseWriter, err error) {
	obs.IncResult(obs.PaymentInitiateTotal, "failed")

	if errors.Is(err, ErrNoUnpaidInvoices) {
		common.JSONFieldError(w, http.StatusBadRequest, "No unpaid invoices found")
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		h.Log.Error().Err(appErr).Msg("payment initiation failed")
		common.JSONFieldError(w, appErr.HTTPStatus, appErr.Message)
		return
	}
	if initErr, ok := cashonrails.AsInitError(err); ok {
		h.Log.Warn().Str("provider_message", initErr.Message).Msg("provider rejected transaction")
		if h.TestMode {
			common.JSONFieldError(w, http.StatusInternalServerError, fmt.Sprintf("%s %s", genericInitError, initErr.Message))
			return
		}
		common.JSONFieldError(w, http.StatusInternalServerError, genericInitError)
		return
	}
	h.Log.Error().Err(err).Msg("payment initiation failed")
	common.JSONFieldError(w, http.StatusInternalServerError, genericInitError)
}

// decodeFields reads the request body into untyped fields. JSON numbers are
// kept as json.Number so amounts survive without float precision loss.
func decodeFields(r *http.Request) (intent.Fields, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var raw intent.Fields
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	raw := make(intent.Fields, len(r.PostForm))
	for key := range r.PostForm {
		raw[key] = r.PostForm.Get(key)
	}
	return raw, nil
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
