package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/auth"
	"github.com/helmetads/payment-service/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
	Logger         *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, paymentService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    baseHandler,
		PaymentService: paymentService,
		Logger:         logger,
	}
}

// InitiateSTKPush handles POST /api/v1/payments/stkpush
func (h *Handler) InitiateSTKPush(w http.ResponseWriter, r *http.Request) {
	adv, ok := auth.AdvertiserFromContext(r.Context())
	if !ok || adv == nil {
		h.Logger.Error("InitiateSTKPush: advertiser not found in context")
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return
	}

	var req InitiateSTKPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("InitiateSTKPush: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}
	req.AdvertiserID = adv.ID

	result := h.PaymentService.InitiateSTKPush(r.Context(), &req)

	status := http.StatusOK
	if !result.Success {
		status = statusForResult(result)
	}
	h.WriteJSON(w, status, result)
}

// VerifyReceipt handles POST /api/v1/payments/verify-receipt
func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	adv, ok := auth.AdvertiserFromContext(r.Context())
	if !ok || adv == nil {
		h.Logger.Error("VerifyReceipt: advertiser not found in context")
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return
	}

	var req VerifyReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("VerifyReceipt: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}
	req.AdvertiserID = adv.ID

	result := h.PaymentService.VerifyManualReceipt(r.Context(), &req)

	status := http.StatusOK
	if !result.Success {
		status = statusForResult(result)
	}
	h.WriteJSON(w, status, result)
}

// GetPayment handles GET /api/v1/payments/{reference}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	adv, ok := auth.AdvertiserFromContext(r.Context())
	if !ok || adv == nil {
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return
	}

	reference := chi.URLParam(r, "reference")
	if reference == "" {
		h.HandleError(w, errors.NewValidationError("reference is required", errors.ErrCodeValidationFailed))
		return
	}

	record, err := h.PaymentService.GetPayment(r.Context(), adv.ID, reference)
	if err != nil {
		h.Logger.Warn("GetPayment: lookup failed", "reference", reference, "advertiser_id", adv.ID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToView(record))
}

// QueryStatus handles GET /api/v1/payments/status/{checkoutRequestId}. It is
// a read-only gateway pass-through; callers reconcile the answer themselves.
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	adv, ok := auth.AdvertiserFromContext(r.Context())
	if !ok || adv == nil {
		h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
		return
	}

	checkoutRequestID := chi.URLParam(r, "checkoutRequestId")
	if checkoutRequestID == "" {
		h.HandleError(w, errors.NewValidationError("checkout request id is required", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.PaymentService.QueryPaymentStatus(r.Context(), checkoutRequestID)
	if err != nil {
		h.Logger.Error("QueryStatus: gateway query failed", "error", err, "checkout_request_id", checkoutRequestID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

func statusForResult(result *Result) int {
	switch result.Code {
	case errors.ErrCodeInvalidPhoneFormat, errors.ErrCodeInvalidReceiptFormat, errors.ErrCodeValidationFailed, errors.ErrCodeInvalidAmount:
		return http.StatusBadRequest
	case errors.ErrCodeDuplicateReceipt:
		return http.StatusConflict
	case errors.ErrCodeGatewayUnavailable:
		return http.StatusBadGateway
	case errors.ErrCodeProviderRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
