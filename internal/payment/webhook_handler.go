package payment

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/helmetads/payment-service/internal/transport"
)

// callbackAck is the acknowledgement Daraja expects. Anything other than a
// zero ResultCode makes Safaricom retry the delivery, so the webhook answers
// with an accepted ack even for callbacks it cannot reconcile.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type WebhookHandler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
	Logger         *slog.Logger
}

func NewWebhookHandler(svc ServiceAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:    transport.NewBaseHandler(logger),
		PaymentService: svc,
		Logger:         logger,
	}
}

// HandleCallback handles POST /api/v1/payments/callback. The gateway is
// acknowledged before it knows whether reconciliation applied; a callback we
// cannot match or parse is logged and dropped rather than bounced back into
// Safaricom's retry queue.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.Logger.Error("callback: failed to read body", "error", err)
		h.WriteJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	applied := h.PaymentService.ProcessCallback(r.Context(), body)
	if !applied {
		h.Logger.Warn("callback: not applied", "body_size", len(body))
	}

	h.WriteJSON(w, http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}
