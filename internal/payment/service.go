package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	errors "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
	"github.com/helmetads/payment-service/internal/core/events"
	"github.com/helmetads/payment-service/internal/mpesa"
)

// Service is the payment orchestrator: the only writer of payment state.
// Every public operation resolves to a structured result and recovers its own
// panics; nothing escapes to the transport layer.
type Service struct {
	repo          RepositoryAPI
	gateway       GatewayAPI
	publisher     EventPublisher
	accountPrefix string
	logger        *slog.Logger
}

func NewService(repo RepositoryAPI, gateway GatewayAPI, publisher EventPublisher, accountPrefix string, logger *slog.Logger) *Service {
	if accountPrefix == "" {
		accountPrefix = "HelmetAds"
	}
	return &Service{
		repo:          repo,
		gateway:       gateway,
		publisher:     publisher,
		accountPrefix: accountPrefix,
		logger:        logger,
	}
}

// InitiateSTKPush drives the gateway-initiated flow: normalize the payer
// number, acquire a token, create the pending record, push, and settle the
// record according to the synchronous acknowledgment.
func (s *Service) InitiateSTKPush(ctx context.Context, req *InitiateSTKPushRequest) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during stk push initiation", "panic", r, "advertiser_id", req.AdvertiserID)
			result = failure("INTERNAL_ERROR", "payment initiation failed unexpectedly")
		}
	}()

	if err := req.Validate(); err != nil {
		appErr, _ := errors.IsAppError(err)
		return failure(appErr.Code, appErr.GetDetailedMessage())
	}

	msisdn, appErr := NormalizeMSISDN(req.PhoneNumber)
	if appErr != nil {
		s.logger.Warn("rejected stk push with invalid phone",
			"advertiser_id", req.AdvertiserID,
			"phone_number", req.PhoneNumber)
		return failure(errors.ErrCodeInvalidPhoneFormat, appErr.Message)
	}

	// Token failures never reach the gateway boundary, so no record is
	// created for them; the provider diagnostics are logged by the client.
	token, err := s.gateway.AccessToken(ctx)
	if err != nil {
		s.logger.Error("token acquisition failed", "error", err, "advertiser_id", req.AdvertiserID)
		return failure(errors.ErrCodeGatewayUnavailable, "token acquisition failed")
	}

	reference := NewReference()
	now := time.Now().UTC()

	record := &payment.Payment{
		Reference:     reference,
		AdvertiserID:  req.AdvertiserID,
		CampaignID:    req.CampaignID,
		CampaignData:  req.CampaignData,
		Amount:        req.Amount,
		Currency:      "KES",
		PaymentMethod: payment.MethodMpesa,
		Gateway:       payment.GatewayDaraja,
		Status:        payment.StatusPending,
		PhoneNumber:   msisdn,
		InitiatedAt:   now,
	}

	if err := s.repo.Create(record); err != nil {
		s.logger.Error("failed to create payment record", "error", err, "reference", reference)
		return failure("INTERNAL_ERROR", "failed to create payment record")
	}

	s.logger.Info("payment record created",
		"payment_id", record.ID,
		"reference", reference,
		"advertiser_id", req.AdvertiserID,
		"amount", req.Amount.String())

	description := req.Description
	if description == "" {
		description = "Helmet advertising payment"
	}

	pushResp, err := s.gateway.STKPush(ctx, token, req.Amount.Round(0).IntPart(), msisdn, s.accountPrefix+"-"+reference, description)
	if err != nil {
		// Network fault: no provider answer to persist, only the failure.
		details, _ := json.Marshal(map[string]interface{}{"gateway_error": err.Error()})
		if updateErr := s.repo.MarkFailed(record.ID, "payment gateway unreachable", details); updateErr != nil {
			s.logger.Error("failed to mark payment failed after gateway error", "error", updateErr, "payment_id", record.ID)
		}
		s.logger.Error("stk push request failed", "error", err, "reference", reference)
		return &Result{
			Success:   false,
			Code:      errors.ErrCodeGatewayUnavailable,
			Message:   "payment gateway unreachable",
			Reference: reference,
			PaymentID: record.ID,
		}
	}

	// Persist the raw acknowledgment verbatim, accepted or not.
	rawResp, _ := json.Marshal(pushResp)
	ackDetails, _ := json.Marshal(map[string]json.RawMessage{"gateway_response": rawResp})
	if err := s.repo.RecordGatewayAck(record.ID, ackDetails); err != nil {
		s.logger.Error("failed to persist gateway acknowledgment", "error", err, "payment_id", record.ID)
	}

	if !pushResp.Accepted() {
		message := pushResp.FailureDescription()
		if err := s.repo.MarkFailed(record.ID, message, nil); err != nil {
			s.logger.Error("failed to mark payment failed", "error", err, "payment_id", record.ID)
		}
		s.logger.Warn("stk push rejected by provider",
			"reference", reference,
			"response_code", pushResp.ResponseCode,
			"message", message)
		return &Result{
			Success:   false,
			Code:      errors.ErrCodeProviderRejected,
			Message:   message,
			Reference: reference,
			PaymentID: record.ID,
		}
	}

	if err := s.repo.MarkProcessing(record.ID, pushResp.MerchantRequestID, pushResp.CheckoutRequestID); err != nil {
		s.logger.Error("failed to mark payment processing", "error", err, "payment_id", record.ID)
		return failure("INTERNAL_ERROR", "failed to update payment record")
	}

	s.logger.Info("stk push accepted",
		"reference", reference,
		"checkout_request_id", pushResp.CheckoutRequestID,
		"merchant_request_id", pushResp.MerchantRequestID)

	return &Result{
		Success:           true,
		Message:           pushResp.CustomerMessage,
		Reference:         reference,
		PaymentID:         record.ID,
		CheckoutRequestID: pushResp.CheckoutRequestID,
	}
}

// ProcessCallback reconciles an asynchronous Daraja callback. The returned
// bool is the acknowledgment decision: true tells the webhook layer the
// callback is settled (including duplicate deliveries), false flags a
// malformed or orphan callback that touched nothing.
func (s *Service) ProcessCallback(ctx context.Context, rawBody []byte) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during callback processing", "panic", r)
			accepted = false
		}
	}()

	var envelope mpesa.CallbackEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		s.logger.Error("malformed callback body", "error", err)
		return false
	}

	cb := envelope.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		s.logger.Error("callback missing checkout request id")
		return false
	}

	record, err := s.repo.GetByCheckoutRequestID(cb.CheckoutRequestID)
	if err != nil {
		s.logger.Warn("orphan callback: no payment for checkout request id",
			"checkout_request_id", cb.CheckoutRequestID)
		return false
	}

	if record.IsTerminal() {
		s.logger.Info("duplicate callback for terminal payment, acknowledging as no-op",
			"reference", record.Reference,
			"status", record.Status,
			"checkout_request_id", cb.CheckoutRequestID)
		return true
	}

	if cb.Succeeded() {
		return s.completeFromCallback(ctx, record, &cb, rawBody)
	}
	return s.failFromCallback(ctx, record, &cb, rawBody)
}

func (s *Service) completeFromCallback(ctx context.Context, record *payment.Payment, cb *mpesa.STKCallback, rawBody []byte) bool {
	meta := cb.CallbackMetadata
	receipt := meta.ReceiptNumber()

	detailFields := map[string]interface{}{
		"callback": json.RawMessage(rawBody),
	}
	if receipt != "" {
		detailFields["receipt_number"] = receipt
	}
	if txDate := meta.TransactionDate(); txDate != "" {
		detailFields["transaction_date"] = txDate
	}
	if phone := meta.PhoneNumber(); phone != "" {
		detailFields["confirmed_phone"] = phone
	}
	if amount := meta.Amount(); !amount.IsZero() {
		detailFields["confirmed_amount"] = amount.String()
	}
	details, _ := json.Marshal(detailFields)

	applied, err := s.repo.CompleteByCheckoutID(cb.CheckoutRequestID, TerminalUpdate{
		Details:       details,
		Message:       "payment completed successfully",
		ReceiptNumber: receipt,
		At:            time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to complete payment from callback",
			"error", err,
			"reference", record.Reference,
			"checkout_request_id", cb.CheckoutRequestID)
		return false
	}
	if !applied {
		// A concurrent delivery won the terminal transition.
		s.logger.Info("callback lost terminal-state race, acknowledging as no-op",
			"reference", record.Reference,
			"checkout_request_id", cb.CheckoutRequestID)
		return true
	}

	s.logger.Info("payment completed from callback",
		"reference", record.Reference,
		"receipt_number", receipt,
		"advertiser_id", record.AdvertiserID)

	s.publish(ctx, events.NewPaymentCompletedEvent(record.ID, record.Reference, record.AdvertiserID, record.Amount, receipt))
	return true
}

func (s *Service) failFromCallback(ctx context.Context, record *payment.Payment, cb *mpesa.STKCallback, rawBody []byte) bool {
	details, _ := json.Marshal(map[string]interface{}{
		"callback": json.RawMessage(rawBody),
	})

	message := cb.ResultDesc
	if message == "" {
		message = "payment failed"
	}

	applied, err := s.repo.FailByCheckoutID(cb.CheckoutRequestID, TerminalUpdate{
		Details: details,
		Message: message,
		At:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to fail payment from callback",
			"error", err,
			"reference", record.Reference,
			"checkout_request_id", cb.CheckoutRequestID)
		return false
	}
	if !applied {
		s.logger.Info("callback lost terminal-state race, acknowledging as no-op",
			"reference", record.Reference,
			"checkout_request_id", cb.CheckoutRequestID)
		return true
	}

	s.logger.Info("payment failed from callback",
		"reference", record.Reference,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc)

	s.publish(ctx, events.NewPaymentFailedEvent(record.ID, record.Reference, record.AdvertiserID, record.Amount, message))
	return true
}

// VerifyManualReceipt handles the manual flow: a caller submits a receipt
// code directly, bypassing the push. The receipt is accepted on format alone;
// the duplicate-use invariant is backed by the unique index, the pre-check is
// only a fast path.
func (s *Service) VerifyManualReceipt(ctx context.Context, req *VerifyReceiptRequest) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during manual receipt verification", "panic", r, "advertiser_id", req.AdvertiserID)
			result = failure("INTERNAL_ERROR", "receipt verification failed unexpectedly")
		}
	}()

	if err := req.Validate(); err != nil {
		appErr, _ := errors.IsAppError(err)
		return failure(appErr.Code, appErr.GetDetailedMessage())
	}

	msisdn, appErr := NormalizeMSISDN(req.PhoneNumber)
	if appErr != nil {
		return failure(errors.ErrCodeInvalidPhoneFormat, appErr.Message)
	}

	inUse, err := s.repo.ReceiptInUse(req.ReceiptNumber)
	if err != nil {
		s.logger.Error("failed to check receipt usage", "error", err)
		return failure("INTERNAL_ERROR", "failed to verify receipt")
	}
	if inUse {
		s.logger.Warn("rejected already-used receipt",
			"advertiser_id", req.AdvertiserID,
			"receipt_number", req.ReceiptNumber)
		return failure(errors.ErrCodeDuplicateReceipt, "receipt number already used")
	}

	reference := NewReference()
	details, _ := json.Marshal(map[string]interface{}{
		"manual_verification": true,
		"submitted_receipt":   req.ReceiptNumber,
	})

	record := &payment.Payment{
		Reference:      reference,
		AdvertiserID:   req.AdvertiserID,
		CampaignID:     req.CampaignID,
		CampaignData:   req.CampaignData,
		Amount:         req.Amount,
		Currency:       "KES",
		PaymentMethod:  payment.MethodMpesa,
		Gateway:        payment.GatewayDaraja,
		Status:         payment.StatusPendingVerification,
		PhoneNumber:    msisdn,
		PaymentDetails: details,
		InitiatedAt:    time.Now().UTC(),
	}

	if err := s.repo.Create(record); err != nil {
		s.logger.Error("failed to create manual verification record", "error", err)
		return failure("INTERNAL_ERROR", "failed to create payment record")
	}

	if !ValidReceiptFormat(req.ReceiptNumber) {
		if err := s.repo.MarkFailed(record.ID, "invalid receipt format", nil); err != nil {
			s.logger.Error("failed to mark payment failed", "error", err, "payment_id", record.ID)
		}
		s.logger.Warn("rejected receipt with invalid format",
			"reference", reference,
			"receipt_number", req.ReceiptNumber)
		return &Result{
			Success:   false,
			Code:      errors.ErrCodeInvalidReceiptFormat,
			Message:   "invalid receipt format",
			Reference: reference,
		}
	}

	if err := s.repo.ClaimReceipt(record.ID, req.ReceiptNumber, "receipt verified manually"); err != nil {
		if appErr, ok := errors.IsAppError(err); ok && appErr.Code == errors.ErrCodeDuplicateReceipt {
			// Lost the pre-check race; the unique index is the arbiter.
			if updateErr := s.repo.MarkFailed(record.ID, "receipt number already used", nil); updateErr != nil {
				s.logger.Error("failed to mark payment failed after duplicate receipt", "error", updateErr, "payment_id", record.ID)
			}
			s.logger.Warn("receipt claimed concurrently by another payment",
				"reference", reference,
				"receipt_number", req.ReceiptNumber)
			return &Result{
				Success:   false,
				Code:      errors.ErrCodeDuplicateReceipt,
				Message:   "receipt number already used",
				Reference: reference,
			}
		}
		s.logger.Error("failed to claim receipt", "error", err, "payment_id", record.ID)
		return failure("INTERNAL_ERROR", "failed to verify receipt")
	}

	s.logger.Info("receipt verified manually",
		"reference", reference,
		"receipt_number", req.ReceiptNumber,
		"advertiser_id", req.AdvertiserID)

	s.publish(ctx, events.NewPaymentCompletedEvent(record.ID, reference, req.AdvertiserID, req.Amount, req.ReceiptNumber))

	return &Result{
		Success:       true,
		Message:       "receipt verified",
		Reference:     reference,
		PaymentID:     record.ID,
		ReceiptNumber: req.ReceiptNumber,
	}
}

// QueryPaymentStatus is a read-only pass-through to the gateway's status
// query; it never mutates the payment record. Reconciliation is an explicit
// operator action handled by the reconcile worker.
func (s *Service) QueryPaymentStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	token, err := s.gateway.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.gateway.STKQuery(ctx, token, checkoutRequestID)
}

func (s *Service) GetPayment(ctx context.Context, advertiserID int64, reference string) (*payment.Payment, error) {
	record, err := s.repo.GetForAdvertiser(advertiserID, reference)
	if err != nil {
		return nil, errors.ErrPaymentNotFound
	}
	return record, nil
}

// ReconcileOutcome summarizes what a status-query reconciliation did.
type ReconcileOutcome string

const (
	ReconcilePending   ReconcileOutcome = "pending"
	ReconcileCompleted ReconcileOutcome = "completed"
	ReconcileFailed    ReconcileOutcome = "failed"
	ReconcileSkipped   ReconcileOutcome = "skipped"
)

// ReconcileFromQuery settles a payment stuck in processing from the
// provider's status query. Terminal transitions go through the same
// compare-and-set as callbacks, so a late callback racing the reconciler
// still produces exactly one winner. The status query carries no receipt
// number; the raw query response is kept in payment_details instead.
func (s *Service) ReconcileFromQuery(ctx context.Context, p *payment.Payment) (ReconcileOutcome, error) {
	if p.CheckoutRequestID == nil || *p.CheckoutRequestID == "" {
		return ReconcileSkipped, nil
	}
	checkoutID := *p.CheckoutRequestID

	resp, err := s.QueryPaymentStatus(ctx, checkoutID)
	if err != nil {
		return ReconcileSkipped, err
	}

	if !resp.Settled() {
		return ReconcilePending, nil
	}

	rawResp, _ := json.Marshal(resp)
	details, _ := json.Marshal(map[string]json.RawMessage{"status_query": rawResp})

	if resp.Succeeded() {
		applied, err := s.repo.CompleteByCheckoutID(checkoutID, TerminalUpdate{
			Details: details,
			Message: "payment confirmed via status query",
			At:      time.Now().UTC(),
		})
		if err != nil {
			return ReconcileSkipped, err
		}
		if applied {
			s.logger.Info("payment completed via reconciliation",
				"reference", p.Reference,
				"checkout_request_id", checkoutID)
			s.publish(ctx, events.NewPaymentCompletedEvent(p.ID, p.Reference, p.AdvertiserID, p.Amount, ""))
		}
		return ReconcileCompleted, nil
	}

	message := resp.ResultDesc
	if message == "" {
		message = "payment failed"
	}
	applied, err := s.repo.FailByCheckoutID(checkoutID, TerminalUpdate{
		Details: details,
		Message: message,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return ReconcileSkipped, err
	}
	if applied {
		s.logger.Info("payment failed via reconciliation",
			"reference", p.Reference,
			"checkout_request_id", checkoutID,
			"result_desc", resp.ResultDesc)
		s.publish(ctx, events.NewPaymentFailedEvent(p.ID, p.Reference, p.AdvertiserID, p.Amount, message))
	}
	return ReconcileFailed, nil
}

// publish is best-effort: a broken sink must never fail payment handling.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish payment event",
			"event_type", event.EventType(),
			"event_id", event.EventID(),
			"error", err)
	}
}
