package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/core/common/validation"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
)

// InitiateSTKPushRequest is the inbound payload for push initiation. The
// campaign data blob is opaque here; downstream provisioning consumes it
// after the payment completes.
type InitiateSTKPushRequest struct {
	AdvertiserID int64           `json:"-"`
	Amount       decimal.Decimal `json:"amount"`
	PhoneNumber  string          `json:"phone_number"`
	CampaignID   *int64          `json:"campaign_id,omitempty"`
	CampaignData json.RawMessage `json:"campaign_data,omitempty"`
	Description  string          `json:"description,omitempty"`
}

func (r *InitiateSTKPushRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Required().PositiveAmount()
	validator.Field("phone_number", r.PhoneNumber).Required()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// VerifyReceiptRequest is the inbound payload for manual receipt
// verification.
type VerifyReceiptRequest struct {
	AdvertiserID  int64           `json:"-"`
	ReceiptNumber string          `json:"receipt_number"`
	Amount        decimal.Decimal `json:"amount"`
	PhoneNumber   string          `json:"phone_number"`
	CampaignID    *int64          `json:"campaign_id,omitempty"`
	CampaignData  json.RawMessage `json:"campaign_data,omitempty"`
}

func (r *VerifyReceiptRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("receipt_number", r.ReceiptNumber).Required().MaxLength(30)
	validator.Field("amount", r.Amount).Required().PositiveAmount()
	validator.Field("phone_number", r.PhoneNumber).Required()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// Result is the structured outcome every public orchestrator operation
// resolves to; these operations never raise to their caller.
type Result struct {
	Success           bool             `json:"success"`
	Message           string           `json:"message,omitempty"`
	Code              errors.ErrorCode `json:"code,omitempty"`
	Reference         string           `json:"reference,omitempty"`
	PaymentID         int64            `json:"payment_id,omitempty"`
	CheckoutRequestID string           `json:"checkout_request_id,omitempty"`
	ReceiptNumber     string           `json:"receipt_number,omitempty"`
}

func failure(code errors.ErrorCode, message string) *Result {
	return &Result{Success: false, Code: code, Message: message}
}

// PaymentView is the read model returned on record lookup.
type PaymentView struct {
	Reference         string          `json:"reference"`
	Status            string          `json:"status"`
	StatusMessage     string          `json:"status_message,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentMethod     string          `json:"payment_method"`
	PhoneNumber       string          `json:"phone_number,omitempty"`
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
	ReceiptNumber     string          `json:"receipt_number,omitempty"`
	CampaignID        *int64          `json:"campaign_id,omitempty"`
	InitiatedAt       time.Time       `json:"initiated_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
}

func ToView(p *payment.Payment) *PaymentView {
	view := &PaymentView{
		Reference:     p.Reference,
		Status:        p.Status,
		StatusMessage: p.StatusMessage,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		PhoneNumber:   p.PhoneNumber,
		CampaignID:    p.CampaignID,
		InitiatedAt:   p.InitiatedAt,
		ProcessedAt:   p.ProcessedAt,
		CompletedAt:   p.CompletedAt,
		FailedAt:      p.FailedAt,
	}
	if p.CheckoutRequestID != nil {
		view.CheckoutRequestID = *p.CheckoutRequestID
	}
	if p.ReceiptNumber != nil {
		view.ReceiptNumber = *p.ReceiptNumber
	}
	return view
}
