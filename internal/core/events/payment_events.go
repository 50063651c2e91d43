package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
)

// PaymentCompletedEvent is broadcast after a payment reaches completed,
// scoped to the owning advertiser so downstream provisioning (campaign
// activation, helmet assignment) can react.
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID     int64           `json:"payment_id"`
	Reference     string          `json:"reference"`
	AdvertiserID  int64           `json:"advertiser_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
}

func NewPaymentCompletedEvent(paymentID int64, reference string, advertiserID int64, amount decimal.Decimal, receiptNumber string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":     paymentID,
				"reference":      reference,
				"advertiser_id":  advertiserID,
				"amount":         amount.String(),
				"receipt_number": receiptNumber,
			},
		},
		PaymentID:     paymentID,
		Reference:     reference,
		AdvertiserID:  advertiserID,
		Amount:        amount,
		ReceiptNumber: receiptNumber,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID     int64           `json:"payment_id"`
	Reference     string          `json:"reference"`
	AdvertiserID  int64           `json:"advertiser_id"`
	Amount        decimal.Decimal `json:"amount"`
	FailureReason string          `json:"failure_reason"`
}

func NewPaymentFailedEvent(paymentID int64, reference string, advertiserID int64, amount decimal.Decimal, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":     paymentID,
				"reference":      reference,
				"advertiser_id":  advertiserID,
				"amount":         amount.String(),
				"failure_reason": failureReason,
			},
		},
		PaymentID:     paymentID,
		Reference:     reference,
		AdvertiserID:  advertiserID,
		Amount:        amount,
		FailureReason: failureReason,
	}
}
