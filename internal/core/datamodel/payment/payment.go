package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending             = "pending"
	StatusProcessing          = "processing"
	StatusPendingVerification = "pending_verification"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
)

const (
	MethodMpesa   = "mpesa"
	GatewayDaraja = "daraja"
)

// Payment is one payment attempt. Records are audit-grade: they are created
// by the orchestrator, mutated only through its state transitions, and never
// deleted. checkout_request_id and receipt_number carry unique indexes so the
// store, not application code, is the final arbiter of duplicates.
type Payment struct {
	ID        int64  `gorm:"primaryKey"`
	Reference string `gorm:"column:reference;not null;uniqueIndex"`

	AdvertiserID int64           `gorm:"column:advertiser_id;not null;index"`
	CampaignID   *int64          `gorm:"column:campaign_id"`
	CampaignData json.RawMessage `gorm:"column:campaign_data;type:jsonb"`

	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency      string          `gorm:"column:currency;default:KES"`
	PaymentMethod string          `gorm:"column:payment_method;default:mpesa"`
	Gateway       string          `gorm:"column:gateway;default:daraja"`

	Status        string `gorm:"column:status;default:pending;index"`
	StatusMessage string `gorm:"column:status_message"`

	MerchantRequestID *string `gorm:"column:merchant_request_id"`
	CheckoutRequestID *string `gorm:"column:checkout_request_id;uniqueIndex"`
	ReceiptNumber     *string `gorm:"column:receipt_number;uniqueIndex"`
	PhoneNumber       string  `gorm:"column:phone_number"`

	PaymentDetails json.RawMessage `gorm:"column:payment_details;type:jsonb"`

	InitiatedAt time.Time  `gorm:"column:initiated_at"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	FailedAt    *time.Time `gorm:"column:failed_at"`

	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;default:now()"`
}

func (Payment) TableName() string {
	return "payments"
}

// IsTerminal reports whether the record can still move. Status only advances
// pending -> processing -> {completed|failed} for gateway flows and
// pending_verification -> {completed|failed} for manual flows; the repository
// enforces this with conditional updates.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}
