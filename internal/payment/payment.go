package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	errors "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
	"github.com/helmetads/payment-service/internal/core/events"
	"github.com/helmetads/payment-service/internal/mpesa"
)

// RepositoryAPI is the payment record store. The two uniqueness guarantees
// (checkout_request_id, receipt_number) and the terminal-state compare-and-set
// live behind this interface, enforced at the storage layer.
type RepositoryAPI interface {
	Create(p *payment.Payment) error
	GetByReference(reference string) (*payment.Payment, error)
	GetForAdvertiser(advertiserID int64, reference string) (*payment.Payment, error)
	GetByCheckoutRequestID(checkoutRequestID string) (*payment.Payment, error)
	ReceiptInUse(receiptNumber string) (bool, error)

	// RecordGatewayAck merges the raw push acknowledgment into
	// payment_details and stamps processed_at, success or failure alike.
	RecordGatewayAck(id int64, details json.RawMessage) error

	MarkProcessing(id int64, merchantRequestID, checkoutRequestID string) error

	// MarkFailed is the terminal failure for records still owned by the
	// initiating request (pending / pending_verification); it refuses to
	// touch completed records.
	MarkFailed(id int64, message string, details json.RawMessage) error

	// CompleteByCheckoutID and FailByCheckoutID apply a terminal transition
	// as a single conditional update keyed on a non-terminal status. They
	// report false when no in-flight record matched, which is how duplicate
	// and racing callbacks lose without mutating anything.
	CompleteByCheckoutID(checkoutRequestID string, update TerminalUpdate) (bool, error)
	FailByCheckoutID(checkoutRequestID string, update TerminalUpdate) (bool, error)

	// ClaimReceipt completes a pending_verification record and takes
	// ownership of the receipt number through the unique index. A concurrent
	// duplicate surfaces as ErrDuplicateReceipt.
	ClaimReceipt(id int64, receiptNumber, message string) error

	ListStuckProcessing(olderThan time.Time, limit int) ([]*payment.Payment, error)
}

// TerminalUpdate carries everything a terminal transition writes.
type TerminalUpdate struct {
	Details       json.RawMessage
	Message       string
	ReceiptNumber string
	At            time.Time
}

// GatewayAPI is the Daraja client surface the orchestrator depends on.
type GatewayAPI interface {
	AccessToken(ctx context.Context) (string, error)
	STKPush(ctx context.Context, token string, amount int64, msisdn, accountRef, description string) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, token, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// EventPublisher is the notification sink. Publishing is best-effort; the
// orchestrator logs failures and moves on.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// ServiceAPI is consumed by the HTTP handlers and the reconciliation worker.
type ServiceAPI interface {
	InitiateSTKPush(ctx context.Context, req *InitiateSTKPushRequest) *Result
	ProcessCallback(ctx context.Context, rawBody []byte) bool
	VerifyManualReceipt(ctx context.Context, req *VerifyReceiptRequest) *Result
	QueryPaymentStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
	GetPayment(ctx context.Context, advertiserID int64, reference string) (*payment.Payment, error)
	ReconcileFromQuery(ctx context.Context, p *payment.Payment) (ReconcileOutcome, error)
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizeMSISDN canonicalizes a Kenyan subscriber number to
// 254XXXXXXXXX. Accepted inputs: local 0XXXXXXXXX, bare 9-digit starting
// with 7, or the already canonical 12-digit form.
func NormalizeMSISDN(input string) (string, *errors.AppError) {
	digits := nonDigits.ReplaceAllString(input, "")

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
		return digits, nil
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "254" + digits[1:], nil
	case len(digits) == 9 && strings.HasPrefix(digits, "7"):
		return "254" + digits, nil
	}

	return "", errors.NewValidationError("invalid phone number format", errors.ErrCodeInvalidPhoneFormat)
}

// receiptPattern is the structural receipt check: two leading letters then
// 6-18 alphanumerics, case-insensitive. Format validity is the sole
// acceptance criterion for manual verification in current scope.
var receiptPattern = regexp.MustCompile(`^[A-Za-z]{2}[A-Za-z0-9]{6,18}$`)

func ValidReceiptFormat(receipt string) bool {
	return receiptPattern.MatchString(receipt)
}

const (
	referencePrefix  = "HAP"
	referenceCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewReference generates a caller-facing payment reference: prefix, random
// alphanumeric block, unix-time suffix.
func NewReference() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = referenceCharset[rand.Intn(len(referenceCharset))]
	}
	return fmt.Sprintf("%s-%s-%d", referencePrefix, string(b), time.Now().Unix())
}
