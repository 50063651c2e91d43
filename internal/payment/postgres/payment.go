package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	internal "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
	paymentpkg "github.com/helmetads/payment-service/internal/payment"
)

// nonTerminalGatewayStates are the statuses a callback or reconciliation
// result may still transition out of. The WHERE guard on these is what makes
// terminal transitions a compare-and-set: a duplicate or racing writer
// matches zero rows.
var nonTerminalGatewayStates = []string{payment.StatusPending, payment.StatusProcessing}

type PaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository expects a gorm.DB opened with TranslateError so unique
// index violations surface as gorm.ErrDuplicatedKey.
func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) Create(p *payment.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) GetByReference(reference string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.Where("reference = ?", reference).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetForAdvertiser(advertiserID int64, reference string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.Where("advertiser_id = ? AND reference = ?", advertiserID, reference).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByCheckoutRequestID(checkoutRequestID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.Where("checkout_request_id = ?", checkoutRequestID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) ReceiptInUse(receiptNumber string) (bool, error) {
	var count int64
	err := r.db.Model(&payment.Payment{}).Where("receipt_number = ?", receiptNumber).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PaymentRepository) RecordGatewayAck(id int64, details json.RawMessage) error {
	merged, err := r.mergedDetails("id = ?", []interface{}{id}, details)
	if err != nil {
		return err
	}

	return r.db.Model(&payment.Payment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"payment_details": merged,
		"processed_at":    time.Now().UTC(),
		"updated_at":      time.Now().UTC(),
	}).Error
}

func (r *PaymentRepository) MarkProcessing(id int64, merchantRequestID, checkoutRequestID string) error {
	return r.db.Model(&payment.Payment{}).
		Where("id = ? AND status = ?", id, payment.StatusPending).
		Updates(map[string]interface{}{
			"status":              payment.StatusProcessing,
			"merchant_request_id": merchantRequestID,
			"checkout_request_id": checkoutRequestID,
			"updated_at":          time.Now().UTC(),
		}).Error
}

func (r *PaymentRepository) MarkFailed(id int64, message string, details json.RawMessage) error {
	updates := map[string]interface{}{
		"status":         payment.StatusFailed,
		"status_message": message,
		"failed_at":      time.Now().UTC(),
		"updated_at":     time.Now().UTC(),
	}

	if details != nil {
		merged, err := r.mergedDetails("id = ?", []interface{}{id}, details)
		if err != nil {
			return err
		}
		updates["payment_details"] = merged
	}

	return r.db.Model(&payment.Payment{}).
		Where("id = ? AND status <> ?", id, payment.StatusCompleted).
		Updates(updates).Error
}

func (r *PaymentRepository) CompleteByCheckoutID(checkoutRequestID string, update paymentpkg.TerminalUpdate) (bool, error) {
	merged, err := r.mergedDetails("checkout_request_id = ?", []interface{}{checkoutRequestID}, update.Details)
	if err != nil {
		return false, err
	}

	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]interface{}{
		"status":          payment.StatusCompleted,
		"status_message":  update.Message,
		"payment_details": merged,
		"completed_at":    at,
		"updated_at":      at,
	}
	if update.ReceiptNumber != "" {
		updates["receipt_number"] = update.ReceiptNumber
	}

	res := r.db.Model(&payment.Payment{}).
		Where("checkout_request_id = ? AND status IN ?", checkoutRequestID, nonTerminalGatewayStates).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) && update.ReceiptNumber != "" {
			// The receipt column is already owned by another payment; the
			// completion still applies, with the receipt kept only in the
			// details blob.
			delete(updates, "receipt_number")
			res = r.db.Model(&payment.Payment{}).
				Where("checkout_request_id = ? AND status IN ?", checkoutRequestID, nonTerminalGatewayStates).
				Updates(updates)
			if res.Error != nil {
				return false, res.Error
			}
			return res.RowsAffected > 0, nil
		}
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (r *PaymentRepository) FailByCheckoutID(checkoutRequestID string, update paymentpkg.TerminalUpdate) (bool, error) {
	merged, err := r.mergedDetails("checkout_request_id = ?", []interface{}{checkoutRequestID}, update.Details)
	if err != nil {
		return false, err
	}

	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	res := r.db.Model(&payment.Payment{}).
		Where("checkout_request_id = ? AND status IN ?", checkoutRequestID, nonTerminalGatewayStates).
		Updates(map[string]interface{}{
			"status":          payment.StatusFailed,
			"status_message":  update.Message,
			"payment_details": merged,
			"failed_at":       at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (r *PaymentRepository) ClaimReceipt(id int64, receiptNumber, message string) error {
	now := time.Now().UTC()

	res := r.db.Model(&payment.Payment{}).
		Where("id = ? AND status = ?", id, payment.StatusPendingVerification).
		Updates(map[string]interface{}{
			"status":         payment.StatusCompleted,
			"status_message": message,
			"receipt_number": receiptNumber,
			"completed_at":   now,
			"updated_at":     now,
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return internal.ErrDuplicateReceipt
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *PaymentRepository) ListStuckProcessing(olderThan time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.
		Where("status = ? AND processed_at < ?", payment.StatusProcessing, olderThan).
		Order("processed_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// mergedDetails loads the current payment_details blob for the addressed row
// and merges the new top-level keys into it. The blob is append-only: callers
// add keys, nothing is ever dropped. The subsequent conditional UPDATE is
// what makes the read-merge-write safe under concurrency.
func (r *PaymentRepository) mergedDetails(where string, args []interface{}, incoming json.RawMessage) (json.RawMessage, error) {
	if incoming == nil {
		incoming = json.RawMessage("{}")
	}

	var p payment.Payment
	err := r.db.Select("payment_details").Where(where, args...).First(&p).Error
	if err != nil {
		return nil, err
	}

	existing := map[string]json.RawMessage{}
	if len(p.PaymentDetails) > 0 {
		if err := json.Unmarshal(p.PaymentDetails, &existing); err != nil {
			// Unparseable blob: keep it under a recovery key rather than lose it.
			existing = map[string]json.RawMessage{"_previous": p.PaymentDetails}
		}
	}

	updates := map[string]json.RawMessage{}
	if err := json.Unmarshal(incoming, &updates); err != nil {
		return nil, err
	}
	for k, v := range updates {
		existing[k] = v
	}

	return json.Marshal(existing)
}
