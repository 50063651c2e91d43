package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	internal "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
	"github.com/helmetads/payment-service/internal/core/events"
	"github.com/helmetads/payment-service/internal/mpesa"
	paymentPkg "github.com/helmetads/payment-service/internal/payment"
)

func TestPayment(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Payment Module Suite")
}

// Mock repository for testing. It reproduces the storage-layer guarantees the
// service relies on: conditional terminal transitions and receipt uniqueness.
type mockPaymentRepository struct {
	mu          sync.Mutex
	nextID      int64
	payments    map[int64]*payment.Payment
	byCheckout  map[string]int64
	receipts    map[string]int64
	createError error

	// precheckBlind makes ReceiptInUse always answer false, forcing
	// duplicate detection down to the ClaimReceipt unique-index path.
	precheckBlind bool
}

func newMockPaymentRepository() *mockPaymentRepository {
	return &mockPaymentRepository{
		payments:   make(map[int64]*payment.Payment),
		byCheckout: make(map[string]int64),
		receipts:   make(map[string]int64),
	}
}

func (m *mockPaymentRepository) Create(p *payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createError != nil {
		return m.createError
	}
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	clone := *p
	m.payments[p.ID] = &clone
	return nil
}

func (m *mockPaymentRepository) GetByReference(reference string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Reference == reference {
			clone := *p
			return &clone, nil
		}
	}
	return nil, errors.New("payment not found")
}

func (m *mockPaymentRepository) GetForAdvertiser(advertiserID int64, reference string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Reference == reference && p.AdvertiserID == advertiserID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, errors.New("payment not found")
}

func (m *mockPaymentRepository) GetByCheckoutRequestID(checkoutRequestID string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, errors.New("payment not found")
	}
	clone := *m.payments[id]
	return &clone, nil
}

func (m *mockPaymentRepository) ReceiptInUse(receiptNumber string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.precheckBlind {
		return false, nil
	}
	_, used := m.receipts[receiptNumber]
	return used, nil
}

func (m *mockPaymentRepository) RecordGatewayAck(id int64, details json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errors.New("payment not found")
	}
	now := time.Now()
	p.PaymentDetails = details
	p.ProcessedAt = &now
	return nil
}

func (m *mockPaymentRepository) MarkProcessing(id int64, merchantRequestID, checkoutRequestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errors.New("payment not found")
	}
	p.Status = payment.StatusProcessing
	p.MerchantRequestID = &merchantRequestID
	p.CheckoutRequestID = &checkoutRequestID
	m.byCheckout[checkoutRequestID] = id
	return nil
}

func (m *mockPaymentRepository) MarkFailed(id int64, message string, details json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errors.New("payment not found")
	}
	if p.Status == payment.StatusCompleted {
		return errors.New("cannot fail a completed payment")
	}
	now := time.Now()
	p.Status = payment.StatusFailed
	p.StatusMessage = message
	p.FailedAt = &now
	if details != nil {
		p.PaymentDetails = details
	}
	return nil
}

func (m *mockPaymentRepository) CompleteByCheckoutID(checkoutRequestID string, update paymentPkg.TerminalUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return false, nil
	}
	p := m.payments[id]
	if p.Status != payment.StatusPending && p.Status != payment.StatusProcessing {
		return false, nil
	}
	p.Status = payment.StatusCompleted
	p.StatusMessage = update.Message
	p.PaymentDetails = update.Details
	at := update.At
	p.CompletedAt = &at
	if update.ReceiptNumber != "" {
		if _, taken := m.receipts[update.ReceiptNumber]; !taken {
			receipt := update.ReceiptNumber
			p.ReceiptNumber = &receipt
			m.receipts[receipt] = id
		}
	}
	return true, nil
}

func (m *mockPaymentRepository) FailByCheckoutID(checkoutRequestID string, update paymentPkg.TerminalUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return false, nil
	}
	p := m.payments[id]
	if p.Status != payment.StatusPending && p.Status != payment.StatusProcessing {
		return false, nil
	}
	at := update.At
	p.Status = payment.StatusFailed
	p.StatusMessage = update.Message
	p.PaymentDetails = update.Details
	p.FailedAt = &at
	return true, nil
}

func (m *mockPaymentRepository) ClaimReceipt(id int64, receiptNumber, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return errors.New("payment not found")
	}
	if p.Status != payment.StatusPendingVerification {
		return errors.New("payment not awaiting verification")
	}
	if _, taken := m.receipts[receiptNumber]; taken {
		return internal.ErrDuplicateReceipt
	}
	now := time.Now()
	p.Status = payment.StatusCompleted
	p.StatusMessage = message
	p.ReceiptNumber = &receiptNumber
	p.CompletedAt = &now
	m.receipts[receiptNumber] = id
	return nil
}

func (m *mockPaymentRepository) ListStuckProcessing(olderThan time.Time, limit int) ([]*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stuck []*payment.Payment
	for _, p := range m.payments {
		if p.Status == payment.StatusProcessing && p.ProcessedAt != nil && p.ProcessedAt.Before(olderThan) && len(stuck) < limit {
			clone := *p
			stuck = append(stuck, &clone)
		}
	}
	return stuck, nil
}

func (m *mockPaymentRepository) get(id int64) *payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *m.payments[id]
	return &clone
}

// Mock gateway for testing
type mockGateway struct {
	tokenError error
	pushResp   *mpesa.STKPushResponse
	pushError  error
	queryResp  *mpesa.STKQueryResponse
	queryError error

	pushCalls  int
	lastAmount int64
	lastMSISDN string
}

func (g *mockGateway) AccessToken(ctx context.Context) (string, error) {
	if g.tokenError != nil {
		return "", g.tokenError
	}
	return "test-token", nil
}

func (g *mockGateway) STKPush(ctx context.Context, token string, amount int64, msisdn, accountRef, description string) (*mpesa.STKPushResponse, error) {
	g.pushCalls++
	g.lastAmount = amount
	g.lastMSISDN = msisdn
	if g.pushError != nil {
		return nil, g.pushError
	}
	return g.pushResp, nil
}

func (g *mockGateway) STKQuery(ctx context.Context, token, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	if g.queryError != nil {
		return nil, g.queryError
	}
	return g.queryResp, nil
}

// Recording publisher for testing
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

func successCallback(checkoutRequestID, receipt string, amount float64) []byte {
	body := fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": %v},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "TransactionDate", "Value": 20260815171259},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, checkoutRequestID, amount, receipt)
	return []byte(body)
}

func failureCallback(checkoutRequestID string) []byte {
	body := fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": %q,
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, checkoutRequestID)
	return []byte(body)
}

var _ = Describe("PaymentService", func() {
	var (
		service   *paymentPkg.Service
		mockRepo  *mockPaymentRepository
		gateway   *mockGateway
		publisher *recordingPublisher
		logger    *slog.Logger
		ctx       context.Context
	)

	acceptedPush := func(checkoutID string) *mpesa.STKPushResponse {
		return &mpesa.STKPushResponse{
			MerchantRequestID:   "merchant-1",
			CheckoutRequestID:   checkoutID,
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
			CustomerMessage:     "Success. Request accepted for processing",
		}
	}

	BeforeEach(func() {
		mockRepo = newMockPaymentRepository()
		gateway = &mockGateway{}
		publisher = &recordingPublisher{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		ctx = context.Background()

		service = paymentPkg.NewService(mockRepo, gateway, publisher, "HelmetAds", logger)
	})

	Describe("InitiateSTKPush", func() {
		Context("when the gateway accepts the push", func() {
			It("should leave the payment in processing with gateway identifiers", func() {
				// Given
				gateway.pushResp = acceptedPush("ws_CO_123")
				req := &paymentPkg.InitiateSTKPushRequest{
					AdvertiserID: 42,
					Amount:       decimal.NewFromInt(500),
					PhoneNumber:  "0712345678",
				}

				// When
				result := service.InitiateSTKPush(ctx, req)

				// Then
				Expect(result.Success).To(BeTrue())
				Expect(result.Reference).To(HavePrefix("HAP-"))
				Expect(result.CheckoutRequestID).To(Equal("ws_CO_123"))

				record := mockRepo.get(result.PaymentID)
				Expect(record.Status).To(Equal(payment.StatusProcessing))
				Expect(record.PhoneNumber).To(Equal("254712345678"))
				Expect(*record.CheckoutRequestID).To(Equal("ws_CO_123"))
				Expect(*record.MerchantRequestID).To(Equal("merchant-1"))

				// push carried the normalized msisdn and the integer amount
				Expect(gateway.lastMSISDN).To(Equal("254712345678"))
				Expect(gateway.lastAmount).To(Equal(int64(500)))
			})
		})

		Context("when the phone number is malformed", func() {
			It("should reject without creating a record or touching the gateway", func() {
				req := &paymentPkg.InitiateSTKPushRequest{
					AdvertiserID: 42,
					Amount:       decimal.NewFromInt(500),
					PhoneNumber:  "12345",
				}

				result := service.InitiateSTKPush(ctx, req)

				Expect(result.Success).To(BeFalse())
				Expect(result.Code).To(Equal(internal.ErrCodeInvalidPhoneFormat))
				Expect(mockRepo.payments).To(BeEmpty())
				Expect(gateway.pushCalls).To(BeZero())
			})
		})

		Context("when token acquisition fails", func() {
			It("should report the gateway unavailable without creating a record", func() {
				gateway.tokenError = errors.New("connection refused")
				req := &paymentPkg.InitiateSTKPushRequest{
					AdvertiserID: 42,
					Amount:       decimal.NewFromInt(500),
					PhoneNumber:  "0712345678",
				}

				result := service.InitiateSTKPush(ctx, req)

				Expect(result.Success).To(BeFalse())
				Expect(result.Code).To(Equal(internal.ErrCodeGatewayUnavailable))
				Expect(result.Message).To(Equal("token acquisition failed"))
				Expect(mockRepo.payments).To(BeEmpty())
			})
		})

		Context("when the push request dies on the network", func() {
			It("should fail the record and keep its reference in the result", func() {
				gateway.pushError = errors.New("dial tcp: i/o timeout")
				req := &paymentPkg.InitiateSTKPushRequest{
					AdvertiserID: 42,
					Amount:       decimal.NewFromInt(500),
					PhoneNumber:  "0712345678",
				}

				result := service.InitiateSTKPush(ctx, req)

				Expect(result.Success).To(BeFalse())
				Expect(result.Code).To(Equal(internal.ErrCodeGatewayUnavailable))
				Expect(result.Reference).ToNot(BeEmpty())

				record := mockRepo.get(result.PaymentID)
				Expect(record.Status).To(Equal(payment.StatusFailed))
			})
		})

		Context("when the provider rejects the push", func() {
			It("should fail the record with the provider's description", func() {
				gateway.pushResp = &mpesa.STKPushResponse{
					ResponseCode:        "1",
					ResponseDescription: "Invalid Amount",
				}
				req := &paymentPkg.InitiateSTKPushRequest{
					AdvertiserID: 42,
					Amount:       decimal.NewFromInt(500),
					PhoneNumber:  "254712345678",
				}

				result := service.InitiateSTKPush(ctx, req)

				Expect(result.Success).To(BeFalse())
				Expect(result.Code).To(Equal(internal.ErrCodeProviderRejected))
				Expect(result.Message).To(Equal("Invalid Amount"))

				record := mockRepo.get(result.PaymentID)
				Expect(record.Status).To(Equal(payment.StatusFailed))
			})
		})

		Context("when the amount is not positive", func() {
			It("should reject with a validation failure", func() {
				req := &paymentPkg.InitiateSTKPushRequest{
					AdvertiserID: 42,
					Amount:       decimal.NewFromInt(-5),
					PhoneNumber:  "0712345678",
				}

				result := service.InitiateSTKPush(ctx, req)

				Expect(result.Success).To(BeFalse())
				Expect(mockRepo.payments).To(BeEmpty())
			})
		})
	})

	Describe("ProcessCallback", func() {
		var paymentID int64

		BeforeEach(func() {
			// a processing payment awaiting its callback
			gateway.pushResp = acceptedPush("ws_CO_500")
			result := service.InitiateSTKPush(ctx, &paymentPkg.InitiateSTKPushRequest{
				AdvertiserID: 42,
				Amount:       decimal.NewFromInt(500),
				PhoneNumber:  "0712345678",
			})
			Expect(result.Success).To(BeTrue())
			paymentID = result.PaymentID
		})

		Context("when a success callback arrives", func() {
			It("should complete the payment, record the receipt and publish an event", func() {
				accepted := service.ProcessCallback(ctx, successCallback("ws_CO_500", "SGR7T1KDNM", 500))

				Expect(accepted).To(BeTrue())

				record := mockRepo.get(paymentID)
				Expect(record.Status).To(Equal(payment.StatusCompleted))
				Expect(*record.ReceiptNumber).To(Equal("SGR7T1KDNM"))
				Expect(record.CompletedAt).ToNot(BeNil())

				published := publisher.published()
				Expect(published).To(HaveLen(1))
				Expect(published[0].EventType()).To(Equal(events.EventTypePaymentCompleted))
			})
		})

		Context("when the same callback is delivered twice", func() {
			It("should acknowledge the duplicate without a second transition or event", func() {
				first := service.ProcessCallback(ctx, successCallback("ws_CO_500", "SGR7T1KDNM", 500))
				second := service.ProcessCallback(ctx, successCallback("ws_CO_500", "SGR7T1KDNM", 500))

				Expect(first).To(BeTrue())
				Expect(second).To(BeTrue())

				record := mockRepo.get(paymentID)
				Expect(record.Status).To(Equal(payment.StatusCompleted))
				Expect(publisher.published()).To(HaveLen(1))
			})
		})

		Context("when a failure callback arrives", func() {
			It("should fail the payment with the provider's description", func() {
				accepted := service.ProcessCallback(ctx, failureCallback("ws_CO_500"))

				Expect(accepted).To(BeTrue())

				record := mockRepo.get(paymentID)
				Expect(record.Status).To(Equal(payment.StatusFailed))
				Expect(record.StatusMessage).To(Equal("Request cancelled by user"))

				published := publisher.published()
				Expect(published).To(HaveLen(1))
				Expect(published[0].EventType()).To(Equal(events.EventTypePaymentFailed))
			})
		})

		Context("when the callback matches no payment", func() {
			It("should report it as not applied", func() {
				accepted := service.ProcessCallback(ctx, successCallback("ws_CO_unknown", "SGR7T1KDNM", 500))

				Expect(accepted).To(BeFalse())
				Expect(publisher.published()).To(BeEmpty())
			})
		})

		Context("when the body is not a callback at all", func() {
			It("should report it as not applied", func() {
				Expect(service.ProcessCallback(ctx, []byte(`not json`))).To(BeFalse())
				Expect(service.ProcessCallback(ctx, []byte(`{"Body":{}}`))).To(BeFalse())
			})
		})

		Context("when the success callback carries no receipt", func() {
			It("should still complete the payment", func() {
				body := []byte(fmt.Sprintf(`{
					"Body": {
						"stkCallback": {
							"CheckoutRequestID": %q,
							"ResultCode": 0,
							"ResultDesc": "Processed"
						}
					}
				}`, "ws_CO_500"))

				Expect(service.ProcessCallback(ctx, body)).To(BeTrue())

				record := mockRepo.get(paymentID)
				Expect(record.Status).To(Equal(payment.StatusCompleted))
				Expect(record.ReceiptNumber).To(BeNil())
			})
		})
	})

	Describe("VerifyManualReceipt", func() {
		Context("when the receipt is well formed and unused", func() {
			It("should complete the payment immediately", func() {
				req := &paymentPkg.VerifyReceiptRequest{
					AdvertiserID:  42,
					ReceiptNumber: "SGR7T1KDNM",
					Amount:        decimal.NewFromInt(1200),
					PhoneNumber:   "0712345678",
				}

				result := service.VerifyManualReceipt(ctx, req)

				Expect(result.Success).To(BeTrue())
				Expect(result.ReceiptNumber).To(Equal("SGR7T1KDNM"))

				record := mockRepo.get(result.PaymentID)
				Expect(record.Status).To(Equal(payment.StatusCompleted))
				Expect(*record.ReceiptNumber).To(Equal("SGR7T1KDNM"))

				published := publisher.published()
				Expect(published).To(HaveLen(1))
				Expect(published[0].EventType()).To(Equal(events.EventTypePaymentCompleted))
			})
		})

		Context("when the receipt format is invalid", func() {
			It("should fail the created record and return its reference", func() {
				req := &paymentPkg.VerifyReceiptRequest{
					AdvertiserID:  42,
					ReceiptNumber: "123BADSTART",
					Amount:        decimal.NewFromInt(1200),
					PhoneNumber:   "0712345678",
				}

				result := service.VerifyManualReceipt(ctx, req)

				Expect(result.Success).To(BeFalse())
				Expect(result.Code).To(Equal(internal.ErrCodeInvalidReceiptFormat))
				Expect(result.Reference).ToNot(BeEmpty())

				record, err := mockRepo.GetByReference(result.Reference)
				Expect(err).ToNot(HaveOccurred())
				Expect(record.Status).To(Equal(payment.StatusFailed))
				Expect(publisher.published()).To(BeEmpty())
			})
		})

		Context("when the receipt was already used", func() {
			It("should reject before creating a record", func() {
				first := service.VerifyManualReceipt(ctx, &paymentPkg.VerifyReceiptRequest{
					AdvertiserID:  42,
					ReceiptNumber: "SGR7T1KDNM",
					Amount:        decimal.NewFromInt(1200),
					PhoneNumber:   "0712345678",
				})
				Expect(first.Success).To(BeTrue())

				recordsBefore := len(mockRepo.payments)
				second := service.VerifyManualReceipt(ctx, &paymentPkg.VerifyReceiptRequest{
					AdvertiserID:  99,
					ReceiptNumber: "SGR7T1KDNM",
					Amount:        decimal.NewFromInt(800),
					PhoneNumber:   "0798765432",
				})

				Expect(second.Success).To(BeFalse())
				Expect(second.Code).To(Equal(internal.ErrCodeDuplicateReceipt))
				Expect(mockRepo.payments).To(HaveLen(recordsBefore))
			})
		})

		Context("when two requests race for the same receipt", func() {
			It("should let the unique index pick exactly one winner and fail the loser's record", func() {
				// both submissions pass the fast-path check; the claim decides
				mockRepo.precheckBlind = true

				results := make([]*paymentPkg.Result, 2)
				var wg sync.WaitGroup
				for i := 0; i < 2; i++ {
					wg.Add(1)
					go func(slot int) {
						defer GinkgoRecover()
						defer wg.Done()
						results[slot] = service.VerifyManualReceipt(ctx, &paymentPkg.VerifyReceiptRequest{
							AdvertiserID:  int64(42 + slot),
							ReceiptNumber: "SGR7T1KDNM",
							Amount:        decimal.NewFromInt(1200),
							PhoneNumber:   "0712345678",
						})
					}(i)
				}
				wg.Wait()

				winner, loser := results[0], results[1]
				if !winner.Success {
					winner, loser = loser, winner
				}

				Expect(winner.Success).To(BeTrue())
				Expect(winner.ReceiptNumber).To(Equal("SGR7T1KDNM"))

				Expect(loser.Success).To(BeFalse())
				Expect(loser.Code).To(Equal(internal.ErrCodeDuplicateReceipt))

				record, err := mockRepo.GetByReference(loser.Reference)
				Expect(err).ToNot(HaveOccurred())
				Expect(record.Status).To(Equal(payment.StatusFailed))
			})
		})
	})

	Describe("QueryPaymentStatus", func() {
		It("should pass the gateway answer through without touching records", func() {
			gateway.queryResp = &mpesa.STKQueryResponse{
				ResponseCode: "0",
				ResultCode:   "0",
				ResultDesc:   "The service request is processed successfully.",
			}

			resp, err := service.QueryPaymentStatus(ctx, "ws_CO_123")

			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Succeeded()).To(BeTrue())
			Expect(mockRepo.payments).To(BeEmpty())
		})

		It("should surface gateway errors", func() {
			gateway.queryError = errors.New("dial tcp: i/o timeout")

			_, err := service.QueryPaymentStatus(ctx, "ws_CO_123")

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GetPayment", func() {
		It("should scope lookups to the owning advertiser", func() {
			gateway.pushResp = acceptedPush("ws_CO_700")
			result := service.InitiateSTKPush(ctx, &paymentPkg.InitiateSTKPushRequest{
				AdvertiserID: 42,
				Amount:       decimal.NewFromInt(500),
				PhoneNumber:  "0712345678",
			})
			Expect(result.Success).To(BeTrue())

			record, err := service.GetPayment(ctx, 42, result.Reference)
			Expect(err).ToNot(HaveOccurred())
			Expect(record.Reference).To(Equal(result.Reference))

			_, err = service.GetPayment(ctx, 99, result.Reference)
			Expect(err).To(Equal(internal.ErrPaymentNotFound))
		})
	})

	Describe("ReconcileFromQuery", func() {
		var record *payment.Payment

		BeforeEach(func() {
			gateway.pushResp = acceptedPush("ws_CO_900")
			result := service.InitiateSTKPush(ctx, &paymentPkg.InitiateSTKPushRequest{
				AdvertiserID: 42,
				Amount:       decimal.NewFromInt(500),
				PhoneNumber:  "0712345678",
			})
			Expect(result.Success).To(BeTrue())
			record = mockRepo.get(result.PaymentID)
			publisher.events = nil
		})

		Context("when the query confirms completion", func() {
			It("should complete the payment and publish an event", func() {
				gateway.queryResp = &mpesa.STKQueryResponse{
					ResponseCode: "0",
					ResultCode:   "0",
					ResultDesc:   "The service request is processed successfully.",
				}

				outcome, err := service.ReconcileFromQuery(ctx, record)

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.ReconcileCompleted))
				Expect(mockRepo.get(record.ID).Status).To(Equal(payment.StatusCompleted))
				Expect(publisher.published()).To(HaveLen(1))
			})
		})

		Context("when the query reports a failure", func() {
			It("should fail the payment with the provider's description", func() {
				gateway.queryResp = &mpesa.STKQueryResponse{
					ResponseCode: "0",
					ResultCode:   "1032",
					ResultDesc:   "Request cancelled by user",
				}

				outcome, err := service.ReconcileFromQuery(ctx, record)

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.ReconcileFailed))

				updated := mockRepo.get(record.ID)
				Expect(updated.Status).To(Equal(payment.StatusFailed))
				Expect(updated.StatusMessage).To(Equal("Request cancelled by user"))
			})
		})

		Context("when the transaction is still in flight", func() {
			It("should leave the payment untouched", func() {
				gateway.queryResp = &mpesa.STKQueryResponse{
					ErrorCode:    "500.001.1001",
					ErrorMessage: "The transaction is being processed",
				}

				outcome, err := service.ReconcileFromQuery(ctx, record)

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.ReconcilePending))
				Expect(mockRepo.get(record.ID).Status).To(Equal(payment.StatusProcessing))
			})
		})

		Context("when a callback settled the payment first", func() {
			It("should lose the compare-and-set quietly", func() {
				Expect(service.ProcessCallback(ctx, successCallback("ws_CO_900", "SGR7T1KDNM", 500))).To(BeTrue())
				publisher.events = nil

				gateway.queryResp = &mpesa.STKQueryResponse{
					ResponseCode: "0",
					ResultCode:   "0",
				}

				outcome, err := service.ReconcileFromQuery(ctx, record)

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.ReconcileCompleted))
				// no second event for a payment the callback already settled
				Expect(publisher.published()).To(BeEmpty())
				Expect(*mockRepo.get(record.ID).ReceiptNumber).To(Equal("SGR7T1KDNM"))
			})
		})

		Context("when the payment never reached the gateway", func() {
			It("should be skipped", func() {
				outcome, err := service.ReconcileFromQuery(ctx, &payment.Payment{ID: 77})

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal(paymentPkg.ReconcileSkipped))
			})
		})
	})
})

var _ = Describe("NormalizeMSISDN", func() {
	It("should accept the canonical 254 form", func() {
		msisdn, err := paymentPkg.NormalizeMSISDN("254712345678")
		Expect(err).To(BeNil())
		Expect(msisdn).To(Equal("254712345678"))
	})

	It("should convert the local 07 form", func() {
		msisdn, err := paymentPkg.NormalizeMSISDN("0712345678")
		Expect(err).To(BeNil())
		Expect(msisdn).To(Equal("254712345678"))
	})

	It("should convert the bare 9-digit form", func() {
		msisdn, err := paymentPkg.NormalizeMSISDN("712345678")
		Expect(err).To(BeNil())
		Expect(msisdn).To(Equal("254712345678"))
	})

	It("should strip separators before deciding", func() {
		msisdn, err := paymentPkg.NormalizeMSISDN("+254 712-345-678")
		Expect(err).To(BeNil())
		Expect(msisdn).To(Equal("254712345678"))
	})

	It("should reject everything else", func() {
		for _, input := range []string{"", "12345", "0812345678x01", "25571234567", "07123456789"} {
			_, err := paymentPkg.NormalizeMSISDN(input)
			Expect(err).ToNot(BeNil(), "input %q", input)
			Expect(err.Code).To(Equal(internal.ErrCodeInvalidPhoneFormat))
		}
	})
})

var _ = Describe("ValidReceiptFormat", func() {
	It("should accept canonical M-Pesa receipt codes", func() {
		for _, receipt := range []string{"SGR7T1KDNM", "QK12345678", "ab12345678", "NLJ7RT61SVXXXXXX"} {
			Expect(paymentPkg.ValidReceiptFormat(receipt)).To(BeTrue(), "receipt %q", receipt)
		}
	})

	It("should reject malformed codes", func() {
		for _, receipt := range []string{"", "S1", "1GR7T1KDNM", "SG", "SGR7T1!DNM", "SGR7T1KDNMSGR7T1KDNMX"} {
			Expect(paymentPkg.ValidReceiptFormat(receipt)).To(BeFalse(), "receipt %q", receipt)
		}
	})
})
