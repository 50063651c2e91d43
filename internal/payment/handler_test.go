package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"

	internal "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/auth"
	"github.com/helmetads/payment-service/internal/core/datamodel/advertiser"
	"github.com/helmetads/payment-service/internal/core/datamodel/payment"
	"github.com/helmetads/payment-service/internal/mpesa"
	paymentPkg "github.com/helmetads/payment-service/internal/payment"
	"github.com/helmetads/payment-service/internal/transport"
)

// Stub service for handler tests
type stubPaymentService struct {
	initiateResult *paymentPkg.Result
	verifyResult   *paymentPkg.Result
	callbackResult bool
	callbackBody   []byte
	queryResp      *mpesa.STKQueryResponse
	queryError     error
	getPayment     *payment.Payment
	getError       error
}

func (s *stubPaymentService) InitiateSTKPush(ctx context.Context, req *paymentPkg.InitiateSTKPushRequest) *paymentPkg.Result {
	return s.initiateResult
}

func (s *stubPaymentService) ProcessCallback(ctx context.Context, rawBody []byte) bool {
	s.callbackBody = rawBody
	return s.callbackResult
}

func (s *stubPaymentService) VerifyManualReceipt(ctx context.Context, req *paymentPkg.VerifyReceiptRequest) *paymentPkg.Result {
	return s.verifyResult
}

func (s *stubPaymentService) QueryPaymentStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	return s.queryResp, s.queryError
}

func (s *stubPaymentService) GetPayment(ctx context.Context, advertiserID int64, reference string) (*payment.Payment, error) {
	if s.getError != nil {
		return nil, s.getError
	}
	return s.getPayment, nil
}

func (s *stubPaymentService) ReconcileFromQuery(ctx context.Context, p *payment.Payment) (paymentPkg.ReconcileOutcome, error) {
	return paymentPkg.ReconcileSkipped, nil
}

var _ = Describe("PaymentHandler", func() {
	var (
		handler *paymentPkg.Handler
		stub    *stubPaymentService
		logger  *slog.Logger
		adv     *advertiser.Advertiser
	)

	authedRequest := func(method, target string, body []byte) *http.Request {
		req := httptest.NewRequest(method, target, bytes.NewReader(body))
		return req.WithContext(auth.ContextWithAdvertiser(req.Context(), adv))
	}

	BeforeEach(func() {
		stub = &stubPaymentService{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		adv = &advertiser.Advertiser{ID: 42, Name: "Nairobi Boda Network", IsActive: true}
		handler = paymentPkg.NewHandler(transport.NewBaseHandler(logger), stub, logger)
	})

	Describe("InitiateSTKPush", func() {
		Context("when the service accepts the push", func() {
			It("should answer 200 with the result", func() {
				stub.initiateResult = &paymentPkg.Result{
					Success:           true,
					Reference:         "HAP-AAAA2222-1",
					CheckoutRequestID: "ws_CO_123",
				}

				body, _ := json.Marshal(map[string]interface{}{
					"amount":       500,
					"phone_number": "0712345678",
				})
				rec := httptest.NewRecorder()
				handler.InitiateSTKPush(rec, authedRequest(http.MethodPost, "/api/v1/payments/stkpush", body))

				Expect(rec.Code).To(Equal(http.StatusOK))

				var result paymentPkg.Result
				Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
				Expect(result.Success).To(BeTrue())
				Expect(result.Reference).To(Equal("HAP-AAAA2222-1"))
			})
		})

		Context("when the result carries a failure code", func() {
			It("should map phone failures to 400", func() {
				stub.initiateResult = &paymentPkg.Result{Success: false, Code: internal.ErrCodeInvalidPhoneFormat}

				rec := httptest.NewRecorder()
				handler.InitiateSTKPush(rec, authedRequest(http.MethodPost, "/api/v1/payments/stkpush", []byte(`{"amount":500,"phone_number":"bad"}`)))

				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})

			It("should map gateway unavailability to 502", func() {
				stub.initiateResult = &paymentPkg.Result{Success: false, Code: internal.ErrCodeGatewayUnavailable}

				rec := httptest.NewRecorder()
				handler.InitiateSTKPush(rec, authedRequest(http.MethodPost, "/api/v1/payments/stkpush", []byte(`{"amount":500,"phone_number":"0712345678"}`)))

				Expect(rec.Code).To(Equal(http.StatusBadGateway))
			})

			It("should map provider rejections to 422", func() {
				stub.initiateResult = &paymentPkg.Result{Success: false, Code: internal.ErrCodeProviderRejected}

				rec := httptest.NewRecorder()
				handler.InitiateSTKPush(rec, authedRequest(http.MethodPost, "/api/v1/payments/stkpush", []byte(`{"amount":500,"phone_number":"0712345678"}`)))

				Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		Context("when no advertiser is in context", func() {
			It("should answer 401", func() {
				rec := httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/stkpush", bytes.NewReader([]byte(`{}`)))
				handler.InitiateSTKPush(rec, req)

				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			})
		})

		Context("when the body is not JSON", func() {
			It("should answer 400", func() {
				rec := httptest.NewRecorder()
				handler.InitiateSTKPush(rec, authedRequest(http.MethodPost, "/api/v1/payments/stkpush", []byte(`{broken`)))

				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("VerifyReceipt", func() {
		It("should map duplicate receipts to 409", func() {
			stub.verifyResult = &paymentPkg.Result{Success: false, Code: internal.ErrCodeDuplicateReceipt}

			rec := httptest.NewRecorder()
			handler.VerifyReceipt(rec, authedRequest(http.MethodPost, "/api/v1/payments/verify-receipt", []byte(`{"receipt_number":"SGR7T1KDNM","amount":500,"phone_number":"0712345678"}`)))

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})

		It("should answer 200 on success", func() {
			stub.verifyResult = &paymentPkg.Result{Success: true, Reference: "HAP-AAAA2222-1", ReceiptNumber: "SGR7T1KDNM"}

			rec := httptest.NewRecorder()
			handler.VerifyReceipt(rec, authedRequest(http.MethodPost, "/api/v1/payments/verify-receipt", []byte(`{"receipt_number":"SGR7T1KDNM","amount":500,"phone_number":"0712345678"}`)))

			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("GetPayment", func() {
		It("should render the payment view", func() {
			stub.getPayment = &payment.Payment{
				Reference: "HAP-AAAA2222-1",
				Status:    payment.StatusCompleted,
				Amount:    decimal.NewFromInt(500),
				Currency:  "KES",
			}

			router := chi.NewRouter()
			router.Get("/api/v1/payments/{reference}", handler.GetPayment)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/payments/HAP-AAAA2222-1", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))

			var view paymentPkg.PaymentView
			Expect(json.Unmarshal(rec.Body.Bytes(), &view)).To(Succeed())
			Expect(view.Reference).To(Equal("HAP-AAAA2222-1"))
			Expect(view.Status).To(Equal(payment.StatusCompleted))
		})

		It("should answer 404 for unknown references", func() {
			stub.getError = internal.ErrPaymentNotFound

			router := chi.NewRouter()
			router.Get("/api/v1/payments/{reference}", handler.GetPayment)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/payments/HAP-MISSING1-1", nil))

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("QueryStatus", func() {
		It("should pass the gateway answer through", func() {
			stub.queryResp = &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "0"}

			router := chi.NewRouter()
			router.Get("/api/v1/payments/status/{checkoutRequestId}", handler.QueryStatus)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/payments/status/ws_CO_123", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp mpesa.STKQueryResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Succeeded()).To(BeTrue())
		})

		It("should answer 502 when the gateway is unreachable", func() {
			stub.queryError = internal.NewExternalError("payment gateway unreachable", internal.ErrCodeGatewayUnavailable, nil)

			router := chi.NewRouter()
			router.Get("/api/v1/payments/status/{checkoutRequestId}", handler.QueryStatus)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/payments/status/ws_CO_123", nil))

			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})
	})
})

var _ = Describe("WebhookHandler", func() {
	var (
		handler *paymentPkg.WebhookHandler
		stub    *stubPaymentService
	)

	BeforeEach(func() {
		stub = &stubPaymentService{}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		handler = paymentPkg.NewWebhookHandler(stub, logger)
	})

	It("should hand the raw body to the service and acknowledge", func() {
		stub.callbackResult = true
		body := successCallback("ws_CO_123", "SGR7T1KDNM", 500)

		rec := httptest.NewRecorder()
		handler.HandleCallback(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader(body)))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.callbackBody).To(Equal(body))

		var ack map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack["ResultCode"]).To(BeEquivalentTo(0))
		Expect(ack["ResultDesc"]).To(Equal("Accepted"))
	})

	It("should acknowledge even callbacks the service cannot reconcile", func() {
		stub.callbackResult = false

		rec := httptest.NewRecorder()
		handler.HandleCallback(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader([]byte(`not json`))))

		Expect(rec.Code).To(Equal(http.StatusOK))

		var ack map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack["ResultCode"]).To(BeEquivalentTo(0))
	})
})
