package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/helmetads/payment-service/internal/auth"
	"github.com/helmetads/payment-service/internal/payment"
	"github.com/helmetads/payment-service/internal/transport/middleware"
	"github.com/helmetads/payment-service/internal/transport/swagger"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, authHandler *auth.Handler, paymentHandler *payment.Handler, webhookHandler *payment.WebhookHandler, validator *middleware.OpenAPIValidator, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	if validator != nil {
		router.Use(validator.Middleware)
	}

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		// Health check routes
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Daraja calls back here; it cannot carry a bearer token
		if webhookHandler != nil {
			r.Post("/payments/callback", webhookHandler.HandleCallback)
		}

		// Auth routes
		if authHandler != nil {
			r.Route("/auth", func(sr chi.Router) {
				sr.Post("/token", authHandler.IssueToken)
			})
		}

		if authHandler != nil && paymentHandler != nil {
			// Protected routes that require authentication
			r.Group(func(pr chi.Router) {
				pr.Use(authHandler.AuthMiddleware)

				pr.Route("/payments", func(pmr chi.Router) {
					pmr.Post("/stkpush", paymentHandler.InitiateSTKPush)
					pmr.Post("/verify-receipt", paymentHandler.VerifyReceipt)
					pmr.Get("/status/{checkoutRequestId}", paymentHandler.QueryStatus)
					pmr.Get("/{reference}", paymentHandler.GetPayment)
				})
			})
		}
	})
}
