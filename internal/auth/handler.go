package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errors "github.com/helmetads/payment-service/internal"
	"github.com/helmetads/payment-service/internal/transport"
	"github.com/helmetads/payment-service/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	AuthService ServiceAPI
	Repo        AdvertiserRepository
	Logger      *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, authService ServiceAPI, repo AdvertiserRepository, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		AuthService: authService,
		Repo:        repo,
		Logger:      lg,
	}
}

// IssueToken handles POST /api/v1/auth/token
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("IssueToken: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.AuthService.IssueToken(req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// AuthMiddleware validates the bearer token and injects the advertiser into
// the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := h.ExtractTokenFromHeader(r)
		if tokenString == "" {
			h.HandleError(w, errors.NewUnauthorizedError("authentication required", errors.ErrCodeInvalidToken))
			return
		}

		claims, err := h.AuthService.ValidateToken(tokenString)
		if err != nil {
			h.HandleServiceError(w, err)
			return
		}

		adv, err := h.Repo.GetByID(claims.AdvertiserID)
		if err != nil || !adv.IsActive {
			h.HandleError(w, errors.ErrAdvertiserInactive)
			return
		}

		ctx := ContextWithAdvertiser(r.Context(), adv)
		ctx = logger.With(ctx, "advertiser_id", adv.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
