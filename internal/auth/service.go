package auth

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	errors "github.com/helmetads/payment-service/internal"
)

// Service exchanges advertiser API credentials for short-lived access tokens
// and validates tokens on inbound requests.
type Service struct {
	repo          AdvertiserRepository
	signingSecret []byte
	tokenDuration time.Duration
	logger        *slog.Logger
}

func NewService(repo AdvertiserRepository, signingSecret string, tokenDuration time.Duration, logger *slog.Logger) *Service {
	if tokenDuration <= 0 {
		tokenDuration = time.Hour
	}
	return &Service{
		repo:          repo,
		signingSecret: []byte(signingSecret),
		tokenDuration: tokenDuration,
		logger:        logger,
	}
}

func (s *Service) IssueToken(req TokenRequest) (*TokenResponse, error) {
	if req.APIKey == "" || req.APISecret == "" {
		return nil, errors.ErrInvalidCredentials
	}

	adv, err := s.repo.GetByAPIKey(req.APIKey)
	if err != nil {
		s.logger.Warn("token request for unknown api key", "api_key", req.APIKey)
		return nil, errors.ErrInvalidCredentials
	}

	if !adv.IsActive {
		return nil, errors.ErrAdvertiserInactive
	}

	if err := bcrypt.CompareHashAndPassword([]byte(adv.APISecretHash), []byte(req.APISecret)); err != nil {
		s.logger.Warn("token request with wrong secret", "api_key", req.APIKey)
		return nil, errors.ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(s.tokenDuration)
	claims := Claims{
		AdvertiserID: adv.ID,
		APIKey:       adv.APIKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", adv.ID),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		s.logger.Error("failed to sign access token", "error", err)
		return nil, errors.NewInternalError("failed to issue token", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokenDuration.Seconds()),
	}, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingSecret, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.AdvertiserID == 0 {
		return nil, errors.ErrInvalidToken
	}

	return claims, nil
}
