package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/helmetads/payment-service/internal/core/datamodel/advertiser"
)

// Claims are the JWT claims carried by advertiser access tokens.
type Claims struct {
	AdvertiserID int64  `json:"advertiser_id"`
	APIKey       string `json:"api_key"`
	jwt.RegisteredClaims
}

// TokenRequest is the credential-exchange payload.
type TokenRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse carries the issued bearer token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ServiceAPI performs advertiser authentication.
type ServiceAPI interface {
	IssueToken(req TokenRequest) (*TokenResponse, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// AdvertiserRepository looks up advertiser credentials.
type AdvertiserRepository interface {
	GetByAPIKey(apiKey string) (*advertiser.Advertiser, error)
	GetByID(id int64) (*advertiser.Advertiser, error)
}

type ctxKey string

const contextAdvertiserKey ctxKey = "advertiser"

func ContextWithAdvertiser(ctx context.Context, adv *advertiser.Advertiser) context.Context {
	return context.WithValue(ctx, contextAdvertiserKey, adv)
}

func AdvertiserFromContext(ctx context.Context) (*advertiser.Advertiser, bool) {
	adv, ok := ctx.Value(contextAdvertiserKey).(*advertiser.Advertiser)
	return adv, ok
}
