package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	internal "github.com/helmetads/payment-service/internal"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	transactionTypePayBill = "CustomerPayBillOnline"
)

// Config carries everything the client needs to talk to Daraja. All values
// are externally supplied; the client treats them as opaque.
type Config struct {
	Environment    string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	HTTPTimeout    time.Duration

	// BaseURL overrides the environment-derived URL; tests point it at a
	// local server.
	BaseURL string
}

// Client is a stateless Daraja adapter. It holds no state between calls,
// never retries, and converts every network or protocol error into an error
// return rather than a panic. Retry policy belongs to the caller.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Environment == "production" {
			baseURL = productionBaseURL
		} else {
			baseURL = sandboxBaseURL
		}
	}

	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// AccessToken performs the client-credentials token exchange. Provider-side
// failures come back as errors with the response details already logged.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("daraja token request failed", "error", err)
		return "", internal.NewExternalError("token acquisition failed", internal.ErrCodeGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("daraja token request rejected",
			"status_code", resp.StatusCode,
			"response", string(body))
		return "", internal.NewExternalError("token acquisition failed", internal.ErrCodeGatewayUnavailable,
			fmt.Errorf("token endpoint returned status %d", resp.StatusCode))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		c.logger.Error("daraja token response malformed", "response", string(body), "error", err)
		return "", internal.NewExternalError("token acquisition failed", internal.ErrCodeGatewayUnavailable,
			errors.New("malformed token response"))
	}

	return tok.AccessToken, nil
}

// STKPush issues the push request and returns the parsed body verbatim
// whatever the outcome, so the caller can persist it. A nil response means
// the request never produced a provider answer (network fault).
func (c *Client) STKPush(ctx context.Context, token string, amount int64, msisdn, accountRef, description string) (*STKPushResponse, error) {
	password, timestamp := Password(c.cfg.ShortCode, c.cfg.Passkey, c.now())

	payload := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            amount,
		PartyA:            msisdn,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}

	var resp STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// STKQuery polls the status of a previously initiated push.
func (c *Client) STKQuery(ctx context.Context, token, checkoutRequestID string) (*STKQueryResponse, error) {
	password, timestamp := Password(c.cfg.ShortCode, c.cfg.Passkey, c.now())

	payload := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp STKQueryResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", token, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post sends an authenticated JSON request and decodes the body into out even
// on non-2xx statuses: Daraja reports rejections as parseable JSON and the
// caller persists those verbatim.
func (c *Client) post(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("daraja request failed", "path", path, "error", err)
		return internal.NewExternalError("payment gateway unreachable", internal.ErrCodeGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return internal.NewExternalError("failed to read gateway response", internal.ErrCodeGatewayUnavailable, err)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Error("daraja response malformed",
			"path", path,
			"status_code", resp.StatusCode,
			"response", string(respBody))
		return internal.NewExternalError("malformed gateway response", internal.ErrCodeGatewayUnavailable, err)
	}

	c.logger.Debug("daraja response received",
		"path", path,
		"status_code", resp.StatusCode)

	return nil
}
