package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/monkify/session-engine/internal/model"
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPClient implements Client against a settlement gateway speaking JSON.
//
//	GET  /v1/handle             → {"handle": "...", "expires_at": "..."}
//	POST /v1/transfers          → {"signature": "..."}, deduplicated by Idempotency-Key
//	POST /v1/payments/validate  → {"valid": true|false, "reason": "..."}
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewHTTPClient creates a gateway client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		logger:     logger.With("component", "settlement-client"),
	}
}

type transferRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	BetID          string          `json:"bet_id"`
	SessionID      string          `json:"session_id"`
	Wallet         string          `json:"wallet"`
	Amount         decimal.Decimal `json:"amount"`
	Units          uint64          `json:"units"`
	Handle         string          `json:"handle"`
}

type transferResponse struct {
	Signature string `json:"signature"`
}

type validateRequest struct {
	PaymentRef string          `json:"payment_ref"`
	Wallet     string          `json:"wallet"`
	Amount     decimal.Decimal `json:"amount"`
	SessionID  string          `json:"session_id"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func (c *HTTPClient) TransferHandle(ctx context.Context) (Handle, error) {
	var h Handle
	status, err := c.do(ctx, http.MethodGet, "/v1/handle", nil, &h)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK || h.Value == "" {
		return Handle{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return h, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, bet model.Bet, amount Amount, h Handle) (Receipt, error) {
	req := transferRequest{
		IdempotencyKey: TransferKey(bet),
		BetID:          bet.ID,
		SessionID:      bet.SessionID,
		Wallet:         bet.Wallet,
		Amount:         amount.Value,
		Units:          amount.Units,
		Handle:         h.Value,
	}
	var resp transferResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &resp, idempotencyHeader(req.IdempotencyKey))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Receipt{}, fmt.Errorf("%w: status %d", ErrTransferFailed, status)
	}
	if resp.Signature == "" {
		return Receipt{}, fmt.Errorf("%w: empty signature", ErrTransferFailed)
	}
	return Receipt{Amount: amount.Value, Signature: resp.Signature, At: time.Now().UTC()}, nil
}

func (c *HTTPClient) ValidatePayment(ctx context.Context, bet model.Bet) error {
	req := validateRequest{
		PaymentRef: bet.PaymentRef,
		Wallet:     bet.Wallet,
		Amount:     bet.Amount,
		SessionID:  bet.SessionID,
	}
	var resp validateResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/payments/validate", req, &resp)
	if err != nil {
		return fmt.Errorf("validate payment %s: %w", bet.PaymentRef, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("validate payment %s: status %d", bet.PaymentRef, status)
	}
	if !resp.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidPayment, resp.Reason)
	}
	return nil
}

// do sends a JSON request and decodes a JSON response into out.
type header struct{ key, value string }

func idempotencyHeader(key string) header { return header{key: "Idempotency-Key", value: key} }

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}, headers ...header) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for _, h := range headers {
		req.Header.Set(h.key, h.value)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("settlement request failed", "method", method, "path", path, "err", err)
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("settlement request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
