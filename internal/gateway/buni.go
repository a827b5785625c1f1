package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// BuniConfig holds the shared gateway account credentials. API credentials
// are global; the per-station payment destination travels with each push.
type BuniConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	APIKey       string
	CallbackURL  string // delivered to the gateway with each push
	Timeout      time.Duration
}

// BuniClient is an HTTP client for a KCB-Buni-style STK push API.
type BuniClient struct {
	cfg    BuniConfig
	http   *http.Client
	logger *zap.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewBuniClient creates a gateway client.
func NewBuniClient(cfg BuniConfig, logger *zap.Logger) *BuniClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &BuniClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// StartPush initiates an STK push charge against the payer's phone.
func (c *BuniClient) StartPush(ctx context.Context, amountKES int64, payerPhone string, dest station.PaymentDestination, reference string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain access token: %w", err)
	}

	payload := map[string]any{
		"phoneNumber":      FormatPhone(payerPhone),
		"amount":           amountKES,
		"invoiceNumber":    reference,
		"accountType":      string(dest.Type),
		"accountNumber":    dest.AccountNumber,
		"accountReference": dest.AccountName,
		"callbackUrl":      c.cfg.CallbackURL,
	}

	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	status, err := c.postJSON(ctx, "/payments/stk-push", token, payload, &resp)
	if err != nil {
		return "", err
	}
	if status >= 400 || (resp.ResponseCode != "" && resp.ResponseCode != "0") {
		c.logger.Warn("stk push rejected",
			zap.Int("status", status),
			zap.String("code", resp.ResponseCode),
		)
		return "", fmt.Errorf("%w: code %s", ErrRejected, resp.ResponseCode)
	}
	if resp.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: missing checkout request id", ErrRejected)
	}

	c.logger.Info("stk push accepted",
		zap.String("gateway_ref", resp.CheckoutRequestID),
		zap.Int64("amount", amountKES),
	)
	return resp.CheckoutRequestID, nil
}

// QueryStatus polls the gateway for the settled state of a push.
func (c *BuniClient) QueryStatus(ctx context.Context, gatewayRef string) (Outcome, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return OutcomePending, fmt.Errorf("failed to obtain access token: %w", err)
	}

	var resp struct {
		ResultCode string `json:"ResultCode"`
		Status     string `json:"Status"`
	}
	payload := map[string]any{"checkoutRequestId": gatewayRef}
	status, err := c.postJSON(ctx, "/payments/stk-push/status", token, payload, &resp)
	if err != nil {
		return OutcomePending, err
	}
	if status >= 400 {
		return OutcomePending, fmt.Errorf("status query returned %d", status)
	}

	switch {
	case resp.ResultCode == "0" || strings.EqualFold(resp.Status, "completed"):
		return OutcomeSuccess, nil
	case strings.EqualFold(resp.Status, "pending") || strings.EqualFold(resp.Status, "processing") || resp.ResultCode == "":
		return OutcomePending, nil
	default:
		return OutcomeFailure, nil
	}
}

// accessToken returns a cached OAuth token, refreshing it when expired.
func (c *BuniClient) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", httpResp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = 3600
	}

	c.token = tok.AccessToken
	// Refresh at 90% of the token lifetime.
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second * 9 / 10)
	return c.token, nil
}

func (c *BuniClient) postJSON(ctx context.Context, path, token string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// FormatPhone normalizes a Kenyan phone number to 254XXXXXXXXX form.
func FormatPhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		return "254" + p[1:]
	}
	if !strings.HasPrefix(p, "254") && len(p) == 9 {
		return "254" + p
	}
	return p
}
