package wallet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"walletmux/internal/logging"
)

const albyAPIBase = "https://api.getalby.com"

// AlbyHTTPClient implements Client using the Alby Wallet HTTP API.
// This connects to Alby's custodial wallet service and uses webhooks for
// settlement notifications. Alby amounts are whole satoshis; the rest of the
// system works in millisatoshis.
type AlbyHTTPClient struct {
	accessToken   string
	httpClient    *http.Client
	webhookSecret string

	updates chan SettlementUpdate
	done    chan struct{}
}

// Alby API request/response structures
type albyCreateInvoiceRequest struct {
	Amount          int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
}

type albyInvoiceResponse struct {
	PaymentHash     string `json:"payment_hash"`
	PaymentRequest  string `json:"payment_request"`
	Amount          int64  `json:"amount"`
	Description     string `json:"memo,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	Settled         bool   `json:"settled"`
	SettledAt       string `json:"settled_at,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	Type            string `json:"type,omitempty"`
}

type albyPayRequest struct {
	Invoice string `json:"invoice"`
}

type albyPayResponse struct {
	PaymentHash     string `json:"payment_hash"`
	PaymentPreimage string `json:"payment_preimage"`
	Fee             int64  `json:"fee"`
}

type albyUserResponse struct {
	LightningAddress string `json:"lightning_address"`
}

// AlbyConfig holds configuration for the Alby HTTP client.
type AlbyConfig struct {
	AccessToken   string
	WebhookSecret string // The SVIX webhook secret from your Alby webhook endpoint
}

// NewAlbyHTTPClient creates a new Alby HTTP API client with webhook support.
// The webhook must be pre-registered with Alby and the secret provided in config.
func NewAlbyHTTPClient(cfg AlbyConfig) (*AlbyHTTPClient, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	c := &AlbyHTTPClient{
		accessToken:   cfg.AccessToken,
		webhookSecret: cfg.WebhookSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		updates: make(chan SettlementUpdate, 1000),
		done:    make(chan struct{}),
	}

	// Test the connection
	logging.Wallet.Println("testing connection...")
	if err := c.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Alby: %w", err)
	}
	logging.Wallet.Println("connected successfully!")

	return c, nil
}

func (c *AlbyHTTPClient) testConnection() error {
	req, err := http.NewRequest("GET", albyAPIBase+"/balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *AlbyHTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, albyAPIBase+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *AlbyHTTPClient) GetInfo(ctx context.Context) (*Info, error) {
	var user albyUserResponse
	if err := c.doJSON(ctx, "GET", "/user/me", nil, &user); err != nil {
		return nil, err
	}
	return &Info{
		Alias:   user.LightningAddress,
		Network: "mainnet",
		Methods: []string{"get_info", "get_balance", "pay_invoice", "make_invoice", "lookup_invoice"},
	}, nil
}

func (c *AlbyHTTPClient) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*PayResult, error) {
	logging.Wallet.Printf("paying invoice for %d msat...", amountMsat)

	var payResp albyPayResponse
	err := c.doJSON(ctx, "POST", "/payments/bolt11", albyPayRequest{Invoice: invoice}, &payResp)
	if err != nil {
		return nil, err
	}

	logging.Wallet.Printf("paid invoice %s (fee %d sats)", short(payResp.PaymentHash), payResp.Fee)
	return &PayResult{
		Preimage:     payResp.PaymentPreimage,
		FeesPaidMsat: payResp.Fee * 1000,
	}, nil
}

func (c *AlbyHTTPClient) MakeInvoice(ctx context.Context, amountMsat int64, params MakeInvoiceParams) (*Invoice, error) {
	amountSats := amountMsat / 1000
	logging.Wallet.Printf("creating invoice for %d sats...", amountSats)

	reqBody := albyCreateInvoiceRequest{
		Amount:          amountSats,
		Description:     params.Description,
		DescriptionHash: params.DescriptionHash,
	}

	var albyResp albyInvoiceResponse
	if err := c.doJSON(ctx, "POST", "/invoices", reqBody, &albyResp); err != nil {
		return nil, err
	}

	inv := &Invoice{
		PaymentHash:     albyResp.PaymentHash,
		Invoice:         albyResp.PaymentRequest,
		Description:     params.Description,
		DescriptionHash: albyResp.DescriptionHash,
		AmountMsat:      amountMsat,
		CreatedAt:       parseRFC3339(albyResp.CreatedAt),
		ExpiresAt:       parseRFC3339(albyResp.ExpiresAt),
	}

	logging.Wallet.Printf("created invoice %s for %d sats", short(albyResp.PaymentHash), amountSats)
	return inv, nil
}

func (c *AlbyHTTPClient) LookupInvoice(ctx context.Context, paymentHash, invoice string) (*Transaction, error) {
	if paymentHash == "" {
		return nil, fmt.Errorf("alby lookup requires a payment hash")
	}

	var albyResp albyInvoiceResponse
	if err := c.doJSON(ctx, "GET", "/invoices/"+paymentHash, nil, &albyResp); err != nil {
		return nil, err
	}

	return &Transaction{
		Type:            albyResp.Type,
		Invoice:         albyResp.PaymentRequest,
		Description:     albyResp.Description,
		DescriptionHash: albyResp.DescriptionHash,
		Preimage:        albyResp.Preimage,
		PaymentHash:     albyResp.PaymentHash,
		AmountMsat:      albyResp.Amount * 1000,
		CreatedAt:       parseRFC3339(albyResp.CreatedAt),
		SettledAt:       parseRFC3339(albyResp.SettledAt),
		Settled:         albyResp.Settled,
	}, nil
}

func (c *AlbyHTTPClient) SubscribeSettlements(ctx context.Context) (<-chan SettlementUpdate, error) {
	return c.updates, nil
}

func (c *AlbyHTTPClient) Close() error {
	close(c.done)
	return nil
}

// AlbyWebhookPayload is the payload sent by Alby when an invoice is settled.
type AlbyWebhookPayload struct {
	Amount          int64  `json:"amount"`
	Settled         bool   `json:"settled"`
	SettledAt       string `json:"settled_at,omitempty"`
	Type            string `json:"type"`
	PaymentHash     string `json:"payment_hash"`
	PaymentRequest  string `json:"payment_request,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
}

// HandleWebhook processes an incoming webhook request from Alby.
// It verifies the SVIX signature and queues a settlement update.
func (c *AlbyHTTPClient) HandleWebhook(body []byte, headers http.Header) error {
	// Verify SVIX signature
	if err := c.verifyWebhookSignature(body, headers); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	var payload AlbyWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	if payload.Settled && payload.PaymentHash != "" {
		logging.Wallet.Printf("webhook: invoice %s settled!", short(payload.PaymentHash))

		select {
		case c.updates <- SettlementUpdate{
			PaymentHash:     payload.PaymentHash,
			Invoice:         payload.PaymentRequest,
			DescriptionHash: payload.DescriptionHash,
			AmountMsat:      payload.Amount * 1000,
			SettledAt:       parseRFC3339(payload.SettledAt),
		}:
			logging.Wallet.Printf("webhook: queued settlement %s (buffer: %d/%d)", short(payload.PaymentHash), len(c.updates), cap(c.updates))
		default:
			// Update dropped from channel - recovered via lookup_invoice polling
			logging.Wallet.Printf("webhook: WARNING - update channel full (%d/%d), settlement %s not queued. Payment hash: %s",
				len(c.updates), cap(c.updates), short(payload.PaymentHash), payload.PaymentHash)
		}
	}

	return nil
}

// verifyWebhookSignature verifies the SVIX signature on a webhook request.
// SVIX signs webhooks using HMAC-SHA256.
func (c *AlbyHTTPClient) verifyWebhookSignature(body []byte, headers http.Header) error {
	svixID := headers.Get("svix-id")
	svixTimestamp := headers.Get("svix-timestamp")
	svixSignature := headers.Get("svix-signature")

	if svixID == "" || svixTimestamp == "" || svixSignature == "" {
		return fmt.Errorf("missing SVIX headers")
	}

	// Check timestamp to prevent replay attacks (5 minute tolerance)
	ts, err := parseTimestamp(svixTimestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	now := time.Now()
	if now.Sub(ts) > 5*time.Minute || ts.Sub(now) > 5*time.Minute {
		return fmt.Errorf("timestamp too old or in future")
	}

	// Extract the base64 secret (remove "whsec_" prefix)
	secret := c.webhookSecret
	if strings.HasPrefix(secret, "whsec_") {
		secret = secret[6:]
	}

	secretBytes, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("failed to decode secret: %w", err)
	}

	// Create signed content: id.timestamp.body
	signedContent := fmt.Sprintf("%s.%s.%s", svixID, svixTimestamp, string(body))

	// Calculate expected signature
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(signedContent))
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// SVIX signature format: "v1,<base64sig>" (may have multiple signatures)
	signatures := strings.Split(svixSignature, " ")
	for _, sig := range signatures {
		parts := strings.SplitN(sig, ",", 2)
		if len(parts) == 2 && parts[0] == "v1" {
			if hmac.Equal([]byte(parts[1]), []byte(expectedSig)) {
				return nil
			}
		}
	}

	return fmt.Errorf("signature mismatch")
}

func parseTimestamp(ts string) (time.Time, error) {
	var unix int64
	if _, err := fmt.Sscanf(ts, "%d", &unix); err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

func parseRFC3339(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
