package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StripeAdapter implements Adapter against the Stripe REST API. Amounts
// cross the wire in minor units; the adapter converts to decimal major
// units at the boundary so the rest of the system never sees cents.
type StripeAdapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	client        *http.Client
	tolerance     time.Duration
}

// NewStripeAdapter builds an adapter with an 8s per-call timeout and a
// 5 minute signature timestamp tolerance.
func NewStripeAdapter(apiKey, webhookSecret string) *StripeAdapter {
	return &StripeAdapter{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		baseURL:       "https://api.stripe.com",
		client:        &http.Client{Timeout: 8 * time.Second},
		tolerance:     5 * time.Minute,
	}
}

func (s *StripeAdapter) CreateCheckoutSession(ctx context.Context, customerID string, amount decimal.Decimal, currency string, metadata map[string]string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("customer", customerID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(currency))
	form.Set("line_items[0][price_data][product_data][name]", "Balance recharge")
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(toMinorUnits(amount), 10))
	for k, v := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &out); err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: out.ID, URL: out.URL}, nil
}

func (s *StripeAdapter) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var out struct {
		ID            string `json:"id"`
		PaymentStatus string `json:"payment_status"`
		AmountTotal   int64  `json:"amount_total"`
		Currency      string `json:"currency"`
		Subscription  string `json:"subscription"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &SessionStatus{
		ID:             out.ID,
		PaymentStatus:  out.PaymentStatus,
		AmountTotal:    fromMinorUnits(out.AmountTotal),
		Currency:       strings.ToUpper(out.Currency),
		SubscriptionID: out.Subscription,
	}, nil
}

func (s *StripeAdapter) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var out struct {
		ID           string `json:"id"`
		AmountPaid   int64  `json:"amount_paid"`
		Currency     string `json:"currency"`
		Subscription string `json:"subscription"`
		Customer     string `json:"customer"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID), nil, &out); err != nil {
		return nil, err
	}
	return &Invoice{
		ID:             out.ID,
		AmountPaid:     fromMinorUnits(out.AmountPaid),
		Currency:       strings.ToUpper(out.Currency),
		SubscriptionID: out.Subscription,
		CustomerID:     out.Customer,
	}, nil
}

// VerifyAndParseEvent checks the Stripe-Signature header (HMAC-SHA256 over
// "<timestamp>.<payload>") before parsing the event envelope. A bad or
// stale signature is permanent; the caller must not retry it.
func (s *StripeAdapter) VerifyAndParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	ts, sigs, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, ErrSignature
	}

	if s.tolerance > 0 {
		eventTime := time.Unix(ts, 0)
		if d := time.Since(eventTime); d > s.tolerance || d < -s.tolerance {
			log.Printf("[STRIPE] Webhook timestamp outside tolerance: %v", eventTime)
			return nil, ErrSignature
		}
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	valid := false
	for _, sig := range sigs {
		raw, decErr := hex.DecodeString(sig)
		if decErr == nil && hmac.Equal(raw, expected) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrSignature
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string            `json:"id"`
				Customer string            `json:"customer"`
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, fmt.Errorf("webhook payload missing id or type")
	}

	return &Event{
		ID:         envelope.ID,
		Type:       envelope.Type,
		ObjectID:   envelope.Data.Object.ID,
		CustomerID: envelope.Data.Object.Customer,
		Metadata:   envelope.Data.Object.Metadata,
		RawJSON:    payload,
	}, nil
}

// parseSignatureHeader splits "t=1712345678,v1=abc,v1=def" into the
// timestamp and the list of v1 signatures.
func parseSignatureHeader(header string) (int64, []string, error) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, err
			}
			ts = v
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("malformed signature header")
	}
	return ts, sigs, nil
}

func (s *StripeAdapter) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("stripe returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("[STRIPE] %s %s failed: %d %s", method, path, resp.StatusCode, string(data))
		return fmt.Errorf("stripe returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinorUnits(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
