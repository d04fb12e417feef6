package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// CheckoutClient talks to the hosted card checkout provider. The charge
// reference is the provider-assigned session id; the payer is redirected to
// the session URL.
type CheckoutClient struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewCheckoutClient creates a card checkout client for the given base address.
func NewCheckoutClient(baseURL string) *CheckoutClient {
	return &CheckoutClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(),
	}
}

// Name implements Provider.
func (c *CheckoutClient) Name() string { return "checkout" }

type checkoutSessionRequest struct {
	Reference         string `json:"reference"`
	AmountCents       int64  `json:"amount_cents"`
	Description       string `json:"description"`
	ExpirationSeconds int64  `json:"expiration_seconds"`
}

type checkoutSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreateCharge opens a checkout session for the order amount.
func (c *CheckoutClient) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("checkout client not configured")
	}

	body, err := json.Marshal(checkoutSessionRequest{
		Reference:         req.OrderID,
		AmountCents:       req.AmountCents,
		Description:       req.Description,
		ExpirationSeconds: int64(req.ExpiresIn / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	url := c.baseURL + "/api/v1/sessions"

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result checkoutSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.SessionID == "" || result.URL == "" {
		return nil, fmt.Errorf("incomplete session response")
	}

	return &Charge{
		Ref: result.SessionID,
		Presentation: Presentation{
			Kind:        "redirect",
			RedirectURL: result.URL,
		},
	}, nil
}

type checkoutNotification struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int64  `json:"amount_cents"`
}

// ParseNotification decodes a checkout webhook body.
func (c *CheckoutClient) ParseNotification(body []byte) (*Notification, error) {
	var n checkoutNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode checkout notification: %w", err)
	}
	if n.SessionID == "" {
		return nil, fmt.Errorf("checkout notification without session id")
	}

	completed := n.Type == "session.completed"
	if completed && n.PaymentRef == "" {
		return nil, fmt.Errorf("completed checkout notification without payment ref")
	}

	return &Notification{
		Event:          n.Type,
		Completed:      completed,
		ChargeRef:      n.SessionID,
		TransactionRef: n.PaymentRef,
		AmountCents:    n.AmountCents,
	}, nil
}
