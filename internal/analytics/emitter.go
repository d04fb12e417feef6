// Package analytics delivers purchase events to the analytics collector.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client posts purchase events over HTTP. Delivery is fire-and-forget: a
// failed emission is logged and dropped, never surfaced to the payment path.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

type purchaseEvent struct {
	TransactionRef string `json:"transaction_ref"`
	OrderID        string `json:"order_id"`
	AmountCents    int64  `json:"amount_cents"`
	Event          string `json:"event"`
}

// NewClient creates the analytics client for the given collector address.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
		logger:     logger,
	}
}

// EmitPurchase sends one purchase event keyed by the transaction reference.
// The key survives retries on the collector side; the order id alone would not.
func (c *Client) EmitPurchase(transactionRef, orderID string, amountCents int64) {
	if c == nil || c.baseURL == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		body, err := json.Marshal(purchaseEvent{
			TransactionRef: transactionRef,
			OrderID:        orderID,
			AmountCents:    amountCents,
			Event:          "purchase",
		})
		if err != nil {
			c.logger.Warn("encode purchase event", zap.Error(err))
			return
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/events", bytes.NewReader(body))
		if err != nil {
			c.logger.Warn("create analytics request", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("emit purchase event",
				zap.Error(err), zap.String("transactionRef", transactionRef))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			c.logger.Warn("analytics collector rejected event",
				zap.Int("status", resp.StatusCode), zap.String("transactionRef", transactionRef))
		}
	}()
}
