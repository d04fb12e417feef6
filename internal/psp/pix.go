package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/veiledletter/payments/internal/validation"
)

// PixClient talks to the instant bank transfer provider. Charges are created
// under a merchant-generated txid, which doubles as the correlation reference
// for inbound webhooks.
type PixClient struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewPixClient creates a PIX provider client for the given base address.
func NewPixClient(baseURL string) *PixClient {
	return &PixClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(),
	}
}

// Name implements Provider.
func (c *PixClient) Name() string { return "pix" }

type pixChargeRequest struct {
	OrderID           string `json:"order_id"`
	AmountCents       int64  `json:"amount_cents"`
	Description       string `json:"description"`
	ExpirationSeconds int64  `json:"expiration_seconds"`
}

type pixChargeResponse struct {
	Txid       string `json:"txid"`
	CopyPaste  string `json:"copy_paste"`
	QRImageURL string `json:"qr_image_url"`
}

// CreateCharge registers a fixed-amount PIX charge. The txid is generated
// here, so a fresh issuance can never collide with a stale one.
func (c *PixClient) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("pix client not configured")
	}

	txid := strings.ReplaceAll(uuid.NewString(), "-", "")

	body, err := json.Marshal(pixChargeRequest{
		OrderID:           req.OrderID,
		AmountCents:       req.AmountCents,
		Description:       req.Description,
		ExpirationSeconds: int64(req.ExpiresIn / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal charge: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/charges/%s", c.baseURL, txid)

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
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

	var result pixChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Txid == "" {
		result.Txid = txid
	}

	return &Charge{
		Ref: result.Txid,
		Presentation: Presentation{
			Kind:       "pix",
			Code:       result.CopyPaste,
			QRImageURL: result.QRImageURL,
		},
	}, nil
}

type pixNotification struct {
	Event       string `json:"event"`
	Txid        string `json:"txid"`
	EndToEndID  string `json:"end_to_end_id"`
	AmountCents int64  `json:"amount_cents"`
}

// ParseNotification decodes a PIX webhook body. The end-to-end identifier of
// the settled transfer becomes the transaction reference.
func (c *PixClient) ParseNotification(body []byte) (*Notification, error) {
	var n pixNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode pix notification: %w", err)
	}
	if !validation.IsValidTxid(n.Txid) {
		return nil, fmt.Errorf("malformed pix txid %q", n.Txid)
	}

	completed := n.Event == "charge.completed"
	if completed && !validation.IsValidEndToEndID(n.EndToEndID) {
		return nil, fmt.Errorf("malformed end-to-end id %q", n.EndToEndID)
	}

	return &Notification{
		Event:          n.Event,
		Completed:      completed,
		ChargeRef:      n.Txid,
		TransactionRef: n.EndToEndID,
		AmountCents:    n.AmountCents,
	}, nil
}
