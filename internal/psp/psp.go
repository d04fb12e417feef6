// Package psp contains the clients for the external payment service providers.
package psp

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrProviderUnavailable is returned when the provider cannot be reached or
// answers with a server error. Callers may retry the whole issuance.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// ChargeRequest describes a fixed-amount charge to create at a provider.
// OrderID is embedded as the correlation identifier where the provider
// supports it; the charge reference returned is what webhooks are matched on.
type ChargeRequest struct {
	OrderID     string
	AmountCents int64
	Description string
	ExpiresIn   time.Duration
}

// Presentation is the provider-specific payload shown to the payer: a
// copy-paste bank transfer code plus QR image for PIX, a redirect URL for
// card checkout.
type Presentation struct {
	Kind        string `json:"kind"`
	Code        string `json:"code,omitempty"`
	QRImageURL  string `json:"qr_image_url,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// Charge is the provider-side payment instrument bound to one amount.
type Charge struct {
	Ref          string
	Presentation Presentation
}

// Notification is a provider webhook payload normalised for the engine.
// Completed is true only for charge-completed events; everything else is
// evaluated and deliberately ignored upstream.
type Notification struct {
	Event          string
	Completed      bool
	ChargeRef      string
	TransactionRef string
	AmountCents    int64
}

// Provider abstracts one payment channel.
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	ParseNotification(body []byte) (*Notification, error)
}

// Registry resolves providers by channel name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 1 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil
	return c
}
