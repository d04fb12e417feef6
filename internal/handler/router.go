package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/veiledletter/payments/internal/middleware"
)

// SetupRouter wires the HTTP routes and middleware of the payments service.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/coupon", h.ApplyCoupon)
		r.Post("/{orderID}/charge", h.IssueCharge)
	})

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Use(h.signature.Middleware)
		r.Post("/{provider}", h.Webhook)
	})

	r.Get("/ping", h.Ping)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
