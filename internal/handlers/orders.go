package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/platform/httpx"
	"github.com/granule-access/api/internal/services"
)

// OrderHandlers proxies order cancellation to the order provider.
type OrderHandlers struct {
	authn      *auth.Authenticator
	retrievals services.RetrievalService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, retrievals services.RetrievalService) *OrderHandlers {
	return &OrderHandlers{authn: authn, retrievals: retrievals}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Delete("/{orderID}", h.deleteOrder)
}

// deleteOrder relays the provider's status and body unchanged. Any authenticated user may
// cancel any order id.
func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.retrievals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	resp, err := h.retrievals.RemoveOrder(ctx, services.RemoveOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Token:   identity.ProviderToken,
	})
	if err != nil {
		writeProviderError(ctx, w, err)
		return
	}
	httpx.WriteUpstream(w, resp.Status, resp.ContentType, resp.Body)
}
