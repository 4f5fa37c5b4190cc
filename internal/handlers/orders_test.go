package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/granule-access/api/internal/providers"
	"github.com/granule-access/api/internal/services"
)

func newOrderRouter(h *OrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func TestDeleteOrderRelaysProvider(t *testing.T) {
	cases := []providers.ProviderResponse{
		{Status: http.StatusNoContent},
		{Status: http.StatusNotFound, ContentType: "application/json", Body: []byte(`{"errors":["Order with guid echo-order-42 not found"]}`)},
	}
	for _, want := range cases {
		svc := &stubRetrievalService{removeOrderFn: func(_ context.Context, cmd services.RemoveOrderCommand) (providers.ProviderResponse, error) {
			if cmd.OrderID != "echo-order-42" || cmd.Token != "tok-u1" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			return want, nil
		}}
		rr := httptest.NewRecorder()
		newOrderRouter(NewOrderHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/orders/echo-order-42", nil), "u1"))

		if rr.Code != want.Status {
			t.Fatalf("expected status %d, got %d", want.Status, rr.Code)
		}
		if rr.Body.String() != string(want.Body) {
			t.Fatalf("expected body %q, got %q", want.Body, rr.Body.String())
		}
		if want.ContentType != "" && rr.Header().Get("Content-Type") != want.ContentType {
			t.Fatalf("expected content type %s, got %s", want.ContentType, rr.Header().Get("Content-Type"))
		}
	}
}

func TestDeleteOrderTransportFailure(t *testing.T) {
	svc := &stubRetrievalService{removeOrderFn: func(context.Context, services.RemoveOrderCommand) (providers.ProviderResponse, error) {
		return providers.ProviderResponse{}, errors.New("connection reset")
	}}
	rr := httptest.NewRecorder()
	newOrderRouter(NewOrderHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/orders/o1", nil), "u1"))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}
