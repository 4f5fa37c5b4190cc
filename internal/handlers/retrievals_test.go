package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/providers"
	"github.com/granule-access/api/internal/services"
)

type stubRetrievalService struct {
	createFn      func(context.Context, services.CreateRetrievalCommand) (services.RetrievalView, error)
	getFn         func(context.Context, services.GetRetrievalCommand) (services.RetrievalView, error)
	listFn        func(context.Context, services.ListRetrievalsCommand) (domain.CursorPage[services.RetrievalView], error)
	deleteFn      func(context.Context, services.DeleteRetrievalCommand) error
	removeOrderFn func(context.Context, services.RemoveOrderCommand) (providers.ProviderResponse, error)
}

func (s *stubRetrievalService) CreateRetrieval(ctx context.Context, cmd services.CreateRetrievalCommand) (services.RetrievalView, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubRetrievalService) GetRetrieval(ctx context.Context, cmd services.GetRetrievalCommand) (services.RetrievalView, error) {
	return s.getFn(ctx, cmd)
}

func (s *stubRetrievalService) ListRetrievals(ctx context.Context, cmd services.ListRetrievalsCommand) (domain.CursorPage[services.RetrievalView], error) {
	return s.listFn(ctx, cmd)
}

func (s *stubRetrievalService) DeleteRetrieval(ctx context.Context, cmd services.DeleteRetrievalCommand) error {
	return s.deleteFn(ctx, cmd)
}

func (s *stubRetrievalService) RemoveOrder(ctx context.Context, cmd services.RemoveOrderCommand) (providers.ProviderResponse, error) {
	return s.removeOrderFn(ctx, cmd)
}

func newRetrievalRouter(h *RetrievalHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1/retrievals", h.Routes)
	return r
}

func withUser(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, ProviderToken: "tok-" + uid}))
}

func sampleView() services.RetrievalView {
	orderID := "echo-1"
	return services.RetrievalView{
		ID: "9182736450",
		Retrieval: domain.Retrieval{
			ID:     7,
			UserID: "u1",
			Project: domain.Project{Collections: []domain.CollectionSelection{{
				ID: "C1",
				ServiceOptions: domain.ServiceOptions{AccessMethod: []domain.AccessMethod{
					domain.NewOrderMethod("Order", 3, true, domain.OrderMethod{OrderID: &orderID, Status: "creating"}),
				}},
			}}},
			CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestCreateRetrievalHandler(t *testing.T) {
	project := `{"collections":[{"id":"C1"}]}`
	svc := &stubRetrievalService{createFn: func(_ context.Context, cmd services.CreateRetrievalCommand) (services.RetrievalView, error) {
		if cmd.UserID != "u1" || cmd.Token != "tok-u1" || cmd.Environment != "prod" {
			t.Fatalf("unexpected command %+v", cmd)
		}
		if cmd.BaseURL != "https://search.example.com/api/v1" {
			t.Fatalf("unexpected base url %s", cmd.BaseURL)
		}
		if string(cmd.Project) != project {
			t.Fatalf("unexpected project %s", cmd.Project)
		}
		return sampleView(), nil
	}}
	router := newRetrievalRouter(NewRetrievalHandlers(nil, svc, WithRetrievalEnvironment("PROD")))

	req := httptest.NewRequest(http.MethodPost, "http://search.example.com/api/v1/retrievals", strings.NewReader(project))
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(req, "u1"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/retrievals/9182736450" {
		t.Fatalf("unexpected location %s", loc)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["id"] != "9182736450" {
		t.Fatalf("unexpected body %s (%v)", rr.Body.String(), err)
	}
}

func TestCreateRetrievalHandlerErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid", services.ErrRetrievalInvalidInput, http.StatusBadRequest},
		{"internal", errors.New("firestore down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubRetrievalService{createFn: func(context.Context, services.CreateRetrievalCommand) (services.RetrievalView, error) {
				return services.RetrievalView{}, tc.err
			}}
			router := newRetrievalRouter(NewRetrievalHandlers(nil, svc, WithRetrievalCallbackBase("https://cb.example.com/")))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/api/v1/retrievals", bytes.NewBufferString("{}")), "u1"))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestGetRetrievalHandlerContextFlag(t *testing.T) {
	var flags []string
	svc := &stubRetrievalService{getFn: func(_ context.Context, cmd services.GetRetrievalCommand) (services.RetrievalView, error) {
		if cmd.RetrievalID != "9182736450" || cmd.UserID != "u1" || cmd.Token != "tok-u1" {
			t.Fatalf("unexpected command %+v", cmd)
		}
		flags = append(flags, cmd.ContextFlag)
		return sampleView(), nil
	}}
	router := newRetrievalRouter(NewRetrievalHandlers(nil, svc))

	for _, referer := range []string{"https://search.example.com/data/configure?p=C1", "https://search.example.com/downloads"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/retrievals/9182736450", nil)
		req.Header.Set("Referer", referer)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, withUser(req, "u1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var body struct {
			ID          string `json:"id"`
			Collections []struct {
				ID             string `json:"id"`
				ServiceOptions struct {
					AccessMethod []map[string]any `json:"accessMethod"`
				} `json:"serviceOptions"`
			} `json:"collections"`
			CreatedAt string `json:"createdAt"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ID != "9182736450" || body.CreatedAt != "2024-03-01T12:00:00Z" || len(body.Collections) != 1 {
			t.Fatalf("unexpected body %s", rr.Body.String())
		}
		method := body.Collections[0].ServiceOptions.AccessMethod[0]
		if method["order_status"] != "creating" || method["order_id"] != "echo-1" {
			t.Fatalf("unexpected access method %v", method)
		}
	}
	if len(flags) != 2 || flags[0] != "1" || flags[1] != "2" {
		t.Fatalf("unexpected context flags %v", flags)
	}
}

func TestGetRetrievalHandlerErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrRetrievalNotFound, http.StatusNotFound},
		{services.ErrRetrievalForbidden, http.StatusForbidden},
		{services.ErrRetrievalUnauthorized, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		svc := &stubRetrievalService{getFn: func(context.Context, services.GetRetrievalCommand) (services.RetrievalView, error) {
			return services.RetrievalView{}, tc.err
		}}
		router := newRetrievalRouter(NewRetrievalHandlers(nil, svc))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/retrievals/123", nil), "u2"))
		if rr.Code != tc.status {
			t.Fatalf("expected %d for %v, got %d", tc.status, tc.err, rr.Code)
		}
	}
}

func TestListRetrievalsHandler(t *testing.T) {
	svc := &stubRetrievalService{listFn: func(_ context.Context, cmd services.ListRetrievalsCommand) (domain.CursorPage[services.RetrievalView], error) {
		if cmd.UserID != "u1" || cmd.Pagination.PageSize != 5 {
			t.Fatalf("unexpected command %+v", cmd)
		}
		return domain.CursorPage[services.RetrievalView]{Items: []services.RetrievalView{sampleView()}, NextPageToken: "next"}, nil
	}}
	router := newRetrievalRouter(NewRetrievalHandlers(nil, svc))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/retrievals?pageSize=5", nil), "u1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Retrievals []struct {
			ID string `json:"id"`
		} `json:"retrievals"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Retrievals) != 1 || body.Retrievals[0].ID != "9182736450" || body.NextPageToken != "next" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/retrievals?pageSize=zero", nil), "u1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page size, got %d", rr.Code)
	}
}

func TestDeleteRetrievalHandler(t *testing.T) {
	var got services.DeleteRetrievalCommand
	svc := &stubRetrievalService{deleteFn: func(_ context.Context, cmd services.DeleteRetrievalCommand) error {
		got = cmd
		if cmd.UserID != "owner" {
			return services.ErrRetrievalForbidden
		}
		return nil
	}}
	router := newRetrievalRouter(NewRetrievalHandlers(nil, svc))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/retrievals/55", nil), "owner"))
	if rr.Code != http.StatusNoContent || got.RetrievalID != "55" {
		t.Fatalf("expected 204 for owner, got %d (%+v)", rr.Code, got)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/retrievals/55", nil), "other"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rr.Code)
	}
}
