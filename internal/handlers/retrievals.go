package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/platform/httpx"
	"github.com/granule-access/api/internal/platform/pagination"
	"github.com/granule-access/api/internal/services"
)

const (
	maxProjectBodySize = 1 << 20
	retrievalIDURLName = "retrievalID"
	statusLimitScope   = "status"
	configureReferrer  = "/data/configure"
	contextConfigure   = "1"
	contextDefault     = "2"
)

// RetrievalHandlers exposes the retrieval lifecycle to authenticated users.
type RetrievalHandlers struct {
	authn        *auth.Authenticator
	retrievals   services.RetrievalService
	limiter      rateLimiter
	environment  string
	callbackBase string
	pageSize     int
}

// RetrievalOption customises RetrievalHandlers.
type RetrievalOption func(*RetrievalHandlers)

// WithRetrievalStatusRateLimit throttles status refreshes per user.
func WithRetrievalStatusRateLimit(perMinute, burst int) RetrievalOption {
	return func(h *RetrievalHandlers) {
		h.limiter = newUserRateLimiter(perMinute, burst, nil)
	}
}

// WithRetrievalEnvironment tags dispatched jobs with the deployment environment.
func WithRetrievalEnvironment(env string) RetrievalOption {
	return func(h *RetrievalHandlers) {
		h.environment = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithRetrievalCallbackBase fixes the public base URL service callbacks point at. Without
// it the base is derived from the request.
func WithRetrievalCallbackBase(base string) RetrievalOption {
	return func(h *RetrievalHandlers) {
		h.callbackBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithRetrievalPageSize sets the default list page size.
func WithRetrievalPageSize(size int) RetrievalOption {
	return func(h *RetrievalHandlers) {
		if size > 0 {
			h.pageSize = size
		}
	}
}

// NewRetrievalHandlers constructs the /retrievals handlers.
func NewRetrievalHandlers(authn *auth.Authenticator, retrievals services.RetrievalService, opts ...RetrievalOption) *RetrievalHandlers {
	h := &RetrievalHandlers{authn: authn, retrievals: retrievals, pageSize: pagination.DefaultPageSize}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /retrievals endpoints.
func (h *RetrievalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createRetrieval)
	r.Get("/", h.listRetrievals)
	r.With(rateLimitMiddleware(h.limiter, statusLimitScope)).Get("/{"+retrievalIDURLName+"}", h.getRetrieval)
	r.Delete("/{"+retrievalIDURLName+"}", h.deleteRetrieval)
}

type retrievalPayload struct {
	ID string `json:"id"`
	domain.Project
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type retrievalListPayload struct {
	Retrievals    []retrievalPayload `json:"retrievals"`
	NextPageToken string             `json:"nextPageToken,omitempty"`
}

func buildRetrievalPayload(view services.RetrievalView) retrievalPayload {
	payload := retrievalPayload{ID: view.ID, Project: view.Retrieval.Project}
	if !view.Retrieval.CreatedAt.IsZero() {
		payload.CreatedAt = view.Retrieval.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !view.Retrieval.UpdatedAt.IsZero() {
		payload.UpdatedAt = view.Retrieval.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if payload.Collections == nil {
		payload.Collections = []domain.CollectionSelection{}
	}
	return payload
}

func (h *RetrievalHandlers) createRetrieval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.retrievals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("retrieval_service_unavailable", "retrieval service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProjectBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "project body too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	view, err := h.retrievals.CreateRetrieval(ctx, services.CreateRetrievalCommand{
		UserID:      identity.UID,
		Token:       identity.ProviderToken,
		Environment: h.environment,
		BaseURL:     h.baseURL(r),
		Project:     json.RawMessage(body),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimRight(r.URL.Path, "/")+"/"+view.ID)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": view.ID})
}

func (h *RetrievalHandlers) listRetrievals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.retrievals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("retrieval_service_unavailable", "retrieval service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.Parse(r.URL.Query(), pagination.Options{DefaultPageSize: h.pageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.retrievals.ListRetrievals(ctx, services.ListRetrievalsCommand{
		UserID:     identity.UID,
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := retrievalListPayload{
		Retrievals:    make([]retrievalPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, view := range page.Items {
		payload.Retrievals = append(payload.Retrievals, buildRetrievalPayload(view))
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *RetrievalHandlers) getRetrieval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.retrievals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("retrieval_service_unavailable", "retrieval service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	flag := contextDefault
	if strings.Contains(r.Referer(), configureReferrer) {
		flag = contextConfigure
	}
	view, err := h.retrievals.GetRetrieval(ctx, services.GetRetrievalCommand{
		RetrievalID: strings.TrimSpace(chi.URLParam(r, retrievalIDURLName)),
		UserID:      identity.UID,
		Token:       identity.ProviderToken,
		ContextFlag: flag,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildRetrievalPayload(view))
}

func (h *RetrievalHandlers) deleteRetrieval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.retrievals == nil {
		httpx.WriteError(ctx, w, httpx.NewError("retrieval_service_unavailable", "retrieval service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	err := h.retrievals.DeleteRetrieval(ctx, services.DeleteRetrievalCommand{
		RetrievalID: strings.TrimSpace(chi.URLParam(r, retrievalIDURLName)),
		UserID:      identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RetrievalHandlers) baseURL(r *http.Request) string {
	if h.callbackBase != "" {
		return h.callbackBase
	}
	scheme := "https"
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + defaultAPIPrefix
}
