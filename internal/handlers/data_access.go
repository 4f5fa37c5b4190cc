package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/platform/httpx"
	"github.com/granule-access/api/internal/providers"
	"github.com/granule-access/api/internal/services"
)

const (
	collectionIDParam = "echo_collection_id"
	environmentParam  = "cmr_env"
	optionsLimitScope = "options"
)

// DataAccessHandlers serves access method resolution.
type DataAccessHandlers struct {
	authn       *auth.Authenticator
	access      services.DataAccessService
	limiter     rateLimiter
	environment string
}

// DataAccessOption customises DataAccessHandlers.
type DataAccessOption func(*DataAccessHandlers)

// WithDataAccessRateLimit throttles option lookups per user.
func WithDataAccessRateLimit(perMinute, burst int) DataAccessOption {
	return func(h *DataAccessHandlers) {
		h.limiter = newUserRateLimiter(perMinute, burst, nil)
	}
}

// WithDataAccessEnvironment names the catalog environment this deployment serves.
func WithDataAccessEnvironment(env string) DataAccessOption {
	return func(h *DataAccessHandlers) {
		h.environment = strings.ToLower(strings.TrimSpace(env))
	}
}

// NewDataAccessHandlers constructs the /data-access handlers.
func NewDataAccessHandlers(authn *auth.Authenticator, access services.DataAccessService, opts ...DataAccessOption) *DataAccessHandlers {
	h := &DataAccessHandlers{authn: authn, access: access}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /data-access endpoints.
func (h *DataAccessHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.With(rateLimitMiddleware(h.limiter, optionsLimitScope)).Get("/options", h.options)
}

type accessOptionsPayload struct {
	Hits     int      `json:"hits"`
	DQS      any      `json:"dqs"`
	Size     *float64 `json:"size"`
	SizeUnit string   `json:"sizeUnit"`
	Methods  any      `json:"methods"`
	Defaults any      `json:"defaults"`
}

type emptyOptionsPayload struct {
	Hits     int `json:"hits"`
	Methods  any `json:"methods"`
	Defaults any `json:"defaults"`
}

func (h *DataAccessHandlers) options(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.access == nil {
		httpx.WriteError(ctx, w, httpx.NewError("data_access_unavailable", "data access service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	constraints := r.URL.Query()
	if env := strings.ToLower(strings.TrimSpace(constraints.Get(environmentParam))); env != "" && h.environment != "" && env != h.environment {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unsupported catalog environment "+env, http.StatusBadRequest))
		return
	}
	constraints.Del(environmentParam)

	result, err := h.access.ResolveOptions(ctx, services.ResolveOptionsCommand{
		UserID:       identity.UID,
		Token:        identity.ProviderToken,
		CollectionID: strings.TrimSpace(constraints.Get(collectionIDParam)),
		Constraints:  constraints,
	})
	if err != nil {
		writeProviderError(ctx, w, err)
		return
	}

	for key, values := range result.Header {
		if strings.HasPrefix(strings.ToLower(key), providers.CatalogHeaderPrefix) {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
	}

	if result.Empty {
		httpx.WriteJSON(w, http.StatusOK, emptyOptionsPayload{Hits: result.Hits, Methods: result.Methods, Defaults: result.Defaults})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, accessOptionsPayload{
		Hits:     result.Hits,
		DQS:      result.DQS,
		Size:     result.Size,
		SizeUnit: result.SizeUnit,
		Methods:  result.Methods,
		Defaults: result.Defaults,
	})
}
