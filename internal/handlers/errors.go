package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/platform/httpx"
	"github.com/granule-access/api/internal/platform/observability"
	"github.com/granule-access/api/internal/services"
)

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var upstream *domain.UpstreamError
	switch {
	case errors.As(err, &upstream):
		httpx.WriteUpstream(w, upstream.Status, upstream.ContentType(), upstream.Body)
	case errors.Is(err, services.ErrAccessInvalidInput), errors.Is(err, services.ErrRetrievalInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRetrievalUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrRetrievalForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "retrieval belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrRetrievalNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("retrieval_not_found", "retrieval not found", http.StatusNotFound))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_timeout", "upstream provider timed out", http.StatusGatewayTimeout))
	default:
		observability.FromContext(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

// writeProviderError treats any unclassified failure as an unreachable provider.
func writeProviderError(ctx context.Context, w http.ResponseWriter, err error) {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, services.ErrAccessInvalidInput) || errors.Is(err, services.ErrRetrievalInvalidInput) {
		writeServiceError(ctx, w, err)
		return
	}
	observability.FromContext(ctx).Warn("provider unavailable", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "upstream provider unavailable", http.StatusBadGateway))
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || identity.UID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}
