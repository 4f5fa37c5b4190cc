package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/granule-access/api/internal/platform/httpx"
	"github.com/granule-access/api/internal/platform/jobs"
	"github.com/granule-access/api/internal/platform/observability"
	"github.com/granule-access/api/internal/services"
)

const maxPushBodySize = 64 * 1024

// InternalJobHandlers receives Pub/Sub push deliveries for the retrieval worker. Any non-2xx
// reply makes Pub/Sub redeliver the message.
type InternalJobHandlers struct {
	processor services.RetrievalProcessor
}

// NewInternalJobHandlers constructs the push endpoint handlers.
func NewInternalJobHandlers(processor services.RetrievalProcessor) *InternalJobHandlers {
	return &InternalJobHandlers{processor: processor}
}

// Routes registers the /internal endpoints. Authentication is applied by the router group.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/retrievals/process", h.processRetrieval)
}

func (h *InternalJobHandlers) processRetrieval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.processor == nil {
		httpx.WriteError(ctx, w, httpx.NewError("worker_unavailable", "retrieval worker unavailable", http.StatusServiceUnavailable))
		return
	}

	delivery, err := jobs.DecodePush(http.MaxBytesReader(w, r.Body, maxPushBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_push", err.Error(), http.StatusBadRequest))
		return
	}

	logger := observability.FromContext(ctx).With(
		zap.String("messageId", delivery.MessageID),
		zap.String("jobId", delivery.Job.JobID),
		zap.Int64("retrievalId", delivery.Job.RetrievalID),
	)
	if err := h.processor.Process(observability.WithLogger(ctx, logger), delivery.Job); err != nil {
		if errors.Is(err, services.ErrRetrievalJobTransient) {
			logger.Warn("retrieval job will be redelivered", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("job_retry", "retrieval job failed transiently", http.StatusServiceUnavailable))
			return
		}
		// Redelivery cannot fix anything else, so the message is acked.
		logger.Error("retrieval job failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}
