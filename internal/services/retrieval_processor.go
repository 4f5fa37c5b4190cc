package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/textutil"
	"github.com/granule-access/api/internal/providers"
	"github.com/granule-access/api/internal/repositories"
)

const (
	defaultProcessorInitialInterval = 500 * time.Millisecond
	defaultProcessorMaxElapsed      = 30 * time.Second
	retrievalCallbackPath           = "/retrievals/"

	jobEventSkipped       = "retrieval.job.skipped"
	jobEventMissing       = "retrieval.job.missing"
	jobEventOrderCreated  = "retrieval.job.order_created"
	jobEventServiceQueued = "retrieval.job.service_submitted"
	jobEventRetry         = "retrieval.job.retry"
	jobEventItemFailed    = "retrieval.job.item_failed"
)

// ErrRetrievalJobTransient indicates the job should be redelivered.
var ErrRetrievalJobTransient = errors.New("retrieval job: transient failure")

// RetrievalProcessorDeps bundles collaborators required to construct the processor.
type RetrievalProcessorDeps struct {
	Retrievals  repositories.RetrievalRepository
	Orders      OrderCreator
	Services    ServiceSubmitter
	IDs         *IDObfuscator
	Environment string
	// InitialInterval and MaxElapsed bound the retry schedule of each provider call.
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type retrievalProcessor struct {
	retrievals  repositories.RetrievalRepository
	orders      OrderCreator
	services    ServiceSubmitter
	ids         *IDObfuscator
	environment string
	initial     time.Duration
	maxElapsed  time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ RetrievalProcessor = (*retrievalProcessor)(nil)

// NewRetrievalProcessor wires the background worker.
func NewRetrievalProcessor(deps RetrievalProcessorDeps) (RetrievalProcessor, error) {
	if deps.Retrievals == nil {
		return nil, errors.New("retrieval processor: retrieval repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("retrieval processor: order creator is required")
	}
	if deps.Services == nil {
		return nil, errors.New("retrieval processor: service submitter is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("retrieval processor: id obfuscator is required")
	}
	initial := deps.InitialInterval
	if initial <= 0 {
		initial = defaultProcessorInitialInterval
	}
	maxElapsed := deps.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultProcessorMaxElapsed
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &retrievalProcessor{
		retrievals:  deps.Retrievals,
		orders:      deps.Orders,
		services:    deps.Services,
		ids:         deps.IDs,
		environment: strings.ToLower(strings.TrimSpace(deps.Environment)),
		initial:     initial,
		maxElapsed:  maxElapsed,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Process creates the provider orders and service requests that a retrieval still lacks.
// Each created id is persisted immediately, so a redelivered job resumes where the previous
// attempt stopped. Items rejected with a permanent provider error are logged and skipped.
func (p *retrievalProcessor) Process(ctx context.Context, job RetrievalJob) error {
	if env := strings.ToLower(strings.TrimSpace(job.Environment)); p.environment != "" && env != p.environment {
		p.logger(ctx, jobEventSkipped, map[string]any{"jobId": job.JobID, "environment": job.Environment})
		return nil
	}

	retrieval, err := p.retrievals.FindByID(ctx, job.RetrievalID)
	if err != nil {
		if isRepoNotFound(err) {
			p.logger(ctx, jobEventMissing, map[string]any{"jobId": job.JobID, "retrievalId": job.RetrievalID})
			return nil
		}
		return fmt.Errorf("%w: load retrieval: %v", ErrRetrievalJobTransient, err)
	}

	callback := strings.TrimRight(job.BaseURL, "/") + retrievalCallbackPath + p.ids.Obfuscate(retrieval.ID)

	var transient error
	for ci := range retrieval.Project.Collections {
		collection := &retrieval.Project.Collections[ci]
		for mi := range collection.ServiceOptions.AccessMethod {
			method := &collection.ServiceOptions.AccessMethod[mi]

			created, err := p.materialize(ctx, job, collection, method, callback)
			if err != nil {
				var upstream *domain.UpstreamError
				if errors.As(err, &upstream) && upstream.Permanent() {
					p.logger(ctx, jobEventItemFailed, map[string]any{
						"jobId":        job.JobID,
						"collectionId": collection.ID,
						"method":       method.Name,
						"status":       upstream.Status,
					})
					continue
				}
				transient = errors.Join(transient, err)
				continue
			}
			if !created {
				continue
			}

			retrieval.UpdatedAt = p.clock()
			if err := p.retrievals.Update(ctx, retrieval); err != nil {
				return fmt.Errorf("%w: persist retrieval: %v", ErrRetrievalJobTransient, err)
			}
		}
	}

	if transient != nil {
		return fmt.Errorf("%w: %v", ErrRetrievalJobTransient, transient)
	}
	return nil
}

// materialize creates the provider-side item for method when it has none yet.
func (p *retrievalProcessor) materialize(ctx context.Context, job RetrievalJob, collection *domain.CollectionSelection, method *AccessMethod, callback string) (bool, error) {
	switch {
	case method.Order != nil:
		order := method.Order
		if order.OrderID != nil && *order.OrderID != "" {
			return false, nil
		}
		req := providers.OrderRequest{
			CollectionID: collection.ID,
			GranuleQuery: collection.Params,
			Model:        order.Model,
		}
		if order.OptionID != nil {
			req.OptionID = *order.OptionID
		}
		id, err := p.retry(ctx, job, "create_order", func() (string, error) {
			return p.orders.CreateOrder(ctx, job.Token, req)
		})
		if err != nil {
			return false, err
		}
		order.OrderID = &id
		p.logger(ctx, jobEventOrderCreated, map[string]any{"jobId": job.JobID, "collectionId": collection.ID, "orderId": id})
		return true, nil

	case method.Service != nil:
		service := method.Service
		if service.OrderID != "" {
			return false, nil
		}
		req := providers.ServiceRequest{
			CollectionID: collection.ID,
			GranuleQuery: collection.Params,
			Options:      textutil.NormalizeAttributes(serviceOptionValues(service.ServiceOptions)),
			CallbackURL:  callback,
		}
		id, err := p.retry(ctx, job, "submit_service_request", func() (string, error) {
			return p.services.SubmitRequest(ctx, job.Token, req)
		})
		if err != nil {
			return false, err
		}
		service.CollectionID = collection.ID
		service.OrderID = id
		p.logger(ctx, jobEventServiceQueued, map[string]any{"jobId": job.JobID, "collectionId": collection.ID, "requestId": id})
		return true, nil
	}
	return false, nil
}

func (p *retrievalProcessor) retry(ctx context.Context, job RetrievalJob, op string, fn func() (string, error)) (string, error) {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.initial

	return backoff.Retry(ctx, func() (string, error) {
		id, err := fn()
		if err != nil {
			var upstream *domain.UpstreamError
			if errors.As(err, &upstream) && upstream.Permanent() {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return id, nil
	},
		backoff.WithBackOff(schedule),
		backoff.WithMaxElapsedTime(p.maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger(ctx, jobEventRetry, map[string]any{"jobId": job.JobID, "op": op, "error": err.Error(), "wait": wait.String()})
		}),
	)
}

// serviceOptionValues flattens a service options object into form fields. Nested values are
// ignored since the provider only accepts scalar fields.
func serviceOptionValues(options any) map[string]string {
	fields, ok := options.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		switch v := value.(type) {
		case string:
			out[key] = v
		case bool, float64, int, int64:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}
