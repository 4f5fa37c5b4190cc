package services

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/providers"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Retrieval          = domain.Retrieval
	Project            = domain.Project
	AccessMethod       = domain.AccessMethod
	AccessOptions      = domain.AccessOptions
	RetrievalJob       = domain.RetrievalJob
	SystemHealthReport = domain.SystemHealthReport
)

// DataAccessService resolves the menu of access methods for a granule selection.
type DataAccessService interface {
	ResolveOptions(ctx context.Context, cmd ResolveOptionsCommand) (AccessOptions, error)
}

// OrderStatusTracker re-derives order and service statuses of a project from provider state.
type OrderStatusTracker interface {
	Refresh(ctx context.Context, project *Project, opts RefreshOptions) error
}

// RetrievalService manages the retrieval lifecycle on behalf of a signed-in user.
type RetrievalService interface {
	CreateRetrieval(ctx context.Context, cmd CreateRetrievalCommand) (RetrievalView, error)
	GetRetrieval(ctx context.Context, cmd GetRetrievalCommand) (RetrievalView, error)
	ListRetrievals(ctx context.Context, cmd ListRetrievalsCommand) (domain.CursorPage[RetrievalView], error)
	DeleteRetrieval(ctx context.Context, cmd DeleteRetrievalCommand) error
	RemoveOrder(ctx context.Context, cmd RemoveOrderCommand) (providers.ProviderResponse, error)
}

// RetrievalProcessor performs the deferred provider-side order and service creation.
type RetrievalProcessor interface {
	Process(ctx context.Context, job RetrievalJob) error
}

// SystemService exposes operational endpoints such as health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// GranuleCatalog searches the granule catalog.
type GranuleCatalog interface {
	SearchGranules(ctx context.Context, token string, constraints url.Values) (domain.GranulePage, error)
}

// OrderInformationProvider answers orderability and option-definition lookups.
type OrderInformationProvider interface {
	OrderInformation(ctx context.Context, token string, granuleIDs []string) ([]domain.OrderInfoRecord, error)
	OptionDefinition(ctx context.Context, token, id string) (domain.OptionDefinition, error)
	DataQualitySummary(ctx context.Context, token, collectionID string) (any, error)
}

// ServiceInformationProvider lists the service options assigned to a collection.
type ServiceInformationProvider interface {
	ServiceOrderInformation(ctx context.Context, token, collectionID string) ([]domain.ServiceAssignment, error)
	ServiceOptionDefinition(ctx context.Context, token, id string) (domain.ServiceOptionDefinition, error)
}

// OrderStatusProvider reads the current state of placed orders.
type OrderStatusProvider interface {
	Orders(ctx context.Context, token string, orderIDs []string) ([]domain.OrderRecord, error)
}

// ServiceStatusProvider reads the current state of a service request.
type ServiceStatusProvider interface {
	RequestStatus(ctx context.Context, token, collectionID, requestID, contextFlag string) (domain.ServiceRequestStatus, error)
}

// OrderRemover deletes provider orders.
type OrderRemover interface {
	DeleteOrder(ctx context.Context, token, orderID string) (providers.ProviderResponse, error)
}

// OrderCreator places provider orders.
type OrderCreator interface {
	CreateOrder(ctx context.Context, token string, req providers.OrderRequest) (string, error)
}

// ServiceSubmitter submits service requests.
type ServiceSubmitter interface {
	SubmitRequest(ctx context.Context, token string, req providers.ServiceRequest) (string, error)
}

// RetrievalJobPublisher hands retrieval jobs to the background queue.
type RetrievalJobPublisher interface {
	PublishRetrievalJob(ctx context.Context, job RetrievalJob) (string, error)
}

// ResolveOptionsCommand carries the caller and catalog constraints for option resolution.
type ResolveOptionsCommand struct {
	UserID       string
	Token        string
	CollectionID string
	Constraints  url.Values
}

// RefreshOptions controls a status refresh.
type RefreshOptions struct {
	Token string
	// ContextFlag is forwarded untouched to the service provider.
	ContextFlag string
}

// CreateRetrievalCommand submits a project for retrieval.
type CreateRetrievalCommand struct {
	UserID      string
	Token       string
	Environment string
	BaseURL     string
	Project     json.RawMessage
}

// GetRetrievalCommand reads a retrieval with refreshed statuses.
type GetRetrievalCommand struct {
	RetrievalID string
	UserID      string
	Token       string
	ContextFlag string
}

// ListRetrievalsCommand lists the caller's retrievals newest first.
type ListRetrievalsCommand struct {
	UserID     string
	Pagination Pagination
}

// DeleteRetrievalCommand removes a retrieval owned by the caller.
type DeleteRetrievalCommand struct {
	RetrievalID string
	UserID      string
}

// RemoveOrderCommand proxies an order deletion to the order provider.
type RemoveOrderCommand struct {
	OrderID string
	Token   string
}

// RetrievalView is a retrieval together with its externally visible id.
type RetrievalView struct {
	ID        string
	Retrieval Retrieval
}
