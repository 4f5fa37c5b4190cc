package services

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/granule-access/api/internal/domain"
)

const statusEventLookupErr = "status.lookup_failed"

// OrderStatusTrackerDeps bundles collaborators required to construct the tracker.
type OrderStatusTrackerDeps struct {
	Orders   OrderStatusProvider
	Services ServiceStatusProvider
	Fanout   int
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type orderStatusTracker struct {
	orders   OrderStatusProvider
	services ServiceStatusProvider
	fanout   int
	logger   func(context.Context, string, map[string]any)
}

var _ OrderStatusTracker = (*orderStatusTracker)(nil)

// NewOrderStatusTracker constructs a tracker.
func NewOrderStatusTracker(deps OrderStatusTrackerDeps) (OrderStatusTracker, error) {
	if deps.Orders == nil {
		return nil, errors.New("order status tracker: order status provider is required")
	}
	if deps.Services == nil {
		return nil, errors.New("order status tracker: service status provider is required")
	}
	fanout := deps.Fanout
	if fanout <= 0 {
		fanout = defaultLookupFanout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderStatusTracker{
		orders:   deps.Orders,
		services: deps.Services,
		fanout:   fanout,
		logger:   logger,
	}, nil
}

// Refresh recomputes every order and service status of project in place. Provider failures
// leave the affected methods in a local in-flight state; they never fail the refresh.
func (t *orderStatusTracker) Refresh(ctx context.Context, project *Project, opts RefreshOptions) error {
	if project == nil {
		return errors.New("order status tracker: project is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.refreshOrders(ctx, project.Methods(domain.AccessMethodOrder), opts)
	t.refreshServices(ctx, project.Methods(domain.AccessMethodService), opts)
	return nil
}

func (t *orderStatusTracker) refreshOrders(ctx context.Context, methods []*AccessMethod, opts RefreshOptions) {
	orders := lo.FilterMap(methods, func(m *AccessMethod, _ int) (*domain.OrderMethod, bool) {
		return m.Order, m.Order != nil
	})
	if len(orders) == 0 {
		return
	}

	ids := lo.Uniq(lo.FilterMap(orders, func(o *domain.OrderMethod, _ int) (string, bool) {
		if o.OrderID == nil || *o.OrderID == "" {
			return "", false
		}
		return *o.OrderID, true
	}))
	if len(ids) == 0 {
		// Nothing has been submitted yet.
		setOrderStatus(orders, domain.OrderStatusCreating)
		return
	}

	records, err := t.orders.Orders(ctx, opts.Token, ids)
	if err != nil {
		t.logger(ctx, statusEventLookupErr, map[string]any{"lookup": "orders", "orderIds": ids, "error": err.Error()})
		setOrderStatus(orders, domain.OrderStatusCreating)
		return
	}

	byID := lo.KeyBy(records, func(r domain.OrderRecord) string { return r.ID })
	for _, order := range orders {
		order.Status = domain.OrderStatusCreating
		if order.OrderID == nil {
			continue
		}
		if record, ok := byID[*order.OrderID]; ok {
			order.Status = record.State
		}
	}
}

func setOrderStatus(orders []*domain.OrderMethod, status string) {
	for _, order := range orders {
		order.Status = status
	}
}

func (t *orderStatusTracker) refreshServices(ctx context.Context, methods []*AccessMethod, opts RefreshOptions) {
	var g errgroup.Group
	g.SetLimit(t.fanout)
	for _, method := range methods {
		service := method.Service
		if service == nil {
			continue
		}
		resetServiceStatus(service)
		if service.CollectionID == "" {
			continue
		}
		g.Go(func() error {
			status, err := t.services.RequestStatus(ctx, opts.Token, service.CollectionID, service.OrderID, opts.ContextFlag)
			if err != nil {
				t.logger(ctx, statusEventLookupErr, map[string]any{
					"lookup":       "service_request",
					"collectionId": service.CollectionID,
					"requestId":    service.OrderID,
					"error":        err.Error(),
				})
				return nil
			}
			applyServiceStatus(service, status)
			return nil
		})
	}
	_ = g.Wait()
}

func resetServiceStatus(service *domain.ServiceMethod) {
	service.Status = domain.OrderStatusSubmitting
	service.NumberProcessed = nil
	service.TotalNumber = nil
	service.DownloadURLs = nil
	service.ErrorCode = ""
	service.ErrorMessage = ""
}

func applyServiceStatus(service *domain.ServiceMethod, status domain.ServiceRequestStatus) {
	if status.Failed {
		service.Status = domain.OrderStatusFailed
		service.ErrorCode = status.ErrorCode
		service.ErrorMessage = status.ErrorMessage
		return
	}
	if status.Status != "" {
		service.Status = status.Status
	}
	service.NumberProcessed = status.NumberProcessed
	service.TotalNumber = status.TotalNumber
	service.DownloadURLs = status.DownloadURLs
}
