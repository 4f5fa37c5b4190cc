package services

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/granule-access/api/internal/domain"
)

type stubOrderStatus struct {
	ordersFn func(ctx context.Context, token string, ids []string) ([]domain.OrderRecord, error)
	calls    int
}

func (s *stubOrderStatus) Orders(ctx context.Context, token string, ids []string) ([]domain.OrderRecord, error) {
	s.calls++
	if s.ordersFn == nil {
		return nil, nil
	}
	return s.ordersFn(ctx, token, ids)
}

type serviceStatusCall struct {
	collectionID string
	requestID    string
	contextFlag  string
}

type stubServiceStatus struct {
	mu       sync.Mutex
	statusFn func(ctx context.Context, token, collectionID, requestID, contextFlag string) (domain.ServiceRequestStatus, error)
	calls    []serviceStatusCall
}

func (s *stubServiceStatus) RequestStatus(ctx context.Context, token, collectionID, requestID, contextFlag string) (domain.ServiceRequestStatus, error) {
	s.mu.Lock()
	s.calls = append(s.calls, serviceStatusCall{collectionID: collectionID, requestID: requestID, contextFlag: contextFlag})
	s.mu.Unlock()
	return s.statusFn(ctx, token, collectionID, requestID, contextFlag)
}

func newTracker(t *testing.T, orders *stubOrderStatus, services *stubServiceStatus) OrderStatusTracker {
	t.Helper()
	tracker, err := NewOrderStatusTracker(OrderStatusTrackerDeps{Orders: orders, Services: services})
	if err != nil {
		t.Fatalf("NewOrderStatusTracker: %v", err)
	}
	return tracker
}

func strPtr(v string) *string { return &v }

func orderProject(orderIDs ...*string) domain.Project {
	methods := make([]domain.AccessMethod, 0, len(orderIDs))
	for _, id := range orderIDs {
		methods = append(methods, domain.NewOrderMethod("Order", 1, true, domain.OrderMethod{OrderID: id}))
	}
	return domain.Project{Collections: []domain.CollectionSelection{
		{ID: "C1", ServiceOptions: domain.ServiceOptions{AccessMethod: methods}},
	}}
}

func orderStatuses(project domain.Project) []string {
	var out []string
	for _, m := range project.Methods(domain.AccessMethodOrder) {
		out = append(out, m.Order.Status)
	}
	return out
}

func TestRefreshWithoutOrderIDsSkipsBatchCall(t *testing.T) {
	orders := &stubOrderStatus{}
	project := orderProject(nil, strPtr(""))

	if err := newTracker(t, orders, &stubServiceStatus{}).Refresh(context.Background(), &project, RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if orders.calls != 0 {
		t.Fatalf("expected no batch order lookup, got %d calls", orders.calls)
	}
	if got := orderStatuses(project); !reflect.DeepEqual(got, []string{"creating", "creating"}) {
		t.Fatalf("unexpected statuses %v", got)
	}
}

func TestRefreshCopiesProviderOrderStates(t *testing.T) {
	orders := &stubOrderStatus{ordersFn: func(_ context.Context, token string, ids []string) ([]domain.OrderRecord, error) {
		if token != "tok" {
			t.Fatalf("expected token, got %q", token)
		}
		if !reflect.DeepEqual(ids, []string{"o1", "o2"}) {
			t.Fatalf("unexpected ids %v", ids)
		}
		return []domain.OrderRecord{{ID: "o1", State: "PROCESSING"}}, nil
	}}
	project := orderProject(strPtr("o1"), strPtr("o2"), nil, strPtr("o1"))

	if err := newTracker(t, orders, &stubServiceStatus{}).Refresh(context.Background(), &project, RefreshOptions{Token: "tok"}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := []string{"PROCESSING", "creating", "creating", "PROCESSING"}
	if got := orderStatuses(project); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRefreshOrderLookupFailureFallsBackToCreating(t *testing.T) {
	orders := &stubOrderStatus{ordersFn: func(context.Context, string, []string) ([]domain.OrderRecord, error) {
		return nil, &domain.UpstreamError{Status: 500}
	}}
	project := orderProject(strPtr("o1"))
	project.Collections[0].ServiceOptions.AccessMethod[0].Order.Status = "PROCESSING"

	if err := newTracker(t, orders, &stubServiceStatus{}).Refresh(context.Background(), &project, RefreshOptions{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := orderStatuses(project); !reflect.DeepEqual(got, []string{"creating"}) {
		t.Fatalf("unexpected statuses %v", got)
	}
}

func TestRefreshServiceStatuses(t *testing.T) {
	processed, total := 2, 5
	services := &stubServiceStatus{statusFn: func(_ context.Context, _ string, collectionID, requestID, _ string) (domain.ServiceRequestStatus, error) {
		switch requestID {
		case "ok":
			return domain.ServiceRequestStatus{
				Status:          "processing",
				NumberProcessed: &processed,
				TotalNumber:     &total,
				DownloadURLs:    []string{"https://example.com/a.nc"},
			}, nil
		case "broken":
			return domain.ServiceRequestStatus{Status: "failed", Failed: true, ErrorCode: "X", ErrorMessage: "bad request"}, nil
		case "silent":
			return domain.ServiceRequestStatus{DownloadURLs: []string{}}, nil
		default:
			return domain.ServiceRequestStatus{}, errors.New("timeout")
		}
	}}

	newService := func(collectionID, requestID string) domain.AccessMethod {
		return domain.NewServiceMethod("Subset", 3, true, domain.ServiceMethod{
			OptionID:     "S1",
			CollectionID: collectionID,
			OrderID:      requestID,
			ErrorCode:    "stale",
		})
	}
	project := domain.Project{Collections: []domain.CollectionSelection{{
		ID: "C1",
		ServiceOptions: domain.ServiceOptions{AccessMethod: []domain.AccessMethod{
			newService("C1", "ok"),
			newService("C1", "broken"),
			newService("", ""),
			newService("C1", "timeout"),
			newService("C1", "silent"),
		}},
	}}}

	if err := newTracker(t, &stubOrderStatus{}, services).Refresh(context.Background(), &project, RefreshOptions{ContextFlag: "1"}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	methods := project.Methods(domain.AccessMethodService)
	ok := methods[0].Service
	if ok.Status != "processing" || *ok.NumberProcessed != 2 || *ok.TotalNumber != 5 || len(ok.DownloadURLs) != 1 || ok.ErrorCode != "" {
		t.Fatalf("unexpected successful status %+v", ok)
	}
	broken := methods[1].Service
	if broken.Status != "failed" || broken.ErrorCode != "X" || broken.ErrorMessage != "bad request" {
		t.Fatalf("unexpected failed status %+v", broken)
	}
	if methods[2].Service.Status != "submitting" {
		t.Fatalf("expected uncontacted method to be submitting, got %q", methods[2].Service.Status)
	}
	if methods[3].Service.Status != "submitting" || methods[3].Service.ErrorCode != "" {
		t.Fatalf("expected transport failure to keep submitting, got %+v", methods[3].Service)
	}
	if methods[4].Service.Status != "submitting" {
		t.Fatalf("expected missing request status to keep submitting, got %q", methods[4].Service.Status)
	}

	if len(services.calls) != 4 {
		t.Fatalf("expected 4 provider calls, got %d", len(services.calls))
	}
	for _, call := range services.calls {
		if call.contextFlag != "1" || call.collectionID != "C1" {
			t.Fatalf("unexpected call %+v", call)
		}
	}
}

func TestRefreshRequiresProject(t *testing.T) {
	if err := newTracker(t, &stubOrderStatus{}, &stubServiceStatus{}).Refresh(context.Background(), nil, RefreshOptions{}); err == nil {
		t.Fatalf("expected error for nil project")
	}
}
