package services

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/providers"
)

type stubOrderCreator struct {
	createFn func(ctx context.Context, token string, req providers.OrderRequest) (string, error)
	requests []providers.OrderRequest
}

func (s *stubOrderCreator) CreateOrder(ctx context.Context, token string, req providers.OrderRequest) (string, error) {
	s.requests = append(s.requests, req)
	return s.createFn(ctx, token, req)
}

type stubServiceSubmitter struct {
	submitFn func(ctx context.Context, token string, req providers.ServiceRequest) (string, error)
	requests []providers.ServiceRequest
}

func (s *stubServiceSubmitter) SubmitRequest(ctx context.Context, token string, req providers.ServiceRequest) (string, error) {
	s.requests = append(s.requests, req)
	return s.submitFn(ctx, token, req)
}

func processorRetrieval() domain.Retrieval {
	option := "OPT-A"
	existing := "echo-existing"
	return domain.Retrieval{
		ID:     7,
		UserID: "u",
		Project: domain.Project{Collections: []domain.CollectionSelection{
			{
				ID:     "C1",
				Params: "echo_collection_id=C1&bounding_box=0,0,10,10",
				ServiceOptions: domain.ServiceOptions{AccessMethod: []domain.AccessMethod{
					domain.NewDownloadMethod("Download", 3, true, domain.DownloadMethod{}),
					domain.NewOrderMethod("Native", 3, true, domain.OrderMethod{OptionID: &option, Model: "<ecs:options/>"}),
					domain.NewServiceMethod("Subsetter", 3, true, domain.ServiceMethod{
						OptionID:       "S1",
						ServiceOptions: map[string]any{"format": " netCDF ", "spatial": true, "empty": "", "nested": map[string]any{"x": 1}},
					}),
				}},
			},
			{
				ID: "C2",
				ServiceOptions: domain.ServiceOptions{AccessMethod: []domain.AccessMethod{
					domain.NewOrderMethod("Order", 1, true, domain.OrderMethod{OrderID: &existing}),
				}},
			},
		}},
	}
}

type processorFixture struct {
	repo     *stubRetrievalRepo
	orders   *stubOrderCreator
	services *stubServiceSubmitter
	ids      *IDObfuscator
	events   []string
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	ids, err := NewIDObfuscator("test-key")
	if err != nil {
		t.Fatalf("NewIDObfuscator: %v", err)
	}
	return &processorFixture{
		repo: &stubRetrievalRepo{findFn: func(context.Context, int64) (domain.Retrieval, error) {
			return processorRetrieval(), nil
		}},
		orders: &stubOrderCreator{createFn: func(context.Context, string, providers.OrderRequest) (string, error) {
			return "echo-new", nil
		}},
		services: &stubServiceSubmitter{submitFn: func(context.Context, string, providers.ServiceRequest) (string, error) {
			return "egi-1", nil
		}},
		ids: ids,
	}
}

func (f *processorFixture) processor(t *testing.T) RetrievalProcessor {
	t.Helper()
	p, err := NewRetrievalProcessor(RetrievalProcessorDeps{
		Retrievals:      f.repo,
		Orders:          f.orders,
		Services:        f.services,
		IDs:             f.ids,
		Environment:     "prod",
		InitialInterval: time.Millisecond,
		MaxElapsed:      20 * time.Millisecond,
		Clock:           func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			f.events = append(f.events, event)
		},
	})
	if err != nil {
		t.Fatalf("NewRetrievalProcessor: %v", err)
	}
	return p
}

func sampleJob() RetrievalJob {
	return RetrievalJob{JobID: "job-1", RetrievalID: 7, Token: "tok", Environment: "PROD", BaseURL: "https://search.example.com/"}
}

func TestProcessCreatesMissingOrdersAndServices(t *testing.T) {
	fx := newProcessorFixture(t)

	if err := fx.processor(t).Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(fx.orders.requests) != 1 {
		t.Fatalf("expected one order, got %d", len(fx.orders.requests))
	}
	order := fx.orders.requests[0]
	if order.CollectionID != "C1" || order.OptionID != "OPT-A" || order.Model != "<ecs:options/>" || order.GranuleQuery != "echo_collection_id=C1&bounding_box=0,0,10,10" {
		t.Fatalf("unexpected order request %+v", order)
	}

	if len(fx.services.requests) != 1 {
		t.Fatalf("expected one service request, got %d", len(fx.services.requests))
	}
	service := fx.services.requests[0]
	wantCallback := "https://search.example.com/retrievals/" + fx.ids.Obfuscate(7)
	if service.CallbackURL != wantCallback {
		t.Fatalf("expected callback %s, got %s", wantCallback, service.CallbackURL)
	}
	if !reflect.DeepEqual(service.Options, map[string]string{"format": "netCDF", "spatial": "true"}) {
		t.Fatalf("unexpected service options %v", service.Options)
	}

	if len(fx.repo.updated) != 2 {
		t.Fatalf("expected a persist after each creation, got %d", len(fx.repo.updated))
	}
	final := fx.repo.updated[1].Project
	orders := final.Methods(domain.AccessMethodOrder)
	if *orders[0].Order.OrderID != "echo-new" || *orders[1].Order.OrderID != "echo-existing" {
		t.Fatalf("unexpected order ids %s %s", *orders[0].Order.OrderID, *orders[1].Order.OrderID)
	}
	services := final.Methods(domain.AccessMethodService)
	if services[0].Service.OrderID != "egi-1" || services[0].Service.CollectionID != "C1" {
		t.Fatalf("unexpected service method %+v", services[0].Service)
	}
	// The first snapshot only carries the order.
	if fx.repo.updated[0].Project.Methods(domain.AccessMethodService)[0].Service.OrderID != "" {
		t.Fatalf("expected first persist before service submission")
	}
}

func TestProcessSkipsOtherEnvironments(t *testing.T) {
	fx := newProcessorFixture(t)
	job := sampleJob()
	job.Environment = "uat"

	if err := fx.processor(t).Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(fx.orders.requests) != 0 || len(fx.repo.updated) != 0 {
		t.Fatalf("expected job for another environment to be ignored")
	}
}

func TestProcessAcknowledgesMissingRetrieval(t *testing.T) {
	fx := newProcessorFixture(t)
	fx.repo.findFn = func(context.Context, int64) (domain.Retrieval, error) {
		return domain.Retrieval{}, notFoundError{}
	}
	if err := fx.processor(t).Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("expected missing retrieval to be acknowledged, got %v", err)
	}

	fx.repo.findFn = func(context.Context, int64) (domain.Retrieval, error) {
		return domain.Retrieval{}, errors.New("firestore unavailable")
	}
	if err := fx.processor(t).Process(context.Background(), sampleJob()); !errors.Is(err, ErrRetrievalJobTransient) {
		t.Fatalf("expected transient error on load failure, got %v", err)
	}
}

func TestProcessSkipsPermanentlyRejectedItems(t *testing.T) {
	fx := newProcessorFixture(t)
	calls := 0
	fx.orders.createFn = func(context.Context, string, providers.OrderRequest) (string, error) {
		calls++
		return "", &domain.UpstreamError{Provider: "orders", Status: http.StatusUnprocessableEntity}
	}

	if err := fx.processor(t).Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("expected permanent rejection to be acknowledged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retries for a permanent error, got %d calls", calls)
	}
	if len(fx.services.requests) != 1 {
		t.Fatalf("expected processing to continue past the rejected order")
	}
	found := false
	for _, event := range fx.events {
		if event == jobEventItemFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s event, got %v", jobEventItemFailed, fx.events)
	}
}

func TestProcessReportsTransientFailures(t *testing.T) {
	fx := newProcessorFixture(t)
	calls := 0
	fx.services.submitFn = func(context.Context, string, providers.ServiceRequest) (string, error) {
		calls++
		return "", &domain.UpstreamError{Provider: "services", Status: http.StatusServiceUnavailable}
	}

	err := fx.processor(t).Process(context.Background(), sampleJob())
	if !errors.Is(err, ErrRetrievalJobTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls < 2 {
		t.Fatalf("expected retries before giving up, got %d calls", calls)
	}
	if len(fx.repo.updated) != 1 {
		t.Fatalf("expected the created order to be persisted, got %d updates", len(fx.repo.updated))
	}
}

func TestNewRetrievalProcessorRequiresDeps(t *testing.T) {
	if _, err := NewRetrievalProcessor(RetrievalProcessorDeps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}
