package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"testing"

	"github.com/granule-access/api/internal/domain"
)

type stubCatalog struct {
	searchFn func(ctx context.Context, token string, constraints url.Values) (domain.GranulePage, error)
	calls    int
}

func (s *stubCatalog) SearchGranules(ctx context.Context, token string, constraints url.Values) (domain.GranulePage, error) {
	s.calls++
	return s.searchFn(ctx, token, constraints)
}

type stubOrderInfo struct {
	mu          sync.Mutex
	infoFn      func(ctx context.Context, token string, granuleIDs []string) ([]domain.OrderInfoRecord, error)
	optionFn    func(ctx context.Context, token, id string) (domain.OptionDefinition, error)
	dqsFn       func(ctx context.Context, token, collectionID string) (any, error)
	infoCalls   int
	optionCalls []string
}

func (s *stubOrderInfo) OrderInformation(ctx context.Context, token string, granuleIDs []string) ([]domain.OrderInfoRecord, error) {
	s.mu.Lock()
	s.infoCalls++
	s.mu.Unlock()
	if s.infoFn == nil {
		return nil, nil
	}
	return s.infoFn(ctx, token, granuleIDs)
}

func (s *stubOrderInfo) OptionDefinition(ctx context.Context, token, id string) (domain.OptionDefinition, error) {
	s.mu.Lock()
	s.optionCalls = append(s.optionCalls, id)
	s.mu.Unlock()
	return s.optionFn(ctx, token, id)
}

func (s *stubOrderInfo) DataQualitySummary(ctx context.Context, token, collectionID string) (any, error) {
	if s.dqsFn == nil {
		return nil, nil
	}
	return s.dqsFn(ctx, token, collectionID)
}

type stubServiceInfo struct {
	assignmentsFn func(ctx context.Context, token, collectionID string) ([]domain.ServiceAssignment, error)
	definitionFn  func(ctx context.Context, token, id string) (domain.ServiceOptionDefinition, error)
}

func (s *stubServiceInfo) ServiceOrderInformation(ctx context.Context, token, collectionID string) ([]domain.ServiceAssignment, error) {
	if s.assignmentsFn == nil {
		return nil, nil
	}
	return s.assignmentsFn(ctx, token, collectionID)
}

func (s *stubServiceInfo) ServiceOptionDefinition(ctx context.Context, token, id string) (domain.ServiceOptionDefinition, error) {
	return s.definitionFn(ctx, token, id)
}

type stubDownloadConfigs struct {
	getFn func(ctx context.Context, collectionID string) (domain.DownloadConfig, error)
}

func (s *stubDownloadConfigs) Get(ctx context.Context, collectionID string) (domain.DownloadConfig, error) {
	if s.getFn == nil {
		return domain.DownloadConfig{}, nil
	}
	return s.getFn(ctx, collectionID)
}

type savedDefaults struct {
	userID       string
	collectionID string
	options      any
}

type stubAccessConfigs struct {
	mu     sync.Mutex
	getFn  func(ctx context.Context, userID, collectionID string) (any, error)
	saveFn func(ctx context.Context, userID, collectionID string, options any) error
	saved  []savedDefaults
}

func (s *stubAccessConfigs) Get(ctx context.Context, userID, collectionID string) (any, error) {
	if s.getFn == nil {
		return nil, nil
	}
	return s.getFn(ctx, userID, collectionID)
}

func (s *stubAccessConfigs) Save(ctx context.Context, userID, collectionID string, options any) error {
	s.mu.Lock()
	s.saved = append(s.saved, savedDefaults{userID: userID, collectionID: collectionID, options: options})
	s.mu.Unlock()
	if s.saveFn == nil {
		return nil
	}
	return s.saveFn(ctx, userID, collectionID, options)
}

type dataAccessFixture struct {
	catalog   *stubCatalog
	orders    *stubOrderInfo
	services  *stubServiceInfo
	downloads *stubDownloadConfigs
	defaults  *stubAccessConfigs
}

func newDataAccessFixture(page domain.GranulePage) *dataAccessFixture {
	return &dataAccessFixture{
		catalog: &stubCatalog{searchFn: func(context.Context, string, url.Values) (domain.GranulePage, error) {
			return page, nil
		}},
		orders: &stubOrderInfo{optionFn: func(_ context.Context, _ string, id string) (domain.OptionDefinition, error) {
			return domain.OptionDefinition{ID: id}, nil
		}},
		services:  &stubServiceInfo{},
		downloads: &stubDownloadConfigs{},
		defaults:  &stubAccessConfigs{},
	}
}

func (f *dataAccessFixture) service(t *testing.T) DataAccessService {
	t.Helper()
	svc, err := NewDataAccessService(DataAccessServiceDeps{
		Catalog:         f.catalog,
		Orders:          f.orders,
		Services:        f.services,
		DownloadConfigs: f.downloads,
		Defaults:        f.defaults,
	})
	if err != nil {
		t.Fatalf("NewDataAccessService: %v", err)
	}
	return svc
}

func threeGranulePage(hits int) domain.GranulePage {
	return domain.GranulePage{
		Granules: []domain.GranuleSummary{
			{ID: "G1", OnlineAccess: true, SizeMegabytes: 1},
			{ID: "G2", OnlineAccess: true, SizeMegabytes: 2},
			{ID: "G3", OnlineAccess: false, SizeMegabytes: 3},
		},
		Hits:   hits,
		Header: http.Header{"Cmr-Hits": {"300"}},
	}
}

func TestResolveOptionsMergesMethodsInOrder(t *testing.T) {
	fx := newDataAccessFixture(threeGranulePage(300))
	fx.orders.infoFn = func(_ context.Context, token string, ids []string) ([]domain.OrderInfoRecord, error) {
		if token != "echo-token" {
			t.Errorf("expected token forwarded, got %q", token)
		}
		if !reflect.DeepEqual(ids, []string{"G1", "G2", "G3"}) {
			t.Errorf("unexpected granule ids %v", ids)
		}
		return []domain.OrderInfoRecord{
			{GranuleID: "G1", Orderable: true, Options: []domain.OptionRef{{ID: "OPT-A", Name: "Native"}}},
			{GranuleID: "G2", Orderable: true, Options: []domain.OptionRef{{ID: "OPT-A", Name: "Native"}, {ID: "OPT-B", Name: "Legacy"}}},
			{GranuleID: "G3", Orderable: false, Options: []domain.OptionRef{{ID: "OPT-A", Name: "Native"}}},
		}, nil
	}
	fx.orders.optionFn = func(_ context.Context, _ string, id string) (domain.OptionDefinition, error) {
		return domain.OptionDefinition{ID: id, Form: "form-" + id, Deprecated: id == "OPT-B"}, nil
	}
	fx.orders.dqsFn = func(context.Context, string, string) (any, error) { return "dqs-summary", nil }
	fx.services.assignmentsFn = func(_ context.Context, _ string, collectionID string) ([]domain.ServiceAssignment, error) {
		if collectionID != "C1-PROV" {
			t.Errorf("unexpected collection %s", collectionID)
		}
		return []domain.ServiceAssignment{{OptionDefinitionID: "SVC-1"}}, nil
	}
	fx.services.definitionFn = func(_ context.Context, _ string, id string) (domain.ServiceOptionDefinition, error) {
		return domain.ServiceOptionDefinition{ID: id, Name: "Subsetter", Form: "svc-form"}, nil
	}
	fx.downloads.getFn = func(context.Context, string) (domain.DownloadConfig, error) {
		return domain.DownloadConfig{Formats: []string{"netcdf"}, Parameters: "params"}, nil
	}
	fx.defaults.getFn = func(_ context.Context, userID, collectionID string) (any, error) {
		if userID != "user-1" {
			t.Fatalf("unexpected user %s", userID)
		}
		return "saved-defaults", nil
	}

	constraints := url.Values{"echo_collection_id": {"C1-PROV"}, "bounding_box": {"-10,0,10,20"}}
	result, err := fx.service(t).ResolveOptions(context.Background(), ResolveOptionsCommand{
		UserID:      "user-1",
		Token:       "echo-token",
		Constraints: constraints,
	})
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}

	if result.Hits != 300 || result.DQS != "dqs-summary" || result.Defaults != "saved-defaults" {
		t.Fatalf("unexpected summary fields: %+v", result)
	}
	if result.Size == nil || *result.Size != 600 || result.SizeUnit != "Megabytes" {
		t.Fatalf("unexpected size %v %s", result.Size, result.SizeUnit)
	}
	if result.Header.Get("Cmr-Hits") != "300" {
		t.Fatalf("expected catalog headers relayed, got %v", result.Header)
	}
	if len(result.Methods) != 3 {
		t.Fatalf("expected 3 methods, got %d", len(result.Methods))
	}

	download := result.Methods[0]
	if download.Type != domain.AccessMethodDownload || download.Count != 200 || download.All {
		t.Fatalf("unexpected download method %+v", download)
	}
	if !download.Download.Subset || !reflect.DeepEqual(download.Download.Spatial, []float64{0, -10, 20, 10}) {
		t.Fatalf("unexpected download payload %+v", download.Download)
	}

	order := result.Methods[1]
	if order.Type != domain.AccessMethodOrder || order.Name != "Native" || order.Count != 300 || !order.All {
		t.Fatalf("unexpected order method %+v", order)
	}
	if order.Order.OptionID == nil || *order.Order.OptionID != "OPT-A" || order.Order.Form != "form-OPT-A" {
		t.Fatalf("unexpected order payload %+v", order.Order)
	}

	service := result.Methods[2]
	if service.Type != domain.AccessMethodService || service.Name != "Subsetter" || service.Count != 3 || !service.All {
		t.Fatalf("unexpected service method %+v", service)
	}
}

func TestResolveOptionsSynthesisesGenericOrder(t *testing.T) {
	page := domain.GranulePage{
		Granules: []domain.GranuleSummary{{ID: "G1"}, {ID: "G2"}, {ID: "G3"}},
		Hits:     3,
	}
	fx := newDataAccessFixture(page)
	fx.orders.infoFn = func(context.Context, string, []string) ([]domain.OrderInfoRecord, error) {
		return []domain.OrderInfoRecord{
			{GranuleID: "G1", Orderable: true, Options: []domain.OptionRef{{ID: "OLD", Name: "Old"}}},
			{GranuleID: "G2", Orderable: true},
			{GranuleID: "G3", Orderable: true},
		}, nil
	}
	fx.orders.optionFn = func(_ context.Context, _ string, id string) (domain.OptionDefinition, error) {
		return domain.OptionDefinition{ID: id, Deprecated: true}, nil
	}

	result, err := fx.service(t).ResolveOptions(context.Background(), ResolveOptionsCommand{
		CollectionID: "C1",
		Constraints:  url.Values{},
	})
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if len(result.Methods) != 1 {
		t.Fatalf("expected only the generic order, got %+v", result.Methods)
	}
	order := result.Methods[0]
	if order.Name != "Order" || order.Count != 3 || !order.All || order.Order.OptionID != nil || order.Order.Form != nil {
		t.Fatalf("unexpected generic order %+v %+v", order, order.Order)
	}
}

func TestResolveOptionsCatalogFailureShortCircuits(t *testing.T) {
	upstream := &domain.UpstreamError{Provider: "catalog", Status: http.StatusBadRequest, Body: []byte(`{"errors":["bad"]}`)}
	fx := newDataAccessFixture(domain.GranulePage{})
	fx.catalog.searchFn = func(context.Context, string, url.Values) (domain.GranulePage, error) {
		return domain.GranulePage{}, upstream
	}

	_, err := fx.service(t).ResolveOptions(context.Background(), ResolveOptionsCommand{CollectionID: "C1"})
	var got *domain.UpstreamError
	if !errors.As(err, &got) || got != upstream {
		t.Fatalf("expected upstream error relayed, got %v", err)
	}
	if fx.orders.infoCalls != 0 {
		t.Fatalf("expected no order lookups after catalog failure")
	}
}

func TestResolveOptionsRejectsMalformedInput(t *testing.T) {
	fx := newDataAccessFixture(threeGranulePage(3))
	svc := fx.service(t)

	cases := map[string]ResolveOptionsCommand{
		"odd polygon":        {CollectionID: "C1", Constraints: url.Values{"polygon": {"1,2,3"}}},
		"non numeric point":  {CollectionID: "C1", Constraints: url.Values{"point": {"a,b"}}},
		"missing collection": {Constraints: url.Values{}},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.ResolveOptions(context.Background(), cmd); !errors.Is(err, ErrAccessInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	if fx.catalog.calls != 0 {
		t.Fatalf("expected catalog untouched, got %d calls", fx.catalog.calls)
	}
}

func TestResolveOptionsEmptyPage(t *testing.T) {
	fx := newDataAccessFixture(domain.GranulePage{Hits: 0})
	fx.defaults.getFn = func(context.Context, string, string) (any, error) { return "defaults", nil }

	result, err := fx.service(t).ResolveOptions(context.Background(), ResolveOptionsCommand{UserID: "u", CollectionID: "C1"})
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if !result.Empty || result.Hits != 0 || result.Methods == nil || len(result.Methods) != 0 || result.Defaults != "defaults" || result.Size != nil {
		t.Fatalf("unexpected empty result %+v", result)
	}
	if fx.orders.infoCalls != 0 {
		t.Fatalf("expected no order lookups for an empty page")
	}
}

func TestResolveOptionsGranulesWithoutHitsAreNotEmpty(t *testing.T) {
	page := threeGranulePage(0)
	page.Header = nil
	fx := newDataAccessFixture(page)

	result, err := fx.service(t).ResolveOptions(context.Background(), ResolveOptionsCommand{CollectionID: "C1"})
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if result.Empty {
		t.Fatalf("expected a page with granules to resolve fully, got %+v", result)
	}
	if len(result.Methods) == 0 || result.Methods[0].Type != domain.AccessMethodDownload {
		t.Fatalf("expected download method for online granules, got %+v", result.Methods)
	}
}

func TestResolveOptionsAcceptsCollectionIDList(t *testing.T) {
	fx := newDataAccessFixture(domain.GranulePage{})
	var seen []string
	fx.defaults.getFn = func(_ context.Context, _ string, collectionID string) (any, error) {
		seen = append(seen, collectionID)
		return nil, nil
	}

	constraints := url.Values{"echo_collection_id[]": {"C7-PROV"}}
	if _, err := fx.service(t).ResolveOptions(context.Background(), ResolveOptionsCommand{UserID: "u", Constraints: constraints}); err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if len(seen) != 1 || seen[0] != "C7-PROV" {
		t.Fatalf("expected list-form collection id to be used, got %v", seen)
	}
}

func TestResolveOptionsDegradesOnLookupFailures(t *testing.T) {
	fx := newDataAccessFixture(threeGranulePage(3))
	fx.orders.infoFn = func(context.Context, string, []string) ([]domain.OrderInfoRecord, error) {
		return []domain.OrderInfoRecord{
			{GranuleID: "G1", Orderable: true, Options: []domain.OptionRef{{ID: "BROKEN"}, {ID: "OK", Name: "Works"}}},
		}, nil
	}
	fx.orders.optionFn = func(_ context.Context, _ string, id string) (domain.OptionDefinition, error) {
		if id == "BROKEN" {
			return domain.OptionDefinition{}, errors.New("timeout")
		}
		return domain.OptionDefinition{ID: id}, nil
	}
	fx.orders.dqsFn = func(context.Context, string, string) (any, error) { return nil, errors.New("down") }
	fx.services.assignmentsFn = func(context.Context, string, string) ([]domain.ServiceAssignment, error) {
		return nil, &domain.UpstreamError{Status: http.StatusBadGateway}
	}
	fx.downloads.getFn = func(context.Context, string) (domain.DownloadConfig, error) {
		return domain.DownloadConfig{}, errors.New("gcs unavailable")
	}

	var events []string
	var mu sync.Mutex
	svc, err := NewDataAccessService(DataAccessServiceDeps{
		Catalog:         fx.catalog,
		Orders:          fx.orders,
		Services:        fx.services,
		DownloadConfigs: fx.downloads,
		Defaults:        fx.defaults,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewDataAccessService: %v", err)
	}

	result, err := svc.ResolveOptions(context.Background(), ResolveOptionsCommand{CollectionID: "C1"})
	if err != nil {
		t.Fatalf("ResolveOptions: %v", err)
	}
	if result.DQS != nil {
		t.Fatalf("expected nil dqs, got %v", result.DQS)
	}
	if len(result.Methods) != 2 {
		t.Fatalf("expected download and one order, got %+v", result.Methods)
	}
	if result.Methods[0].Download.Subset {
		t.Fatalf("expected download without subsetting")
	}
	if result.Methods[1].Name != "Works" {
		t.Fatalf("expected surviving option, got %+v", result.Methods[1])
	}
	if len(events) != 4 {
		t.Fatalf("expected four lookup failures logged, got %v", events)
	}
}

func TestNewDataAccessServiceRequiresDependencies(t *testing.T) {
	if _, err := NewDataAccessService(DataAccessServiceDeps{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
