package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/spatial"
	"github.com/granule-access/api/internal/platform/units"
	"github.com/granule-access/api/internal/repositories"
)

const (
	downloadMethodName   = "Download"
	genericOrderName     = "Order"
	defaultLookupFanout  = 8
	collectionIDParam    = "echo_collection_id"
	collectionIDsParam   = "echo_collection_id[]"
	accessEventLookupErr = "access.lookup_failed"
)

// ErrAccessInvalidInput indicates the option request is malformed and no provider was called.
var ErrAccessInvalidInput = errors.New("access: invalid input")

// DataAccessServiceDeps bundles collaborators required to construct the data access service.
type DataAccessServiceDeps struct {
	Catalog         GranuleCatalog
	Orders          OrderInformationProvider
	Services        ServiceInformationProvider
	DownloadConfigs repositories.DownloadConfigRepository
	Defaults        repositories.AccessConfigRepository
	// Fanout caps concurrent option-definition lookups per branch.
	Fanout int
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type dataAccessService struct {
	catalog   GranuleCatalog
	orders    OrderInformationProvider
	services  ServiceInformationProvider
	downloads repositories.DownloadConfigRepository
	defaults  repositories.AccessConfigRepository
	fanout    int
	logger    func(context.Context, string, map[string]any)
}

var _ DataAccessService = (*dataAccessService)(nil)

// NewDataAccessService wires the access method resolver.
func NewDataAccessService(deps DataAccessServiceDeps) (DataAccessService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("data access service: granule catalog is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("data access service: order information provider is required")
	}
	if deps.Services == nil {
		return nil, errors.New("data access service: service information provider is required")
	}
	if deps.DownloadConfigs == nil {
		return nil, errors.New("data access service: download config repository is required")
	}
	if deps.Defaults == nil {
		return nil, errors.New("data access service: access config repository is required")
	}
	fanout := deps.Fanout
	if fanout <= 0 {
		fanout = defaultLookupFanout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &dataAccessService{
		catalog:   deps.Catalog,
		orders:    deps.Orders,
		services:  deps.Services,
		downloads: deps.DownloadConfigs,
		defaults:  deps.Defaults,
		fanout:    fanout,
		logger:    logger,
	}, nil
}

// ResolveOptions searches the catalog once and merges download, order and service methods in
// that order. A catalog failure is returned as is so callers can relay it; every later lookup
// degrades to fewer methods instead of failing the request.
func (s *dataAccessService) ResolveOptions(ctx context.Context, cmd ResolveOptionsCommand) (AccessOptions, error) {
	collectionID := strings.TrimSpace(cmd.CollectionID)
	if collectionID == "" {
		collectionID = strings.TrimSpace(cmd.Constraints.Get(collectionIDParam))
	}
	if collectionID == "" {
		collectionID = strings.TrimSpace(cmd.Constraints.Get(collectionIDsParam))
	}
	if collectionID == "" {
		return AccessOptions{}, fmt.Errorf("%w: %s is required", ErrAccessInvalidInput, collectionIDParam)
	}
	mbr, err := spatial.FromConstraints(cmd.Constraints)
	if err != nil {
		return AccessOptions{}, fmt.Errorf("%w: %v", ErrAccessInvalidInput, err)
	}

	page, err := s.catalog.SearchGranules(ctx, cmd.Token, cmd.Constraints)
	if err != nil {
		return AccessOptions{}, err
	}

	defaults := s.loadDefaults(ctx, cmd.UserID, collectionID)
	if len(page.Granules) == 0 {
		return AccessOptions{Empty: true, Hits: 0, Methods: []AccessMethod{}, Defaults: defaults, Header: page.Header}, nil
	}

	sel := selection{
		token:        cmd.Token,
		collectionID: collectionID,
		granules:     page.Granules,
		hits:         page.Hits,
		mbr:          mbr,
	}

	var (
		dqs       any
		downloads []AccessMethod
		ordered   []AccessMethod
		serviced  []AccessMethod
		g         errgroup.Group
	)
	g.Go(func() error {
		summary, err := s.orders.DataQualitySummary(ctx, cmd.Token, collectionID)
		if err != nil {
			s.lookupFailed(ctx, "data_quality_summary", collectionID, err)
			return nil
		}
		dqs = summary
		return nil
	})
	g.Go(func() error { downloads = s.downloadMethods(ctx, sel); return nil })
	g.Go(func() error { ordered = s.orderMethods(ctx, sel); return nil })
	g.Go(func() error { serviced = s.serviceMethods(ctx, sel); return nil })
	_ = g.Wait()

	size := units.HumanizeBytes(units.MegabytesToBytes(lo.SumBy(page.Granules, func(granule domain.GranuleSummary) float64 {
		return granule.SizeMegabytes
	})/float64(len(page.Granules))) * float64(page.Hits))

	methods := make([]AccessMethod, 0, len(downloads)+len(ordered)+len(serviced))
	methods = append(methods, downloads...)
	methods = append(methods, ordered...)
	methods = append(methods, serviced...)

	return AccessOptions{
		Hits:     page.Hits,
		DQS:      dqs,
		Size:     &size.Value,
		SizeUnit: size.Unit,
		Methods:  methods,
		Defaults: defaults,
		Header:   page.Header,
	}, nil
}

type selection struct {
	token        string
	collectionID string
	granules     []domain.GranuleSummary
	hits         int
	mbr          *spatial.MBR
}

// extrapolate scales a count observed on the sample page to the full hit count.
func (sel selection) extrapolate(count int) int {
	return int(math.Round(float64(sel.hits) * float64(count) / float64(len(sel.granules))))
}

func (s *dataAccessService) downloadMethods(ctx context.Context, sel selection) []AccessMethod {
	downloadable := lo.CountBy(sel.granules, func(g domain.GranuleSummary) bool { return g.OnlineAccess })
	if downloadable == 0 {
		return nil
	}

	cfg, err := s.downloads.Get(ctx, sel.collectionID)
	if err != nil {
		s.lookupFailed(ctx, "download_config", sel.collectionID, err)
		cfg = domain.DownloadConfig{}
	}
	payload := domain.DownloadMethod{
		Subset:     len(cfg.Formats) > 0,
		Parameters: cfg.Parameters,
		Formats:    cfg.Formats,
	}
	if sel.mbr != nil {
		payload.Spatial = sel.mbr.Slice()
	}
	return []AccessMethod{
		domain.NewDownloadMethod(downloadMethodName, sel.extrapolate(downloadable), downloadable == len(sel.granules), payload),
	}
}

type optionTally struct {
	id    string
	name  string
	count int
}

func (s *dataAccessService) orderMethods(ctx context.Context, sel selection) []AccessMethod {
	ids := lo.Map(sel.granules, func(g domain.GranuleSummary, _ int) string { return g.ID })
	records, err := s.orders.OrderInformation(ctx, sel.token, ids)
	if err != nil {
		s.lookupFailed(ctx, "order_information", sel.collectionID, err)
		return nil
	}

	orderable := 0
	var tallies []*optionTally
	byID := make(map[string]*optionTally)
	for _, record := range records {
		if record.Orderable {
			orderable++
		}
		for _, ref := range record.Options {
			tally, ok := byID[ref.ID]
			if !ok {
				tally = &optionTally{id: ref.ID, name: ref.Name}
				byID[ref.ID] = tally
				tallies = append(tallies, tally)
			}
			tally.count++
		}
	}

	definitions := make([]*domain.OptionDefinition, len(tallies))
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for i, tally := range tallies {
		g.Go(func() error {
			def, err := s.orders.OptionDefinition(ctx, sel.token, tally.id)
			if err != nil {
				s.lookupFailed(ctx, "option_definition:"+tally.id, sel.collectionID, err)
				return nil
			}
			definitions[i] = &def
			return nil
		})
	}
	_ = g.Wait()

	var methods []AccessMethod
	for i, tally := range tallies {
		def := definitions[i]
		if def == nil || def.Deprecated {
			continue
		}
		optionID := tally.id
		methods = append(methods, domain.NewOrderMethod(tally.name, sel.extrapolate(tally.count), tally.count == len(sel.granules),
			domain.OrderMethod{OptionID: &optionID, Form: def.Form}))
	}

	if len(methods) == 0 && orderable > 0 {
		methods = append(methods, domain.NewOrderMethod(genericOrderName, sel.extrapolate(orderable), orderable == len(sel.granules),
			domain.OrderMethod{}))
	}
	return methods
}

func (s *dataAccessService) serviceMethods(ctx context.Context, sel selection) []AccessMethod {
	assignments, err := s.services.ServiceOrderInformation(ctx, sel.token, sel.collectionID)
	if err != nil {
		s.lookupFailed(ctx, "service_order_information", sel.collectionID, err)
		return nil
	}

	definitions := make([]*domain.ServiceOptionDefinition, len(assignments))
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for i, assignment := range assignments {
		g.Go(func() error {
			def, err := s.services.ServiceOptionDefinition(ctx, sel.token, assignment.OptionDefinitionID)
			if err != nil {
				s.lookupFailed(ctx, "service_option_definition:"+assignment.OptionDefinitionID, sel.collectionID, err)
				return nil
			}
			definitions[i] = &def
			return nil
		})
	}
	_ = g.Wait()

	// Services act on the whole selection, so no extrapolation.
	return lo.FilterMap(assignments, func(assignment domain.ServiceAssignment, i int) (AccessMethod, bool) {
		def := definitions[i]
		if def == nil {
			return AccessMethod{}, false
		}
		return domain.NewServiceMethod(def.Name, len(sel.granules), true, domain.ServiceMethod{
			OptionID: assignment.OptionDefinitionID,
			Form:     def.Form,
		}), true
	})
}

func (s *dataAccessService) loadDefaults(ctx context.Context, userID, collectionID string) any {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	defaults, err := s.defaults.Get(ctx, userID, collectionID)
	if err != nil {
		s.lookupFailed(ctx, "access_config", collectionID, err)
		return nil
	}
	return defaults
}

func (s *dataAccessService) lookupFailed(ctx context.Context, lookup, collectionID string, err error) {
	s.logger(ctx, accessEventLookupErr, map[string]any{
		"lookup":       lookup,
		"collectionId": collectionID,
		"error":        err.Error(),
	})
}
