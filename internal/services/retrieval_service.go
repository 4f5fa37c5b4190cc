package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/providers"
	"github.com/granule-access/api/internal/repositories"
)

const (
	retrievalCounterID         = "retrievals"
	defaultRetrievalPageSize   = 20
	retrievalEventCreated      = "retrieval.created"
	retrievalEventDispatched   = "retrieval.dispatched"
	retrievalEventDispatchErr  = "retrieval.dispatch_failed"
	retrievalEventDefaultsErr  = "retrieval.defaults_failed"
	retrievalEventPersistErr   = "retrieval.persist_failed"
	retrievalEventOrderRemoved = "retrieval.order_removed"
)

var (
	// ErrRetrievalNotFound indicates the id does not resolve to a stored retrieval.
	ErrRetrievalNotFound = errors.New("retrieval: not found")
	// ErrRetrievalUnauthorized indicates the request carried no user identity.
	ErrRetrievalUnauthorized = errors.New("retrieval: unauthorized")
	// ErrRetrievalForbidden indicates the caller does not own the retrieval.
	ErrRetrievalForbidden = errors.New("retrieval: forbidden")
	// ErrRetrievalInvalidInput indicates a malformed project or identifier.
	ErrRetrievalInvalidInput = errors.New("retrieval: invalid input")
)

// RetrievalServiceDeps bundles collaborators required to construct the retrieval service.
type RetrievalServiceDeps struct {
	Retrievals    repositories.RetrievalRepository
	Counters      repositories.CounterRepository
	AccessConfigs repositories.AccessConfigRepository
	Tracker       OrderStatusTracker
	Orders        OrderRemover
	Publisher     RetrievalJobPublisher
	IDs           *IDObfuscator
	PageSize      int
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type retrievalService struct {
	retrievals    repositories.RetrievalRepository
	counters      repositories.CounterRepository
	accessConfigs repositories.AccessConfigRepository
	tracker       OrderStatusTracker
	orders        OrderRemover
	publisher     RetrievalJobPublisher
	ids           *IDObfuscator
	pageSize      int
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ RetrievalService = (*retrievalService)(nil)

// NewRetrievalService wires the retrieval lifecycle.
func NewRetrievalService(deps RetrievalServiceDeps) (RetrievalService, error) {
	switch {
	case deps.Retrievals == nil:
		return nil, errors.New("retrieval service: retrieval repository is required")
	case deps.Counters == nil:
		return nil, errors.New("retrieval service: counter repository is required")
	case deps.AccessConfigs == nil:
		return nil, errors.New("retrieval service: access config repository is required")
	case deps.Tracker == nil:
		return nil, errors.New("retrieval service: status tracker is required")
	case deps.Orders == nil:
		return nil, errors.New("retrieval service: order remover is required")
	case deps.Publisher == nil:
		return nil, errors.New("retrieval service: job publisher is required")
	case deps.IDs == nil:
		return nil, errors.New("retrieval service: id obfuscator is required")
	}

	pageSize := deps.PageSize
	if pageSize <= 0 {
		pageSize = defaultRetrievalPageSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &retrievalService{
		retrievals:    deps.Retrievals,
		counters:      deps.Counters,
		accessConfigs: deps.AccessConfigs,
		tracker:       deps.Tracker,
		orders:        deps.Orders,
		publisher:     deps.Publisher,
		ids:           deps.IDs,
		pageSize:      pageSize,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *retrievalService) CreateRetrieval(ctx context.Context, cmd CreateRetrievalCommand) (RetrievalView, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return RetrievalView{}, ErrRetrievalUnauthorized
	}
	project, err := parseProject(cmd.Project)
	if err != nil {
		return RetrievalView{}, err
	}

	id, err := s.counters.Next(ctx, retrievalCounterID)
	if err != nil {
		return RetrievalView{}, fmt.Errorf("retrieval: allocate id: %w", err)
	}

	now := s.clock()
	retrieval := domain.Retrieval{
		ID:        id,
		UserID:    userID,
		Project:   project,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.retrievals.Insert(ctx, retrieval); err != nil {
		return RetrievalView{}, err
	}
	view := RetrievalView{ID: s.ids.Obfuscate(id), Retrieval: retrieval}
	s.logger(ctx, retrievalEventCreated, map[string]any{"retrievalId": view.ID, "collections": len(project.Collections)})

	s.saveDefaults(ctx, userID, project)
	s.dispatch(ctx, domain.RetrievalJob{
		JobID:       s.newID(),
		RetrievalID: id,
		Token:       cmd.Token,
		Environment: cmd.Environment,
		BaseURL:     cmd.BaseURL,
		QueuedAt:    now,
	})
	return view, nil
}

// GetRetrieval authorizes before contacting any provider, then refreshes statuses and merges
// them into the stored retrieval. Only status fields are written, so provider ids saved by
// the worker during the refresh survive. Concurrent refreshes are last writer wins.
func (s *retrievalService) GetRetrieval(ctx context.Context, cmd GetRetrievalCommand) (RetrievalView, error) {
	retrieval, err := s.load(ctx, cmd.RetrievalID, cmd.UserID)
	if err != nil {
		return RetrievalView{}, err
	}

	if err := s.tracker.Refresh(ctx, &retrieval.Project, RefreshOptions{Token: cmd.Token, ContextFlag: cmd.ContextFlag}); err != nil {
		return RetrievalView{}, err
	}
	refreshed := retrieval.Project
	now := s.clock()
	err = s.retrievals.Mutate(ctx, retrieval.ID, func(stored *domain.Retrieval) error {
		stored.Project.MergeStatuses(refreshed)
		stored.UpdatedAt = now
		retrieval = *stored
		return nil
	})
	if err != nil {
		retrieval.UpdatedAt = now
		s.logger(ctx, retrievalEventPersistErr, map[string]any{"retrievalId": cmd.RetrievalID, "error": err.Error()})
	}
	return RetrievalView{ID: s.ids.Obfuscate(retrieval.ID), Retrieval: retrieval}, nil
}

func (s *retrievalService) ListRetrievals(ctx context.Context, cmd ListRetrievalsCommand) (domain.CursorPage[RetrievalView], error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.CursorPage[RetrievalView]{}, ErrRetrievalUnauthorized
	}
	pager := cmd.Pagination
	if pager.PageSize <= 0 {
		pager.PageSize = s.pageSize
	}

	page, err := s.retrievals.ListByUser(ctx, userID, pager)
	if err != nil {
		return domain.CursorPage[RetrievalView]{}, err
	}
	return domain.CursorPage[RetrievalView]{
		Items: lo.Map(page.Items, func(r domain.Retrieval, _ int) RetrievalView {
			return RetrievalView{ID: s.ids.Obfuscate(r.ID), Retrieval: r}
		}),
		NextPageToken: page.NextPageToken,
	}, nil
}

func (s *retrievalService) DeleteRetrieval(ctx context.Context, cmd DeleteRetrievalCommand) error {
	retrieval, err := s.load(ctx, cmd.RetrievalID, cmd.UserID)
	if err != nil {
		return err
	}
	if err := s.retrievals.Delete(ctx, retrieval.ID); err != nil {
		if isRepoNotFound(err) {
			return ErrRetrievalNotFound
		}
		return err
	}
	return nil
}

// RemoveOrder relays the provider's reply verbatim. Ownership is not checked because the
// order id is not linked to a stored retrieval.
func (s *retrievalService) RemoveOrder(ctx context.Context, cmd RemoveOrderCommand) (providers.ProviderResponse, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return providers.ProviderResponse{}, fmt.Errorf("%w: order id is required", ErrRetrievalInvalidInput)
	}
	resp, err := s.orders.DeleteOrder(ctx, cmd.Token, orderID)
	if err != nil {
		return providers.ProviderResponse{}, err
	}
	s.logger(ctx, retrievalEventOrderRemoved, map[string]any{"orderId": orderID, "status": resp.Status})
	return resp, nil
}

// AuthorizeRetrieval reports whether requesterID may read or remove the retrieval.
func AuthorizeRetrieval(retrieval domain.Retrieval, requesterID string) error {
	if strings.TrimSpace(requesterID) == "" {
		return ErrRetrievalUnauthorized
	}
	if !retrieval.OwnedBy(requesterID) {
		return ErrRetrievalForbidden
	}
	return nil
}

func (s *retrievalService) load(ctx context.Context, externalID, userID string) (domain.Retrieval, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Retrieval{}, ErrRetrievalUnauthorized
	}
	id, err := s.ids.Deobfuscate(externalID)
	if err != nil {
		return domain.Retrieval{}, ErrRetrievalNotFound
	}
	retrieval, err := s.retrievals.FindByID(ctx, id)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Retrieval{}, ErrRetrievalNotFound
		}
		return domain.Retrieval{}, err
	}
	if err := AuthorizeRetrieval(retrieval, userID); err != nil {
		return domain.Retrieval{}, err
	}
	return retrieval, nil
}

func (s *retrievalService) saveDefaults(ctx context.Context, userID string, project domain.Project) {
	for _, collection := range project.Collections {
		if err := s.accessConfigs.Save(ctx, userID, collection.ID, collection.ServiceOptions); err != nil {
			s.logger(ctx, retrievalEventDefaultsErr, map[string]any{"collectionId": collection.ID, "error": err.Error()})
		}
	}
}

// dispatch is fire and forget: a publish failure is logged and the retrieval is still
// returned, its orders staying in "creating" until a job is delivered.
func (s *retrievalService) dispatch(ctx context.Context, job domain.RetrievalJob) {
	messageID, err := s.publisher.PublishRetrievalJob(ctx, job)
	if err != nil {
		s.logger(ctx, retrievalEventDispatchErr, map[string]any{"jobId": job.JobID, "error": err.Error()})
		return
	}
	s.logger(ctx, retrievalEventDispatched, map[string]any{"jobId": job.JobID, "messageId": messageID})
}

func parseProject(raw json.RawMessage) (domain.Project, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return domain.Project{}, fmt.Errorf("%w: project is required", ErrRetrievalInvalidInput)
	}
	var project domain.Project
	if err := json.Unmarshal(raw, &project); err != nil {
		return domain.Project{}, fmt.Errorf("%w: project: %v", ErrRetrievalInvalidInput, err)
	}
	if len(project.Collections) == 0 {
		return domain.Project{}, fmt.Errorf("%w: project has no collections", ErrRetrievalInvalidInput)
	}
	for i, collection := range project.Collections {
		if strings.TrimSpace(collection.ID) == "" {
			return domain.Project{}, fmt.Errorf("%w: collection %d has no id", ErrRetrievalInvalidInput, i)
		}
	}
	return project, nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
