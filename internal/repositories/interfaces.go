package repositories

import (
	"context"

	"github.com/granule-access/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// RetrievalRepository persists retrievals keyed by their numeric id.
type RetrievalRepository interface {
	Insert(ctx context.Context, retrieval domain.Retrieval) error
	Update(ctx context.Context, retrieval domain.Retrieval) error
	// Mutate applies fn to the current stored retrieval and writes the result atomically.
	Mutate(ctx context.Context, id int64, fn func(*domain.Retrieval) error) error
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (domain.Retrieval, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Retrieval], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string) (int64, error)
}

// AccessConfigRepository stores each user's last-used service options per collection.
type AccessConfigRepository interface {
	// Get returns nil when the user has no saved defaults for the collection.
	Get(ctx context.Context, userID, collectionID string) (any, error)
	Save(ctx context.Context, userID, collectionID string, serviceOptions any) error
}

// DownloadConfigRepository loads per-collection direct download configuration.
type DownloadConfigRepository interface {
	// Get returns an empty configuration when the collection has none.
	Get(ctx context.Context, collectionID string) (domain.DownloadConfig, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
