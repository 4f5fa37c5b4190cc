package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/granule-access/api/internal/platform/firestore"
	"github.com/granule-access/api/internal/repositories"
)

const (
	countersCollection = "counters"
	counterTxAttempts  = 10
	counterTxTimeout   = 5 * time.Second
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository allocates sequence numbers inside Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection, nil, nil),
		now:      time.Now,
	}, nil
}

// Next increments counterID and returns the new value. The first call returns 1.
func (r *CounterRepository) Next(ctx context.Context, counterID string) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.Doc(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil && !pfirestore.IsNotFound(pfirestore.WrapError("counters.get", err)) {
			return err
		}

		var current int64
		if err == nil {
			doc, err := r.counters.Decode(ctx, snap)
			if err != nil {
				return fmt.Errorf("decode counter %s: %w", id, err)
			}
			current = doc.Data.CurrentValue
		}
		if current == math.MaxInt64 {
			return repositories.NewCounterError(repositories.CounterErrorOverflow, fmt.Sprintf("counter %s exhausted", id), nil)
		}
		next = current + 1
		return tx.Set(ref, counterDocument{CurrentValue: next, UpdatedAt: r.now().UTC()})
	}, pfirestore.WithTxAttempts(counterTxAttempts), pfirestore.WithTxTimeout(counterTxTimeout))
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}
