package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	pfirestore "github.com/granule-access/api/internal/platform/firestore"
	"github.com/granule-access/api/internal/repositories"
)

const accessConfigsCollection = "accessConfigs"

type accessConfigDocument struct {
	UserID         string    `firestore:"userId"`
	CollectionID   string    `firestore:"collectionId"`
	ServiceOptions any       `firestore:"serviceOptions"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// AccessConfigRepository keeps the service options a user last chose for each collection.
type AccessConfigRepository struct {
	docs *pfirestore.Collection[accessConfigDocument]
	now  func() time.Time
}

var _ repositories.AccessConfigRepository = (*AccessConfigRepository)(nil)

// NewAccessConfigRepository constructs a Firestore-backed access config repository.
func NewAccessConfigRepository(provider *pfirestore.Provider) (*AccessConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("access config repository requires firestore provider")
	}
	return &AccessConfigRepository{
		docs: pfirestore.NewCollection[accessConfigDocument](provider, accessConfigsCollection, nil, nil),
		now:  time.Now,
	}, nil
}

// Get returns the saved service options or nil when none exist.
func (r *AccessConfigRepository) Get(ctx context.Context, userID, collectionID string) (any, error) {
	id, err := accessConfigID(userID, collectionID)
	if err != nil {
		return nil, err
	}
	doc, err := r.docs.Get(ctx, id)
	if pfirestore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Data.ServiceOptions, nil
}

// Save replaces the saved service options.
func (r *AccessConfigRepository) Save(ctx context.Context, userID, collectionID string, serviceOptions any) error {
	id, err := accessConfigID(userID, collectionID)
	if err != nil {
		return err
	}
	options, err := toMap(serviceOptions)
	if err != nil {
		return err
	}
	_, err = r.docs.Set(ctx, id, accessConfigDocument{
		UserID:         strings.TrimSpace(userID),
		CollectionID:   strings.TrimSpace(collectionID),
		ServiceOptions: options,
		UpdatedAt:      r.now().UTC(),
	})
	return err
}

// accessConfigID builds "{uid}:{collectionId}"; slashes are not allowed in document ids.
func accessConfigID(userID, collectionID string) (string, error) {
	userID, collectionID = strings.TrimSpace(userID), strings.TrimSpace(collectionID)
	if userID == "" || collectionID == "" {
		return "", errors.New("access config repository: user and collection ids are required")
	}
	return strings.ReplaceAll(userID+":"+collectionID, "/", "_"), nil
}
