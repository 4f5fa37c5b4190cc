// Package objectstore implements repositories backed by Cloud Storage objects.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/granule-access/api/internal/domain"
	"github.com/granule-access/api/internal/platform/storage"
	"github.com/granule-access/api/internal/repositories"
)

// ObjectReader reads whole objects by key.
type ObjectReader interface {
	Read(ctx context.Context, object string) ([]byte, error)
}

// DownloadConfigRepository reads {prefix}/{collectionId}.json download configurations.
type DownloadConfigRepository struct {
	reader ObjectReader
	prefix string
}

var _ repositories.DownloadConfigRepository = (*DownloadConfigRepository)(nil)

// NewDownloadConfigRepository constructs the repository.
func NewDownloadConfigRepository(reader ObjectReader, prefix string) (*DownloadConfigRepository, error) {
	if reader == nil {
		return nil, errors.New("download config repository requires an object reader")
	}
	return &DownloadConfigRepository{reader: reader, prefix: prefix}, nil
}

// Get returns the collection's configuration. A missing object yields an empty config,
// which means the collection offers no subsetting.
func (r *DownloadConfigRepository) Get(ctx context.Context, collectionID string) (domain.DownloadConfig, error) {
	object, err := storage.ObjectPath(r.prefix, collectionID)
	if err != nil {
		return domain.DownloadConfig{}, err
	}
	data, err := r.reader.Read(ctx, object)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return domain.DownloadConfig{}, nil
	}
	if err != nil {
		return domain.DownloadConfig{}, err
	}

	var cfg domain.DownloadConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.DownloadConfig{}, fmt.Errorf("download config %s: %w", collectionID, err)
	}
	return cfg, nil
}
