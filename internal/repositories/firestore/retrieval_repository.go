package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/granule-access/api/internal/domain"
	pfirestore "github.com/granule-access/api/internal/platform/firestore"
	"github.com/granule-access/api/internal/platform/pagination"
	"github.com/granule-access/api/internal/repositories"
)

const (
	retrievalsCollection = "retrievals"
	mutateAttempts       = 3
	mutateTimeout        = 10 * time.Second
)

// retrievalDocument stores the project as a plain map so provider forms of any shape
// survive Firestore's type system.
type retrievalDocument struct {
	UserID    string         `firestore:"userId"`
	Project   map[string]any `firestore:"project"`
	CreatedAt time.Time      `firestore:"createdAt"`
	UpdatedAt time.Time      `firestore:"updatedAt"`
}

// RetrievalRepository persists retrievals in the "retrievals" collection keyed by decimal id.
type RetrievalRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[retrievalDocument]
}

var _ repositories.RetrievalRepository = (*RetrievalRepository)(nil)

// NewRetrievalRepository constructs a Firestore-backed retrieval repository.
func NewRetrievalRepository(provider *pfirestore.Provider) (*RetrievalRepository, error) {
	if provider == nil {
		return nil, errors.New("retrieval repository requires firestore provider")
	}
	return &RetrievalRepository{
		provider: provider,
		docs:     pfirestore.NewCollection[retrievalDocument](provider, retrievalsCollection, nil, nil),
	}, nil
}

// Insert creates the retrieval document and fails with a conflict if the id is taken.
func (r *RetrievalRepository) Insert(ctx context.Context, retrieval domain.Retrieval) error {
	doc, err := encodeRetrieval(retrieval)
	if err != nil {
		return err
	}
	_, err = r.docs.Create(ctx, docID(retrieval.ID), doc)
	return err
}

// Update overwrites the stored retrieval.
func (r *RetrievalRepository) Update(ctx context.Context, retrieval domain.Retrieval) error {
	doc, err := encodeRetrieval(retrieval)
	if err != nil {
		return err
	}
	_, err = r.docs.Set(ctx, docID(retrieval.ID), doc)
	return err
}

// Mutate reads the retrieval inside a transaction, applies fn and writes the result back.
// Firestore retries fn when another writer touched the document in between.
func (r *RetrievalRepository) Mutate(ctx context.Context, id int64, fn func(*domain.Retrieval) error) error {
	if fn == nil {
		return errors.New("retrieval repository: mutate function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.docs.Doc(ctx, docID(id))
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("retrievals.mutate", err)
		}
		doc, err := r.docs.Decode(ctx, snap)
		if err != nil {
			return err
		}
		retrieval, err := decodeRetrieval(doc)
		if err != nil {
			return err
		}
		if err := fn(&retrieval); err != nil {
			return err
		}
		retrieval.ID = id
		encoded, err := encodeRetrieval(retrieval)
		if err != nil {
			return err
		}
		return tx.Set(ref, encoded)
	}, pfirestore.WithTxAttempts(mutateAttempts), pfirestore.WithTxTimeout(mutateTimeout))
}

// Delete removes the retrieval document.
func (r *RetrievalRepository) Delete(ctx context.Context, id int64) error {
	return r.docs.Delete(ctx, docID(id))
}

// FindByID loads a retrieval; a missing document is reported as a not-found repository error.
func (r *RetrievalRepository) FindByID(ctx context.Context, id int64) (domain.Retrieval, error) {
	doc, err := r.docs.Get(ctx, docID(id))
	if err != nil {
		return domain.Retrieval{}, err
	}
	return decodeRetrieval(doc)
}

// ListByUser returns the user's retrievals, newest first.
func (r *RetrievalRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Retrieval], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[domain.Retrieval]{}, errors.New("retrieval repository: user id is required")
	}
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Retrieval]{}, err
	}
	size := pager.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	docs, err := r.docs.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Retrieval]{}, err
	}

	page := domain.CursorPage[domain.Retrieval]{Items: make([]domain.Retrieval, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			last := docs[size-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.Data.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Retrieval]{}, err
			}
			page.NextPageToken = token
			break
		}
		retrieval, err := decodeRetrieval(doc)
		if err != nil {
			return domain.CursorPage[domain.Retrieval]{}, err
		}
		page.Items = append(page.Items, retrieval)
	}
	return page, nil
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func encodeRetrieval(retrieval domain.Retrieval) (retrievalDocument, error) {
	if retrieval.ID <= 0 {
		return retrievalDocument{}, errors.New("retrieval repository: id is required")
	}
	project, err := toMap(retrieval.Project)
	if err != nil {
		return retrievalDocument{}, fmt.Errorf("retrieval repository: encode project: %w", err)
	}
	return retrievalDocument{
		UserID:    retrieval.UserID,
		Project:   project,
		CreatedAt: retrieval.CreatedAt.UTC(),
		UpdatedAt: retrieval.UpdatedAt.UTC(),
	}, nil
}

func decodeRetrieval(doc pfirestore.Document[retrievalDocument]) (domain.Retrieval, error) {
	id, err := strconv.ParseInt(doc.ID, 10, 64)
	if err != nil {
		return domain.Retrieval{}, fmt.Errorf("retrieval repository: invalid document id %q", doc.ID)
	}
	var project domain.Project
	if err := fromMap(doc.Data.Project, &project); err != nil {
		return domain.Retrieval{}, fmt.Errorf("retrieval repository: decode project %s: %w", doc.ID, err)
	}
	return domain.Retrieval{
		ID:        id,
		UserID:    doc.Data.UserID,
		Project:   project,
		CreatedAt: doc.Data.CreatedAt,
		UpdatedAt: doc.Data.UpdatedAt,
	}, nil
}

func toMap(value any) (map[string]any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(value any, target any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
