package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot together with its Firestore metadata.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// Encoder converts an entity into a Firestore-compatible value.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder hydrates an entity from a snapshot.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises a collection query before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection wraps typed access to one Firestore collection.
type Collection[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewCollection binds a typed collection. Nil codecs fall back to Firestore's struct mapping.
func NewCollection[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *Collection[T] {
	if encode == nil {
		encode = func(_ context.Context, value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = StructDecoder[T]()
	}
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name), encode: encode, decode: decode}
}

// Set writes value under id, replacing any existing document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) (time.Time, error) {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	payload, err := c.encode(ctx, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("firestore: encode %s/%s: %w", c.name, id, err)
	}
	result, err := doc.Set(ctx, payload)
	if err != nil {
		return time.Time{}, WrapError(c.op("set"), err)
	}
	return result.UpdateTime, nil
}

// Create writes value under id and fails with a conflict when the document exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) (time.Time, error) {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	payload, err := c.encode(ctx, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("firestore: encode %s/%s: %w", c.name, id, err)
	}
	result, err := doc.Create(ctx, payload)
	if err != nil {
		return time.Time{}, WrapError(c.op("create"), err)
	}
	return result.UpdateTime, nil
}

// Get loads and decodes the document with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(ctx, snap)
}

// Delete removes the document. Deleting a missing document is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	_, err = doc.Delete(ctx)
	return WrapError(c.op("delete"), err)
}

// Query runs the built query and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := c.decodeSnapshot(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
		}
		docs = append(docs, decoded)
	}
}

// Doc returns the document reference for id, for use inside transactions.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Decode converts a snapshot read elsewhere (for example in a transaction).
func (c *Collection[T]) Decode(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	return c.decodeSnapshot(ctx, snap)
}

func (c *Collection[T]) decodeSnapshot(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := c.decode(ctx, snap)
	if err != nil {
		return Document[T]{}, err
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       entity,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}

// StructDecoder decodes snapshots using Firestore's native struct mapping.
func StructDecoder[T any]() Decoder[T] {
	return func(_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		err := snap.DataTo(&target)
		return target, err
	}
}
