//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/granule-access/api/internal/platform/config"
	pfirestore "github.com/granule-access/api/internal/platform/firestore"
	"github.com/granule-access/api/internal/platform/firestore/firestoretest"
)

type counterDoc struct {
	Value int64 `firestore:"value"`
}

func TestCollectionRoundTripAndTransaction(t *testing.T) {
	endpoint := firestoretest.StartEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "test-project", EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	coll := pfirestore.NewCollection[counterDoc](provider, "counters", nil, nil)
	if _, err := coll.Create(ctx, "c1", counterDoc{Value: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coll.Create(ctx, "c1", counterDoc{Value: 9}); err == nil {
		t.Fatalf("expected conflict on duplicate create")
	} else {
		var ferr *pfirestore.Error
		if !errors.As(err, &ferr) || !ferr.IsConflict() {
			t.Fatalf("expected conflict classification, got %v", err)
		}
	}

	err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := coll.Doc(ctx, "c1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := coll.Decode(ctx, snap)
		if err != nil {
			return err
		}
		return tx.Set(ref, counterDoc{Value: doc.Data.Value + 1})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	doc, err := coll.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data.Value != 2 || doc.UpdateTime.IsZero() {
		t.Fatalf("unexpected document %#v", doc)
	}

	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query { return q.Where("value", ">=", 2) })
	if err != nil || len(docs) != 1 {
		t.Fatalf("query: %v (%d docs)", err, len(docs))
	}

	if err := coll.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := coll.Get(ctx, "c1"); !pfirestore.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
