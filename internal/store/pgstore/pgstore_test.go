package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/opsledger/apps/api/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres store tests")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, databaseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return New(pool, store.DefaultLimits())
}

func TestInsertAndLookup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	collection := "companies_" + uuid.NewString()[:8]

	docs := []store.Document{
		{"name": "Acme", "isBranch": false},
		{"id": "fixed-id", "name": "Globex"},
	}
	if err := s.InsertMany(ctx, collection, docs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	byName, err := s.LookupByFieldIn(ctx, collection, "name", []string{"Acme", "Globex"})
	if err != nil {
		t.Fatalf("lookup by name: %v", err)
	}
	if len(byName) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(byName))
	}

	byID, err := s.LookupByFieldIn(ctx, collection, store.FieldID, []string{"fixed-id"})
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if len(byID) != 1 || byID[0]["name"] != "Globex" {
		t.Fatalf("expected Globex by id, got %+v", byID)
	}
}

func TestBatchWriteUpserts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	collection := "orders_" + uuid.NewString()[:8]

	if err := s.BatchWrite(ctx, collection, []store.Document{{"id": "o1", "importHash": "abc"}}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := s.BatchWrite(ctx, collection, []store.Document{{"id": "o1", "importHash": "def"}}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	docs, err := s.LookupByFieldIn(ctx, collection, "importHash", []string{"abc", "def"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(docs) != 1 || docs[0]["importHash"] != "def" {
		t.Fatalf("expected upserted document, got %+v", docs)
	}
}

func TestListFieldValuesSkipsNonStrings(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	collection := "products_" + uuid.NewString()[:8]

	docs := []store.Document{
		{"name": "Widget"},
		{"name": "Widget"},
		{"name": "Gadget"},
		{"name": 42},
		{"price": 3.5},
	}
	if err := s.InsertMany(ctx, collection, docs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	names, err := s.ListFieldValues(ctx, collection, "name", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 distinct string names, got %v", names)
	}
}
