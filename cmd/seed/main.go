package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsledger/apps/api/internal/catalog"
	"github.com/opsledger/apps/api/internal/store"
	"github.com/opsledger/apps/api/internal/store/pgstore"
)

func main() {
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgstore.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	docs := pgstore.New(pool, store.DefaultLimits())

	parentID := "seed-globex-holdings"
	companies := []catalog.Company{
		{ID: "seed-acme", Name: envOrDefault("SEED_COMPANY_NAME", "Acme")},
		{ID: parentID, Name: "Globex Holdings"},
		{ID: "seed-globex-north", Name: "Globex North", IsBranch: true, ParentCompanyID: &parentID},
	}
	products := []catalog.Product{
		{ID: "seed-widget", Name: "Widget", Price: 4},
		{ID: "seed-gadget", Name: "Gadget", Price: 12.5},
		{ID: "seed-sprocket", Name: "Sprocket", Price: 0.75},
	}

	if err := upsert(ctx, docs, store.CollectionCompanies, companies); err != nil {
		log.Fatalf("seed companies: %v", err)
	}
	if err := upsert(ctx, docs, store.CollectionProducts, products); err != nil {
		log.Fatalf("seed products: %v", err)
	}

	log.Printf("seeded %d companies and %d products", len(companies), len(products))
}

func upsert[T any](ctx context.Context, s store.Store, collection string, values []T) error {
	docs := make([]store.Document, 0, len(values))
	for _, v := range values {
		doc, err := store.ToDocument(v)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	return s.BatchWrite(ctx, collection, docs)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
