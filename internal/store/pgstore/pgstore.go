// Package pgstore implements store.Store on a single Postgres jsonb documents table.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsledger/apps/api/internal/store"
)

const (
	lookupByIDSQL = `
		SELECT id, data FROM documents
		WHERE collection = $1 AND id = ANY($2)
		ORDER BY created_at, id`
	lookupByFieldSQL = `
		SELECT id, data FROM documents
		WHERE collection = $1 AND data->>$2 = ANY($3)
		ORDER BY created_at, id`
	listFieldSQL = `
		SELECT DISTINCT data->>$2 FROM documents
		WHERE collection = $1 AND jsonb_typeof(data->$2) = 'string'
		LIMIT $3`
	upsertSQL = `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
)

type Store struct {
	pool   *pgxpool.Pool
	limits store.Limits
}

func New(pool *pgxpool.Pool, limits store.Limits) *Store {
	return &Store{pool: pool, limits: limits.Normalize()}
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Store) LookupByFieldIn(ctx context.Context, collection, field string, values []string) ([]store.Document, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) > s.limits.LookupValues && len(values) > s.limits.InsertBatch {
		return nil, fmt.Errorf("lookup %s.%s with %d values: %w", collection, field, len(values), store.ErrTooManyValues)
	}

	var (
		rows pgx.Rows
		err  error
	)
	if field == store.FieldID {
		rows, err = s.pool.Query(ctx, lookupByIDSQL, collection, values)
	} else {
		rows, err = s.pool.Query(ctx, lookupByFieldSQL, collection, field, values)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0, len(values))
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		doc := store.Document{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		doc["id"] = id
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

func (s *Store) ListFieldValues(ctx context.Context, collection, field string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, listFieldSQL, collection, field, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s.%s: %w", collection, field, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s.%s: %w", collection, field, err)
	}
	return values, nil
}

// BatchWrite upserts all documents in one transaction.
func (s *Store) BatchWrite(ctx context.Context, collection string, docs []store.Document) error {
	if len(docs) > s.limits.WriteBatch {
		return fmt.Errorf("batch write %s with %d docs: %w", collection, len(docs), store.ErrTooManyValues)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, doc := range docs {
		id, data, err := encode(doc)
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, collection, id, data)
	}

	results := tx.SendBatch(ctx, batch)
	for range docs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("write %s: %w", collection, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// InsertMany copies new documents in; an id collision fails the whole call.
func (s *Store) InsertMany(ctx context.Context, collection string, docs []store.Document) error {
	if len(docs) > s.limits.InsertBatch {
		return fmt.Errorf("insert %s with %d docs: %w", collection, len(docs), store.ErrTooManyValues)
	}

	copyRows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		id, data, err := encode(doc)
		if err != nil {
			return err
		}
		copyRows = append(copyRows, []any{collection, id, data})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	columns := []string{"collection", "id", "data"}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"documents"}, columns, pgx.CopyFromRows(copyRows)); err != nil {
		return fmt.Errorf("copy into %s: %w", collection, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func encode(doc store.Document) (string, string, error) {
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc = withID(doc, id)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("encode document %s: %w", id, err)
	}
	if len(data) == 0 {
		return "", "", errors.New("empty document")
	}
	return id, string(data), nil
}

func withID(doc store.Document, id string) store.Document {
	out := make(store.Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}
