// Package store defines the document store contract the import engine runs against.
//
// The store is deliberately small: "field IN set" lookups, atomic batch writes and
// bulk inserts. Each operation carries a hard size limit imposed by the backing
// service; callers are responsible for chunking to respect them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Limits of the backing document service. Both lookup constants are real limits and
// must be honored exactly; see Limits for the overridable set.
const (
	// MaxLookupValues bounds the values of a single LookupByFieldIn call.
	MaxLookupValues = 30
	// MaxInsertBatch bounds a single InsertMany call and the auto-fixer existence checks.
	MaxInsertBatch = 50
	// MaxWriteBatch bounds a single BatchWrite call.
	MaxWriteBatch = 500
)

// FieldID is the sentinel field name meaning "look up by document id".
const FieldID = "__id__"

// Collection names.
const (
	CollectionCompanies   = "companies"
	CollectionProducts    = "products"
	CollectionOrders      = "orders"
	CollectionPriceAudits = "price_audits"
	CollectionAuditLogs   = "audit_logs"
)

var (
	ErrTooManyValues = errors.New("too many values for a single store call")
	ErrMissingID     = errors.New("document has no id")
)

// Document is a schemaless record. Every stored document carries a string "id".
type Document map[string]any

// ID returns the document id or "" when absent.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

type Store interface {
	LookupByFieldIn(ctx context.Context, collection, field string, values []string) ([]Document, error)
	BatchWrite(ctx context.Context, collection string, docs []Document) error
	InsertMany(ctx context.Context, collection string, docs []Document) error
}

// Lister is implemented by stores that can enumerate the distinct string values of
// one field across a collection, up to limit values.
type Lister interface {
	ListFieldValues(ctx context.Context, collection, field string, limit int) ([]string, error)
}

// Limits groups the size limits so a deployment against a different backend can
// override them from configuration.
type Limits struct {
	LookupValues int `yaml:"lookupValues"`
	InsertBatch  int `yaml:"insertBatch"`
	WriteBatch   int `yaml:"writeBatch"`
}

func DefaultLimits() Limits {
	return Limits{
		LookupValues: MaxLookupValues,
		InsertBatch:  MaxInsertBatch,
		WriteBatch:   MaxWriteBatch,
	}
}

// Normalize replaces non-positive limits with the defaults.
func (l Limits) Normalize() Limits {
	def := DefaultLimits()
	if l.LookupValues <= 0 {
		l.LookupValues = def.LookupValues
	}
	if l.InsertBatch <= 0 {
		l.InsertBatch = def.InsertBatch
	}
	if l.WriteBatch <= 0 {
		l.WriteBatch = def.WriteBatch
	}
	return l
}

// Chunk splits values into consecutive slices of at most size elements.
func Chunk[T any](values []T, size int) [][]T {
	if size <= 0 || len(values) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

// ToDocument converts a JSON-tagged struct into a Document.
func ToDocument(v any) (Document, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	doc := Document{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// Decode fills a JSON-tagged struct from a Document.
func Decode(doc Document, out any) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
