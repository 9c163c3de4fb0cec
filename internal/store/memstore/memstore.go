// Package memstore is an in-process implementation of store.Store used for local
// development and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opsledger/apps/api/internal/store"
)

// Call records one store operation.
type Call struct {
	Op         string
	Collection string
	Field      string
	Size       int
}

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]store.Document
	order       map[string][]string
	calls       []Call
	limits      store.Limits
}

func New() *Store {
	return NewWithLimits(store.DefaultLimits())
}

func NewWithLimits(limits store.Limits) *Store {
	return &Store{
		collections: map[string]map[string]store.Document{},
		order:       map[string][]string{},
		limits:      limits.Normalize(),
	}
}

func (s *Store) LookupByFieldIn(ctx context.Context, collection, field string, values []string) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Auto-fixer existence checks use the insert-batch size, which is the larger limit.
	if max := maxInt(s.limits.LookupValues, s.limits.InsertBatch); len(values) > max {
		return nil, fmt.Errorf("lookup %s.%s with %d values: %w", collection, field, len(values), store.ErrTooManyValues)
	}

	wanted := make(map[string]struct{}, len(values))
	for _, v := range values {
		wanted[v] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "lookup", Collection: collection, Field: field, Size: len(values)})

	docs := s.collections[collection]
	result := make([]store.Document, 0)
	for _, id := range s.order[collection] {
		doc := docs[id]
		var key string
		if field == store.FieldID {
			key = id
		} else {
			v, ok := doc[field].(string)
			if !ok {
				continue
			}
			key = v
		}
		if _, ok := wanted[key]; ok {
			result = append(result, cloneDocument(doc))
		}
	}
	return result, nil
}

// ListFieldValues returns the distinct string values of field in insertion order.
func (s *Store) ListFieldValues(ctx context.Context, collection, field string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "list", Collection: collection, Field: field, Size: limit})

	seen := map[string]struct{}{}
	values := make([]string, 0)
	for _, id := range s.order[collection] {
		if limit > 0 && len(values) >= limit {
			break
		}
		v, ok := s.collections[collection][id][field].(string)
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values, nil
}

func (s *Store) BatchWrite(ctx context.Context, collection string, docs []store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(docs) > s.limits.WriteBatch {
		return fmt.Errorf("batch write %s with %d docs: %w", collection, len(docs), store.ErrTooManyValues)
	}
	return s.put("batch_write", collection, docs)
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(docs) > s.limits.InsertBatch {
		return fmt.Errorf("insert %s with %d docs: %w", collection, len(docs), store.ErrTooManyValues)
	}
	return s.put("insert_many", collection, docs)
}

// put applies all documents or none.
func (s *Store) put(op, collection string, docs []store.Document) error {
	prepared := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		cloned := cloneDocument(doc)
		if cloned.ID() == "" {
			cloned["id"] = uuid.NewString()
		}
		prepared = append(prepared, cloned)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Collection: collection, Size: len(docs)})

	bucket, ok := s.collections[collection]
	if !ok {
		bucket = map[string]store.Document{}
		s.collections[collection] = bucket
	}
	for _, doc := range prepared {
		id := doc.ID()
		if _, exists := bucket[id]; !exists {
			s.order[collection] = append(s.order[collection], id)
		}
		bucket[id] = doc
	}
	return nil
}

// Seed stores documents without recording a call.
func (s *Store) Seed(collection string, docs ...store.Document) {
	_ = s.put("seed", collection, docs)
	s.mu.Lock()
	s.calls = s.calls[:len(s.calls)-1]
	s.mu.Unlock()
}

// All returns every document of a collection in insertion order.
func (s *Store) All(collection string) []store.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]store.Document, 0, len(s.order[collection]))
	for _, id := range s.order[collection] {
		result = append(result, cloneDocument(s.collections[collection][id]))
	}
	return result
}

// Calls returns the recorded operations, optionally filtered by op and collection.
func (s *Store) Calls(op, collection string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if op != "" && c.Op != op {
			continue
		}
		if collection != "" && c.Collection != collection {
			continue
		}
		result = append(result, c)
	}
	return result
}

// ResetCalls clears the call log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Sizes returns the sizes of the given calls sorted descending.
func Sizes(calls []Call) []int {
	sizes := make([]int, 0, len(calls))
	for _, c := range calls {
		sizes = append(sizes, c.Size)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	return sizes
}

func cloneDocument(doc store.Document) store.Document {
	cloned := make(store.Document, len(doc))
	for k, v := range doc {
		cloned[k] = v
	}
	return cloned
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
