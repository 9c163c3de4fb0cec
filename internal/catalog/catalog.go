// Package catalog resolves free-text company and product names from an import
// against the stored catalog.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/sync/errgroup"

	"github.com/opsledger/apps/api/internal/store"
)

// SuggestionDrift is the edit-distance budget, as a percentage of the longer name,
// within which a catalog name is offered as the closest match.
const SuggestionDrift = 40

// SuggestionPoolSize bounds how many stored names per collection are ranked for
// closest-match suggestions.
const SuggestionPoolSize = 5000

const suggestionPoolTTL = time.Minute

var suggestionOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

type Company struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	IsBranch        bool    `json:"isBranch"`
	ParentCompanyID *string `json:"parentCompanyId"`
}

type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type Resolver struct {
	store     store.Store
	chunkSize int
	pools     *cache.Cache
}

func NewResolver(s store.Store, limits store.Limits) *Resolver {
	return &Resolver{
		store:     s,
		chunkSize: limits.Normalize().LookupValues,
		pools:     cache.New(suggestionPoolTTL, 2*suggestionPoolTTL),
	}
}

// Resolve fetches every named company and product, then the missing parents of any
// fetched branch, and indexes the result. A store error aborts the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, companyNames, productNames []string) (*Index, error) {
	var companyDocs, productDocs []store.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := LookupChunked(gctx, r.store, store.CollectionCompanies, "name", companyNames, r.chunkSize)
		companyDocs = docs
		return err
	})
	g.Go(func() error {
		docs, err := LookupChunked(gctx, r.store, store.CollectionProducts, "name", productNames, r.chunkSize)
		productDocs = docs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	companies, err := decodeAll[Company](companyDocs)
	if err != nil {
		return nil, err
	}
	products, err := decodeAll[Product](productDocs)
	if err != nil {
		return nil, err
	}

	parentIDs := missingParentIDs(companies)
	if len(parentIDs) > 0 {
		parentDocs, err := LookupChunked(ctx, r.store, store.CollectionCompanies, store.FieldID, parentIDs, r.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("fetch parent companies: %w", err)
		}
		parents, err := decodeAll[Company](parentDocs)
		if err != nil {
			return nil, err
		}
		companies = append(companies, parents...)
	}

	ix := NewIndex(companies, products)
	if err := r.widenSuggestions(ctx, ix, companyNames, productNames); err != nil {
		return nil, err
	}
	return ix, nil
}

// widenSuggestions adds the stored names of a collection to the suggestion pool
// when any requested name of that collection did not resolve. Stores that cannot
// list names keep the pool to the resolved entries.
func (r *Resolver) widenSuggestions(ctx context.Context, ix *Index, companyNames, productNames []string) error {
	for _, name := range companyNames {
		if _, ok := ix.Company(name); ok || nameKey(name) == "" {
			continue
		}
		pool, err := r.suggestionPool(ctx, store.CollectionCompanies)
		if err != nil {
			return err
		}
		ix.companyNames = mergeNames(ix.companyNames, pool)
		break
	}
	for _, name := range productNames {
		if _, ok := ix.Product(name); ok || nameKey(name) == "" {
			continue
		}
		pool, err := r.suggestionPool(ctx, store.CollectionProducts)
		if err != nil {
			return err
		}
		ix.productNames = mergeNames(ix.productNames, pool)
		break
	}
	return nil
}

func (r *Resolver) suggestionPool(ctx context.Context, collection string) ([]string, error) {
	lister, ok := r.store.(store.Lister)
	if !ok {
		return nil, nil
	}
	if cached, found := r.pools.Get(collection); found {
		return cached.([]string), nil
	}
	names, err := lister.ListFieldValues(ctx, collection, "name", SuggestionPoolSize)
	if err != nil {
		return nil, fmt.Errorf("list %s names: %w", collection, err)
	}
	r.pools.SetDefault(collection, names)
	return names, nil
}

// mergeNames returns the sorted union of both lists, deduplicated by name key.
func mergeNames(current, extra []string) []string {
	seen := make(map[string]struct{}, len(current)+len(extra))
	merged := make([]string, 0, len(current)+len(extra))
	for _, list := range [][]string{current, extra} {
		for _, name := range list {
			key := nameKey(name)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, name)
		}
	}
	sort.Strings(merged)
	return merged
}

// LookupChunked splits values into chunks of at most size, looks every chunk up
// concurrently and concatenates the results in chunk order.
func LookupChunked(ctx context.Context, s store.Store, collection, field string, values []string, size int) ([]store.Document, error) {
	chunks := store.Chunk(values, size)
	if len(chunks) == 0 {
		return nil, nil
	}

	results := make([][]store.Document, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			docs, err := s.LookupByFieldIn(gctx, collection, field, chunk)
			if err != nil {
				return fmt.Errorf("lookup %s by %s: %w", collection, field, err)
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]store.Document, 0, len(values))
	for _, docs := range results {
		merged = append(merged, docs...)
	}
	return merged, nil
}

func missingParentIDs(companies []Company) []string {
	known := make(map[string]struct{}, len(companies))
	for _, c := range companies {
		known[c.ID] = struct{}{}
	}
	seen := map[string]struct{}{}
	ids := make([]string, 0)
	for _, c := range companies {
		if !c.IsBranch || c.ParentCompanyID == nil || *c.ParentCompanyID == "" {
			continue
		}
		id := *c.ParentCompanyID
		if _, ok := known[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func decodeAll[T any](docs []store.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := store.Decode(doc, &v); err != nil {
			return nil, fmt.Errorf("decode catalog entry %s: %w", doc.ID(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Index answers name and id lookups over a resolved catalog. Names match
// case-insensitively after trimming; the first entry with a given name wins.
type Index struct {
	companiesByName map[string]Company
	companiesByID   map[string]Company
	productsByName  map[string]Product
	companyNames    []string
	productNames    []string
}

func NewIndex(companies []Company, products []Product) *Index {
	ix := &Index{
		companiesByName: make(map[string]Company, len(companies)),
		companiesByID:   make(map[string]Company, len(companies)),
		productsByName:  make(map[string]Product, len(products)),
	}
	for _, c := range companies {
		if _, ok := ix.companiesByID[c.ID]; !ok {
			ix.companiesByID[c.ID] = c
		}
		key := nameKey(c.Name)
		if _, ok := ix.companiesByName[key]; !ok {
			ix.companiesByName[key] = c
			ix.companyNames = append(ix.companyNames, c.Name)
		}
	}
	for _, p := range products {
		key := nameKey(p.Name)
		if _, ok := ix.productsByName[key]; !ok {
			ix.productsByName[key] = p
			ix.productNames = append(ix.productNames, p.Name)
		}
	}
	sort.Strings(ix.companyNames)
	sort.Strings(ix.productNames)
	return ix
}

func (ix *Index) Company(name string) (Company, bool) {
	c, ok := ix.companiesByName[nameKey(name)]
	return c, ok
}

func (ix *Index) CompanyByID(id string) (Company, bool) {
	c, ok := ix.companiesByID[id]
	return c, ok
}

func (ix *Index) Product(name string) (Product, bool) {
	p, ok := ix.productsByName[nameKey(name)]
	return p, ok
}

// Parent returns the resolvable parent of a branch.
func (ix *Index) Parent(c Company) (Company, bool) {
	if !c.IsBranch || c.ParentCompanyID == nil {
		return Company{}, false
	}
	return ix.CompanyByID(*c.ParentCompanyID)
}

func (ix *Index) ClosestCompany(name string) (string, bool) {
	return closest(name, ix.companyNames)
}

func (ix *Index) ClosestProduct(name string) (string, bool) {
	return closest(name, ix.productNames)
}

func closest(name string, candidates []string) (string, bool) {
	query := []rune(nameKey(name))
	if len(query) == 0 {
		return "", false
	}
	best, bestDistance := "", -1
	for _, candidate := range candidates {
		target := []rune(nameKey(candidate))
		distance := levenshtein.DistanceForStrings(query, target, suggestionOptions)
		maxLength := max(len(query), len(target))
		if distance > maxLength*SuggestionDrift/100 {
			continue
		}
		if bestDistance < 0 || distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best, bestDistance >= 0
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
