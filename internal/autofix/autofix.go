// Package autofix creates the companies and products a failed import reported as
// missing, so the same file can be imported again.
package autofix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opsledger/apps/api/internal/catalog"
	"github.com/opsledger/apps/api/internal/importer"
	"github.com/opsledger/apps/api/internal/store"
)

const SourceAutoFix = "import-autofix"

// DefaultBatchInterval spaces insert batches apart.
const DefaultBatchInterval = 50 * time.Millisecond

type Stage string

const (
	StageChecking Stage = "checking"
	StageCreating Stage = "creating"
	StageDone     Stage = "done"
)

type Progress struct {
	Stage Stage `json:"stage"`
	Done  int   `json:"done"`
	Total int   `json:"total"`
}

type ProgressFunc func(Progress)

type Result struct {
	Success          bool     `json:"success"`
	CreatedCompanies []string `json:"createdCompanies"`
	CreatedProducts  []string `json:"createdProducts"`
	Error            string   `json:"error,omitempty"`
}

type Config struct {
	Limits  store.Limits
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Now     func() time.Time
}

type Fixer struct {
	store   store.Store
	limits  store.Limits
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(s store.Store, cfg Config) *Fixer {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(DefaultBatchInterval), 1)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Fixer{
		store:   s,
		limits:  cfg.Limits.Normalize(),
		limiter: limiter,
		logger:  logger,
		now:     now,
	}
}

type pendingEntity struct {
	name  string
	price float64
}

// Fix creates every suggested entity that does not exist yet. Existing names are
// never overwritten. An insert failure stops the run; batches already inserted stay.
func (f *Fixer) Fix(ctx context.Context, rowErrors []importer.RowError, progress ProgressFunc) Result {
	if progress == nil {
		progress = func(Progress) {}
	}
	result := Result{CreatedCompanies: []string{}, CreatedProducts: []string{}}

	companies, products := collect(rowErrors)
	total := len(companies) + len(products)
	progress(Progress{Stage: StageChecking, Total: total})

	missingCompanies, err := f.filterExisting(ctx, store.CollectionCompanies, companies)
	if err != nil {
		return f.fail(result, err)
	}
	missingProducts, err := f.filterExisting(ctx, store.CollectionProducts, products)
	if err != nil {
		return f.fail(result, err)
	}

	toCreate := len(missingCompanies) + len(missingProducts)
	done := 0
	progress(Progress{Stage: StageCreating, Done: done, Total: toCreate})

	createdAt := f.now().UTC().Format(time.RFC3339Nano)
	companyDocs := make([]store.Document, 0, len(missingCompanies))
	for _, c := range missingCompanies {
		companyDocs = append(companyDocs, store.Document{
			"id":              uuid.NewString(),
			"name":            c.name,
			"isBranch":        false,
			"parentCompanyId": nil,
			"source":          SourceAutoFix,
			"createdAt":       createdAt,
		})
	}
	productDocs := make([]store.Document, 0, len(missingProducts))
	for _, p := range missingProducts {
		productDocs = append(productDocs, store.Document{
			"id":        uuid.NewString(),
			"name":      p.name,
			"price":     p.price,
			"source":    SourceAutoFix,
			"createdAt": createdAt,
		})
	}

	steps := []struct {
		collection string
		docs       []store.Document
		created    *[]string
	}{
		{store.CollectionCompanies, companyDocs, &result.CreatedCompanies},
		{store.CollectionProducts, productDocs, &result.CreatedProducts},
	}
	first := true
	for _, step := range steps {
		for _, batch := range store.Chunk(step.docs, f.limits.InsertBatch) {
			if !first {
				if err := f.limiter.Wait(ctx); err != nil {
					return f.fail(result, fmt.Errorf("wait between batches: %w", err))
				}
			}
			first = false

			if err := f.store.InsertMany(ctx, step.collection, batch); err != nil {
				return f.fail(result, fmt.Errorf("insert %s: %w", step.collection, err))
			}
			for _, doc := range batch {
				name, _ := doc["name"].(string)
				*step.created = append(*step.created, name)
			}
			done += len(batch)
			progress(Progress{Stage: StageCreating, Done: done, Total: toCreate})
		}
	}

	progress(Progress{Stage: StageDone, Done: done, Total: toCreate})
	f.logger.Info("autofix_completed",
		"companies_created", len(result.CreatedCompanies),
		"products_created", len(result.CreatedProducts),
	)
	result.Success = true
	return result
}

func (f *Fixer) fail(result Result, err error) Result {
	f.logger.Error("autofix_failed",
		"companies_created", len(result.CreatedCompanies),
		"products_created", len(result.CreatedProducts),
		"error", err,
	)
	result.Success = false
	result.Error = err.Error()
	return result
}

// collect keeps the first suggestion per entity kind and name.
func collect(rowErrors []importer.RowError) (companies, products []pendingEntity) {
	seen := map[string]struct{}{}
	for _, e := range rowErrors {
		if e.ErrorType != importer.ErrorMissingEntity || e.Resolution == nil || e.Resolution.Type != importer.ResolutionCreateEntity {
			continue
		}
		name := strings.TrimSpace(e.Resolution.SuggestedData.Name)
		if name == "" {
			continue
		}
		key := e.Resolution.Entity + "\x00" + name
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		switch e.Resolution.Entity {
		case importer.EntityCompany:
			companies = append(companies, pendingEntity{name: name})
		case importer.EntityProduct:
			price := 0.0
			if e.Resolution.SuggestedData.Price != nil {
				price = *e.Resolution.SuggestedData.Price
			}
			products = append(products, pendingEntity{name: name, price: price})
		}
	}
	return companies, products
}

// filterExisting drops entities whose name is already stored. Checks are chunked by
// the insert batch size.
func (f *Fixer) filterExisting(ctx context.Context, collection string, entities []pendingEntity) ([]pendingEntity, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.name)
	}

	docs, err := catalog.LookupChunked(ctx, f.store, collection, "name", names, f.limits.InsertBatch)
	if err != nil {
		return nil, fmt.Errorf("check existing %s: %w", collection, err)
	}
	existing := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if name, ok := doc["name"].(string); ok {
			existing[name] = struct{}{}
		}
	}

	missing := make([]pendingEntity, 0, len(entities))
	for _, e := range entities {
		if _, ok := existing[e.name]; ok {
			continue
		}
		missing = append(missing, e)
	}
	return missing, nil
}
