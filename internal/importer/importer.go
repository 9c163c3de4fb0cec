// Package importer reconciles spreadsheet rows into orders: it skips rows imported
// before, resolves companies and products against the catalog, prices each line and
// writes the batch only when no row carries a blocking error.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opsledger/apps/api/internal/catalog"
	"github.com/opsledger/apps/api/internal/dates"
	"github.com/opsledger/apps/api/internal/importhash"
	"github.com/opsledger/apps/api/internal/pricing"
	"github.com/opsledger/apps/api/internal/rowmap"
	"github.com/opsledger/apps/api/internal/store"
)

// Header fragments per logical field, most specific first.
var (
	companyFields  = []string{"customer", "client", "company", "branch"}
	productFields  = []string{"product name", "product", "item"}
	quantityFields = []string{"quantity", "order", "qty"}
	priceFields    = []string{"unit price", "price"}
	dateFields     = []string{"date", "order"}
	areaFields     = []string{"area", "region", "zone"}
)

type Config struct {
	Limits store.Limits
	Hasher importhash.Hasher
	Logger *slog.Logger
	// Hooks run after every chunk has been committed.
	Hooks []PostCommitHook
	Now   func() time.Time
}

type Importer struct {
	store    store.Store
	resolver *catalog.Resolver
	hasher   importhash.Hasher
	limits   store.Limits
	hooks    []PostCommitHook
	logger   *slog.Logger
	now      func() time.Time
}

func New(s store.Store, cfg Config) *Importer {
	limits := cfg.Limits.Normalize()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	hasher := cfg.Hasher
	if hasher.Algorithm() == "" {
		hasher = importhash.New(importhash.AlgorithmRolling)
	}
	return &Importer{
		store:    s,
		resolver: catalog.NewResolver(s, limits),
		hasher:   hasher,
		limits:   limits,
		hooks:    cfg.Hooks,
		logger:   logger,
		now:      now,
	}
}

// Import never returns a Go error: row problems and store failures alike are
// reported through Result.Errors.
func (im *Importer) Import(ctx context.Context, entityType string, rows []rowmap.Row, opts Options) Result {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	if entityType != EntityOrder {
		return Result{
			RunID:  runID,
			DryRun: opts.DryRun,
			Errors: []RowError{{
				RowIndex:     RowIndexBatch,
				ErrorType:    ErrorInvalidData,
				ErrorMessage: ErrUnsupportedEntity.Error(),
				Blocking:     true,
			}},
		}
	}

	result, err := im.run(ctx, rows, opts.DryRun, runID)
	if err != nil {
		im.logger.Error("import_failed", "run_id", runID, "error", err)
		return Result{
			RunID:  runID,
			DryRun: opts.DryRun,
			Errors: []RowError{{
				RowIndex:     RowIndexInfrastructure,
				ErrorType:    ErrorInvalidData,
				ErrorMessage: err.Error(),
				Blocking:     true,
			}},
		}
	}

	im.logger.Info("import_completed",
		"run_id", runID,
		"dry_run", opts.DryRun,
		"rows_total", result.TotalRows,
		"imported", result.ImportedCount,
		"skipped", result.SkippedCount,
		"errors", len(result.Errors),
		"success", result.Success,
	)
	return result
}

type pendingRow struct {
	index int
	row   rowmap.Row
	hash  string
}

func (im *Importer) run(ctx context.Context, rows []rowmap.Row, dryRun bool, runID string) (Result, error) {
	result := Result{RunID: runID, DryRun: dryRun, Errors: []RowError{}}

	pending := make([]pendingRow, 0, len(rows))
	for i, row := range rows {
		if row.IsEmpty() {
			continue
		}
		hash, err := im.hasher.Hash(row)
		if err != nil {
			return Result{}, fmt.Errorf("hash row %d: %w", i+1, err)
		}
		pending = append(pending, pendingRow{index: i + 1, row: row, hash: hash})
	}
	result.TotalRows = len(pending)

	existing, err := im.existingHashes(ctx, pending)
	if err != nil {
		return Result{}, err
	}

	fresh := make([]pendingRow, 0, len(pending))
	for _, p := range pending {
		if _, ok := existing[p.hash]; ok {
			result.SkippedCount++
			continue
		}
		fresh = append(fresh, p)
	}

	companyNames, productNames := collectNames(fresh)
	index, err := im.resolver.Resolve(ctx, companyNames, productNames)
	if err != nil {
		return Result{}, fmt.Errorf("resolve catalog: %w", err)
	}

	now := im.now().UTC()
	drafts := make([]OrderDraft, 0, len(fresh))
	for _, p := range fresh {
		draft, rowErr := im.reconcileRow(p, index, runID, now)
		if rowErr != nil {
			result.Errors = append(result.Errors, *rowErr)
			continue
		}
		drafts = append(drafts, draft)
	}
	result.ValidCount = len(drafts)
	result.Orders = drafts
	result.Success = !result.HasBlocking()

	if !result.Success || dryRun || len(drafts) == 0 {
		return result, nil
	}

	if err := im.write(ctx, drafts); err != nil {
		return Result{}, err
	}
	result.ImportedCount = len(drafts)
	result.ImportedSubtotal, result.ImportedTotal = totals(drafts)
	return result, nil
}

func (im *Importer) existingHashes(ctx context.Context, pending []pendingRow) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(pending))
	hashes := make([]string, 0, len(pending))
	for _, p := range pending {
		if _, ok := seen[p.hash]; ok {
			continue
		}
		seen[p.hash] = struct{}{}
		hashes = append(hashes, p.hash)
	}

	docs, err := catalog.LookupChunked(ctx, im.store, store.CollectionOrders, "importHash", hashes, im.limits.LookupValues)
	if err != nil {
		return nil, fmt.Errorf("load previous imports: %w", err)
	}
	existing := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if h, ok := doc["importHash"].(string); ok {
			existing[h] = struct{}{}
		}
	}
	return existing, nil
}

func collectNames(rows []pendingRow) ([]string, []string) {
	companySeen := map[string]struct{}{}
	productSeen := map[string]struct{}{}
	var companies, products []string
	for _, p := range rows {
		if name, ok := p.row.Get(companyFields...); ok {
			if _, dup := companySeen[name]; !dup {
				companySeen[name] = struct{}{}
				companies = append(companies, name)
			}
		}
		if name, ok := p.row.Get(productFields...); ok {
			if _, dup := productSeen[name]; !dup {
				productSeen[name] = struct{}{}
				products = append(products, name)
			}
		}
	}
	return companies, products
}

// reconcileRow walks one row through company, product, quantity, price and date
// checks and returns either a draft or the error that stopped it.
func (im *Importer) reconcileRow(p pendingRow, index *catalog.Index, runID string, now time.Time) (OrderDraft, *RowError) {
	row := p.row

	companyName, found := row.Get(companyFields...)
	if !found {
		notBranch := false
		return OrderDraft{}, &RowError{
			RowIndex:     p.index,
			ErrorType:    ErrorMissingEntity,
			ErrorMessage: "Company name is missing",
			Blocking:     true,
			Field:        "company",
			Resolution: &Resolution{
				Type:          ResolutionCreateEntity,
				Entity:        EntityCompany,
				SuggestedData: SuggestedData{IsBranch: &notBranch},
			},
		}
	}
	matched, ok := index.Company(companyName)
	if !ok {
		notBranch := false
		rowErr := &RowError{
			RowIndex:     p.index,
			ErrorType:    ErrorMissingEntity,
			ErrorMessage: fmt.Sprintf("Company %q not found", companyName),
			Blocking:     true,
			Field:        "company",
			Resolution: &Resolution{
				Type:          ResolutionCreateEntity,
				Entity:        EntityCompany,
				SuggestedData: SuggestedData{Name: companyName, IsBranch: &notBranch},
			},
		}
		rowErr.ClosestMatch, _ = index.ClosestCompany(companyName)
		return OrderDraft{}, rowErr
	}

	company, branch := matched, matched
	if parent, ok := index.Parent(matched); ok {
		company = parent
	}

	rawPrice, _ := row.Get(priceFields...)
	price := rowmap.ParseNumber(rawPrice)

	suggestedPrice := 0.0
	if isFinite(price) {
		suggestedPrice = price
	}
	productName, found := row.Get(productFields...)
	if !found {
		return OrderDraft{}, &RowError{
			RowIndex:     p.index,
			ErrorType:    ErrorMissingEntity,
			ErrorMessage: "Product name is missing",
			Blocking:     true,
			Field:        "product",
			Resolution: &Resolution{
				Type:          ResolutionCreateEntity,
				Entity:        EntityProduct,
				SuggestedData: SuggestedData{Price: &suggestedPrice},
			},
		}
	}
	product, ok := index.Product(productName)
	if !ok {
		rowErr := &RowError{
			RowIndex:     p.index,
			ErrorType:    ErrorMissingEntity,
			ErrorMessage: fmt.Sprintf("Product %q not found", productName),
			Blocking:     true,
			Field:        "product",
			Resolution: &Resolution{
				Type:          ResolutionCreateEntity,
				Entity:        EntityProduct,
				SuggestedData: SuggestedData{Name: productName, Price: &suggestedPrice},
			},
		}
		rowErr.ClosestMatch, _ = index.ClosestProduct(productName)
		return OrderDraft{}, rowErr
	}

	rawQuantity, _ := row.Get(quantityFields...)
	quantity := rowmap.ParseNumber(rawQuantity)
	isReturn := quantity < 0
	quantity = math.Abs(quantity)
	if !isFinite(quantity) || quantity == 0 {
		return OrderDraft{}, invalidData(p.index, "quantity", fmt.Sprintf("Invalid quantity %q", rawQuantity))
	}
	if !isFinite(price) || price < 0 {
		return OrderDraft{}, invalidData(p.index, "price", fmt.Sprintf("Invalid price %q", rawPrice))
	}

	rawDate, hasDate := row.Get(dateFields...)
	orderDate, err := dates.Resolve(rawDate, hasDate, now)
	if err != nil {
		return OrderDraft{}, invalidData(p.index, "date", fmt.Sprintf("Invalid date %q", rawDate))
	}

	area, _ := row.Get(areaFields...)
	breakdown := pricing.Calculate(pricing.Line{Quantity: quantity, Price: price, IsReturn: isReturn}, pricing.AdjustmentsFromRow(row))

	return newOrderDraft(draftInput{
		rowIndex:  p.index,
		company:   company,
		branch:    branch,
		product:   product,
		quantity:  quantity,
		price:     price,
		isReturn:  isReturn,
		area:      area,
		orderDate: orderDate,
		breakdown: breakdown,
		hash:      p.hash,
		runID:     runID,
		now:       now,
	}), nil
}

type draftInput struct {
	rowIndex  int
	company   catalog.Company
	branch    catalog.Company
	product   catalog.Product
	quantity  float64
	price     float64
	isReturn  bool
	area      string
	orderDate time.Time
	breakdown pricing.Breakdown
	hash      string
	runID     string
	now       time.Time
}

func newOrderDraft(in draftInput) OrderDraft {
	b := in.breakdown

	var discountType string
	var discountValue, discountAmount *float64
	if b.HasDiscount {
		discountType = b.DiscountType
		value, amount := b.DiscountValue, b.DiscountAmount
		discountValue, discountAmount = &value, &amount
	}

	var reason, notes string
	historyNote := "Imported"
	if in.isReturn {
		reason = "Return"
		notes = fmt.Sprintf("Imported return of %s x %s (row %d)", formatQuantity(in.quantity), in.product.Name, in.rowIndex)
		historyNote = "Imported return"
	}

	return OrderDraft{
		ID:          uuid.NewString(),
		CompanyID:   in.company.ID,
		BranchID:    in.branch.ID,
		CompanyName: in.company.Name,
		BranchName:  in.branch.Name,
		Area:        in.area,
		OrderDate:   in.orderDate,
		Items: []OrderItem{{
			ProductID:   in.product.ID,
			ProductName: in.product.Name,
			Quantity:    in.quantity,
			Price:       in.price,
			Total:       b.Subtotal,
		}},
		Subtotal:       b.Subtotal,
		DiscountType:   discountType,
		DiscountValue:  discountValue,
		DiscountAmount: discountAmount,
		TaxRate:        b.TaxRate,
		TotalTax:       b.TaxAmount,
		GrandTotal:     b.GrandTotal,
		Total:          b.GrandTotal,
		Status:         b.Status,
		PaymentStatus:  b.PaymentStatus,
		StatusHistory: []StatusChange{{
			Status: b.Status,
			Date:   in.orderDate,
			Note:   historyNote,
		}},
		ImportHash:         in.hash,
		IsReturn:           in.isReturn,
		CancellationReason: reason,
		CancellationNotes:  notes,
		Source:             SourceImport,
		ImportRunID:        in.runID,
		CreatedAt:          in.now,
	}
}

func invalidData(rowIndex int, field, message string) *RowError {
	return &RowError{
		RowIndex:     rowIndex,
		ErrorType:    ErrorInvalidData,
		ErrorMessage: message,
		Blocking:     false,
		Field:        field,
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
