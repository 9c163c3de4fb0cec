package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/opsledger/apps/api/internal/audit"
	"github.com/opsledger/apps/api/internal/importhash"
	"github.com/opsledger/apps/api/internal/rowmap"
	"github.com/opsledger/apps/api/internal/store"
	"github.com/opsledger/apps/api/internal/store/memstore"
)

var fixedNow = time.Date(2025, time.May, 4, 12, 0, 0, 0, time.UTC)

func newTestImporter(s store.Store, hooks ...PostCommitHook) *Importer {
	return New(s, Config{
		Limits: store.DefaultLimits(),
		Hasher: importhash.New(importhash.AlgorithmRolling),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Hooks:  hooks,
		Now:    func() time.Time { return fixedNow },
	})
}

func seedCatalog(s *memstore.Store) {
	s.Seed(store.CollectionCompanies,
		store.Document{"id": "acme", "name": "Acme", "isBranch": false},
		store.Document{"id": "holdings", "name": "Globex Holdings", "isBranch": false},
		store.Document{"id": "globex-north", "name": "Globex North", "isBranch": true, "parentCompanyId": "holdings"},
		store.Document{"id": "orphan", "name": "Orphan Branch", "isBranch": true, "parentCompanyId": "missing"},
	)
	s.Seed(store.CollectionProducts,
		store.Document{"id": "widget", "name": "Widget", "price": 4.0},
		store.Document{"id": "gadget", "name": "Gadget", "price": 12.0},
	)
}

func parseRows(t *testing.T, raw string) []rowmap.Row {
	t.Helper()
	var rows []rowmap.Row
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		t.Fatalf("parse rows: %v", err)
	}
	return rows
}

func TestImportEndToEnd(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)

	rows := parseRows(t, `[{"Customer":"Acme","Product":"Widget","Qty":"10","Unit Price":"5","Date":"44000"}]`)
	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})

	if !result.Success || result.ImportedCount != 1 || len(result.Errors) != 0 {
		t.Fatalf("expected one successful import, got %+v", result)
	}
	if result.ImportedSubtotal != 50 || result.ImportedTotal != 50 {
		t.Fatalf("expected totals 50/50, got %v/%v", result.ImportedSubtotal, result.ImportedTotal)
	}

	order := result.Orders[0]
	if order.Subtotal != 50 || order.GrandTotal != 50 || order.Status != "Delivered" || order.PaymentStatus != "Paid" {
		t.Fatalf("unexpected order %+v", order)
	}
	if want := time.Date(2020, time.June, 18, 0, 0, 0, 0, time.UTC); !order.OrderDate.Equal(want) {
		t.Fatalf("expected order date %s, got %s", want, order.OrderDate)
	}
	if order.CompanyID != "acme" || order.BranchID != "acme" || order.Items[0].ProductID != "widget" || order.Items[0].Price != 5 {
		t.Fatalf("unexpected ids or item %+v", order)
	}
	if order.DiscountValue != nil || order.DiscountType != "" {
		t.Fatalf("expected no discount fields, got %+v", order)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Status != "Delivered" {
		t.Fatalf("unexpected status history %+v", order.StatusHistory)
	}

	stored := s.All(store.CollectionOrders)
	if len(stored) != 1 || stored[0]["importHash"] != order.ImportHash || stored[0]["importRunId"] != result.RunID {
		t.Fatalf("unexpected stored orders %+v", stored)
	}
}

func TestImportRejectsUnsupportedEntityWithoutIO(t *testing.T) {
	s := memstore.New()
	rows := parseRows(t, `[{"Customer":"Acme"}]`)

	result := newTestImporter(s).Import(context.Background(), "invoice", rows, Options{})
	if result.Success || len(result.Errors) != 1 {
		t.Fatalf("expected single failure, got %+v", result)
	}
	got := result.Errors[0]
	if got.RowIndex != 0 || got.ErrorType != ErrorInvalidData || !got.Blocking || got.ErrorMessage != "only orders supported" {
		t.Fatalf("unexpected error %+v", got)
	}
	if calls := s.Calls("", ""); len(calls) != 0 {
		t.Fatalf("expected zero store calls, got %d", len(calls))
	}
}

func TestImportDedupIsIdempotent(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	im := newTestImporter(s)
	rows := parseRows(t, `[{"Customer":"Acme","Product":"Widget","Qty":"2","Price":"4"}]`)

	first := im.Import(context.Background(), EntityOrder, rows, Options{})
	if first.ImportedCount != 1 {
		t.Fatalf("expected first import to write 1, got %+v", first)
	}

	second := im.Import(context.Background(), EntityOrder, rows, Options{})
	if second.ImportedCount != 0 || second.SkippedCount != 1 || len(second.Errors) != 0 || !second.Success {
		t.Fatalf("expected repeat to be skipped silently, got %+v", second)
	}
	if got := len(s.All(store.CollectionOrders)); got != 1 {
		t.Fatalf("expected 1 stored order, got %d", got)
	}
}

func TestImportResolvesBranchToParent(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Client":"Globex North","Item":"Widget","Quantity":"1","Price":"4"},
		{"Client":"Orphan Branch","Item":"Widget","Quantity":"1","Price":"4"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if !result.Success || result.ImportedCount != 2 {
		t.Fatalf("expected both rows imported, got %+v", result)
	}

	branch := result.Orders[0]
	if branch.CompanyID != "holdings" || branch.BranchID != "globex-north" || branch.CompanyName != "Globex Holdings" || branch.BranchName != "Globex North" {
		t.Fatalf("unexpected branch resolution %+v", branch)
	}

	orphan := result.Orders[1]
	if orphan.CompanyID != "orphan" || orphan.BranchID != "orphan" || orphan.CompanyName != "Orphan Branch" {
		t.Fatalf("expected orphan branch to stand alone, got %+v", orphan)
	}
}

func TestImportReturnFlipsSigns(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[{"Customer":"Acme","Product":"Gadget","Qty":"-5","Price":"100"}]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if !result.Success || result.ImportedCount != 1 {
		t.Fatalf("expected return to import, got %+v", result)
	}
	order := result.Orders[0]
	if !order.IsReturn || order.Items[0].Quantity != 5 || order.Subtotal != -500 || order.GrandTotal != -500 {
		t.Fatalf("unexpected return order %+v", order)
	}
	if order.Status != "Cancelled" || order.PaymentStatus != "Pending" || order.CancellationReason == "" || order.CancellationNotes == "" {
		t.Fatalf("expected cancelled return with annotations, got %+v", order)
	}
	if result.ImportedTotal != -500 {
		t.Fatalf("expected return to reduce imported total, got %v", result.ImportedTotal)
	}
	if !order.OrderDate.Equal(fixedNow) {
		t.Fatalf("expected missing date to default to import time, got %s", order.OrderDate)
	}
}

func TestImportSerialDateOutOfRangeIsNonBlocking(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"4","Date":"1500"},
		{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"4","Date":"80000"},
		{"Customer":"Acme","Product":"Widget","Qty":"3","Price":"4","Date":"45000"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if !result.Success || result.ImportedCount != 1 || len(result.Errors) != 2 {
		t.Fatalf("expected 1 import with 2 non-blocking errors, got %+v", result)
	}
	for i, e := range result.Errors {
		if e.Blocking || e.ErrorType != ErrorInvalidData || e.Field != "date" || e.RowIndex != i+1 {
			t.Fatalf("unexpected date error %+v", e)
		}
	}
}

func TestImportTaxNormalization(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Customer":"Acme","Product":"Widget","Qty":"10","Price":"10","tax":"14"},
		{"Customer":"Acme","Product":"Widget","Qty":"10","Price":"10","tax":"0.14"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if result.ImportedCount != 2 {
		t.Fatalf("expected 2 imports, got %+v", result)
	}
	a, b := result.Orders[0], result.Orders[1]
	if a.TotalTax != b.TotalTax || a.TotalTax != 14 {
		t.Fatalf("expected identical tax of 14, got %v and %v", a.TotalTax, b.TotalTax)
	}
	if a.TaxRate != 14 || b.TaxRate != 14 {
		t.Fatalf("expected stored rate 14, got %v and %v", a.TaxRate, b.TaxRate)
	}
}

func TestImportBlockingErrorSkipsWrite(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"4"},
		{"Customer":"Acme","Product":"Sprocket","Qty":"2","Price":"7.5"},
		{"Customer":"Acme","Product":"Gadget","Qty":"3","Price":"12"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if result.Success || result.ImportedCount != 0 || result.ValidCount != 2 {
		t.Fatalf("expected blocked batch with 2 valid rows, got %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one error, got %+v", result.Errors)
	}
	e := result.Errors[0]
	if e.RowIndex != 2 || e.ErrorType != ErrorMissingEntity || !e.Blocking {
		t.Fatalf("unexpected error %+v", e)
	}
	if e.Resolution == nil || e.Resolution.Entity != EntityProduct || e.Resolution.SuggestedData.Name != "Sprocket" || *e.Resolution.SuggestedData.Price != 7.5 {
		t.Fatalf("unexpected resolution %+v", e.Resolution)
	}
	if calls := s.Calls("batch_write", ""); len(calls) != 0 {
		t.Fatalf("expected no writes, got %d", len(calls))
	}
}

func TestImportMissingCompanySuggestsCreationAndClosestMatch(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"4"},
		{"Customer":"Acmee","Product":"Widget","Qty":"1","Price":"4"},
		{"Product":"Widget","Qty":"1","Price":"4"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %+v", result.Errors)
	}

	unknown := result.Errors[0]
	if unknown.Resolution == nil || unknown.Resolution.Entity != EntityCompany || unknown.Resolution.SuggestedData.Name != "Acmee" {
		t.Fatalf("unexpected resolution %+v", unknown.Resolution)
	}
	if unknown.Resolution.SuggestedData.IsBranch == nil || *unknown.Resolution.SuggestedData.IsBranch {
		t.Fatalf("expected non-branch suggestion")
	}
	if unknown.ClosestMatch != "Acme" {
		t.Fatalf("expected closest match Acme, got %q", unknown.ClosestMatch)
	}

	missing := result.Errors[1]
	if missing.RowIndex != 3 || !missing.Blocking || missing.Resolution == nil {
		t.Fatalf("expected blocking error with a resolution for absent name, got %+v", missing)
	}
	if r := missing.Resolution; r.Type != ResolutionCreateEntity || r.Entity != EntityCompany || r.SuggestedData.Name != "" {
		t.Fatalf("expected nameless create-company resolution, got %+v", r)
	}
	if missing.ClosestMatch != "" {
		t.Fatalf("expected no closest match for absent name, got %q", missing.ClosestMatch)
	}
}

func TestImportMissingProductCellCarriesPricedResolution(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[{"Customer":"Acme","Qty":"1","Price":"7.5"}]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %+v", result.Errors)
	}
	r := result.Errors[0].Resolution
	if r == nil || r.Entity != EntityProduct || r.SuggestedData.Name != "" {
		t.Fatalf("expected nameless create-product resolution, got %+v", r)
	}
	if r.SuggestedData.Price == nil || *r.SuggestedData.Price != 7.5 {
		t.Fatalf("expected suggested price 7.5, got %+v", r.SuggestedData.Price)
	}
}

func TestImportSingleRowTypoSuggestsStoredProduct(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[{"Customer":"Acme","Product":"Widgte","Qty":"1","Price":"4"}]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %+v", result.Errors)
	}
	if got := result.Errors[0].ClosestMatch; got != "Widget" {
		t.Fatalf("expected closest match Widget, got %q", got)
	}
}

func TestImportSubCentPriceIsNotRounded(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"0.004"}]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if !result.Success || result.ImportedCount != 1 {
		t.Fatalf("expected import, got %+v", result)
	}
	if got := result.Orders[0].GrandTotal; got != 0.004 {
		t.Fatalf("expected grand total 0.004, got %v", got)
	}
	if result.ImportedTotal != 0.004 {
		t.Fatalf("expected imported total 0.004, got %v", result.ImportedTotal)
	}
}

func TestImportInvalidQuantityAndPriceAreNonBlocking(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Customer":"Acme","Product":"Widget","Qty":"0","Price":"4"},
		{"Customer":"Acme","Product":"Widget","Qty":"many","Price":"4"},
		{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"-4"},
		{"Customer":"Acme","Product":"Widget","Qty":"1"},
		{"Customer":"Acme","Product":"Widget","Qty":"2 pcs","Price":"4"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if !result.Success || result.ImportedCount != 1 || len(result.Errors) != 4 {
		t.Fatalf("expected 1 import and 4 non-blocking errors, got %+v", result)
	}
	wantFields := []string{"quantity", "quantity", "price", "price"}
	for i, e := range result.Errors {
		if e.Blocking || e.Field != wantFields[i] {
			t.Fatalf("error %d: unexpected %+v", i, e)
		}
	}
	if result.Orders[0].Items[0].Quantity != 2 {
		t.Fatalf("expected leading numeric prefix to parse as 2, got %v", result.Orders[0].Items[0].Quantity)
	}
}

func TestImportSkipsEmptyRowsButKeepsOriginalIndex(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[
		{"Customer":"","Product":null},
		{},
		{"Customer":"Acme","Product":"Widget","Qty":"x","Price":"4"}
	]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{})
	if result.TotalRows != 1 || len(result.Errors) != 1 || result.Errors[0].RowIndex != 3 {
		t.Fatalf("expected one considered row reported at index 3, got %+v", result)
	}
}

func TestImportDryRunDoesNotWrite(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"4","Discount":"1"}]`)

	result := newTestImporter(s).Import(context.Background(), EntityOrder, rows, Options{DryRun: true, RunID: "run-dry"})
	if !result.Success || !result.DryRun || result.ValidCount != 1 || result.ImportedCount != 0 || result.RunID != "run-dry" {
		t.Fatalf("unexpected dry run result %+v", result)
	}
	if got := len(s.All(store.CollectionOrders)); got != 0 {
		t.Fatalf("expected no stored orders, got %d", got)
	}
	order := result.Orders[0]
	if order.DiscountValue == nil || *order.DiscountValue != 1 || order.DiscountType != "fixed" || order.GrandTotal != 3 {
		t.Fatalf("expected discount fields on draft, got %+v", order)
	}
}

func TestImportWritesInChunksAndRunsHooks(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)

	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < 1201; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"Ref":"%d","Customer":"Acme","Product":"Widget","Qty":"1","Price":"2"}`, i)
	}
	b.WriteString("]")
	rows := parseRows(t, b.String())

	logger := audit.NewLogger(s)
	hookCalls := 0
	counting := func(ctx context.Context, order OrderDraft) error {
		hookCalls++
		return errors.New("hook unavailable")
	}

	result := newTestImporter(s, PriceAuditHook(logger), counting).Import(context.Background(), EntityOrder, rows, Options{})
	if !result.Success || result.ImportedCount != 1201 || result.ImportedTotal != 2402 {
		t.Fatalf("unexpected result counts %+v", result.ImportedCount)
	}

	sizes := memstore.Sizes(s.Calls("batch_write", store.CollectionOrders))
	if len(sizes) != 3 || sizes[0] != 500 || sizes[1] != 500 || sizes[2] != 201 {
		t.Fatalf("expected writes of 500+500+201, got %v", sizes)
	}
	if got := len(s.All(store.CollectionPriceAudits)); got != 1201 {
		t.Fatalf("expected 1201 price audits, got %d", got)
	}
	if hookCalls != 1201 {
		t.Fatalf("expected failing hook to run for every order, got %d", hookCalls)
	}

	lookups := s.Calls("lookup", store.CollectionOrders)
	for _, c := range lookups {
		if c.Size > store.MaxLookupValues {
			t.Fatalf("dedup lookup exceeded chunk size: %d", c.Size)
		}
	}
	if len(lookups) != 41 {
		t.Fatalf("expected 41 dedup lookups for 1201 hashes, got %d", len(lookups))
	}
}

type brokenStore struct {
	*memstore.Store
}

func (brokenStore) BatchWrite(context.Context, string, []store.Document) error {
	return errors.New("write quota exceeded")
}

func TestImportInfrastructureFailure(t *testing.T) {
	s := memstore.New()
	seedCatalog(s)
	rows := parseRows(t, `[{"Customer":"Acme","Product":"Widget","Qty":"1","Price":"4"}]`)

	result := newTestImporter(brokenStore{s}).Import(context.Background(), EntityOrder, rows, Options{})
	if result.Success || result.ImportedCount != 0 || len(result.Errors) != 1 {
		t.Fatalf("expected single infrastructure error, got %+v", result)
	}
	e := result.Errors[0]
	if e.RowIndex != -1 || !e.Blocking || e.ErrorType != ErrorInvalidData || !strings.Contains(e.ErrorMessage, "write quota exceeded") {
		t.Fatalf("unexpected infrastructure error %+v", e)
	}
}

func TestImportChunksCompanyLookups(t *testing.T) {
	s := memstore.New()
	s.Seed(store.CollectionProducts, store.Document{"id": "widget", "name": "Widget"})

	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < 75; i++ {
		s.Seed(store.CollectionCompanies, store.Document{"id": fmt.Sprintf("c%d", i), "name": fmt.Sprintf("Company %d", i)})
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"Company":"Company %d","Product":"Widget","Qty":"1","Price":"1"}`, i)
	}
	b.WriteString("]")

	result := newTestImporter(s).Import(context.Background(), EntityOrder, parseRows(t, b.String()), Options{DryRun: true})
	if result.ValidCount != 75 || len(result.Errors) != 0 {
		t.Fatalf("expected all 75 rows to resolve, got %+v", result.Errors)
	}
	sizes := memstore.Sizes(s.Calls("lookup", store.CollectionCompanies))
	if len(sizes) != 3 || sizes[0] != 30 || sizes[1] != 30 || sizes[2] != 15 {
		t.Fatalf("expected company lookups of 30+30+15, got %v", sizes)
	}
}
