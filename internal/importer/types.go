package importer

import (
	"errors"
	"time"
)

const EntityOrder = "order"

const (
	ErrorMissingEntity = "missing-entity"
	ErrorInvalidData   = "invalid-data"

	ResolutionCreateEntity = "create-entity"

	EntityCompany = "company"
	EntityProduct = "product"

	SourceImport = "import"
)

// Row indexes are 1-based positions in the submitted rows. These two are reserved.
const (
	RowIndexBatch          = 0
	RowIndexInfrastructure = -1
)

var ErrUnsupportedEntity = errors.New("only orders supported")

type SuggestedData struct {
	Name     string   `json:"name"`
	IsBranch *bool    `json:"isBranch,omitempty"`
	Price    *float64 `json:"price,omitempty"`
}

type Resolution struct {
	Type          string        `json:"type"`
	Entity        string        `json:"entity"`
	SuggestedData SuggestedData `json:"suggestedData"`
}

type RowError struct {
	RowIndex     int         `json:"rowIndex"`
	ErrorType    string      `json:"errorType"`
	ErrorMessage string      `json:"errorMessage"`
	Blocking     bool        `json:"blocking"`
	Field        string      `json:"field,omitempty"`
	ClosestMatch string      `json:"closestMatch,omitempty"`
	Resolution   *Resolution `json:"resolution,omitempty"`
}

type Result struct {
	RunID            string     `json:"runId"`
	Success          bool       `json:"success"`
	DryRun           bool       `json:"dryRun"`
	TotalRows        int        `json:"totalRows"`
	ValidCount       int        `json:"validCount"`
	ImportedCount    int        `json:"importedCount"`
	SkippedCount     int        `json:"skippedCount"`
	ImportedTotal    float64    `json:"importedTotal"`
	ImportedSubtotal float64    `json:"importedSubtotal"`
	Errors           []RowError `json:"errors"`
	// Orders holds every draft built in this run, written or not.
	Orders []OrderDraft `json:"orders,omitempty"`
}

// HasBlocking reports whether any error prevents the write phase.
func (r Result) HasBlocking() bool {
	for _, e := range r.Errors {
		if e.Blocking {
			return true
		}
	}
	return false
}

type Options struct {
	DryRun bool
	// RunID is generated when empty.
	RunID string
}

type OrderItem struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Total       float64 `json:"total"`
}

type StatusChange struct {
	Status string    `json:"status"`
	Date   time.Time `json:"date"`
	Note   string    `json:"note"`
}

// OrderDraft is a fully computed order ready to be written. It is built once by
// newOrderDraft and never modified afterwards.
type OrderDraft struct {
	ID                 string         `json:"id"`
	CompanyID          string         `json:"companyId"`
	BranchID           string         `json:"branchId"`
	CompanyName        string         `json:"companyName"`
	BranchName         string         `json:"branchName"`
	Area               string         `json:"area,omitempty"`
	OrderDate          time.Time      `json:"orderDate"`
	Items              []OrderItem    `json:"items"`
	Subtotal           float64        `json:"subtotal"`
	DiscountType       string         `json:"discountType,omitempty"`
	DiscountValue      *float64       `json:"discountValue,omitempty"`
	DiscountAmount     *float64       `json:"discountAmount,omitempty"`
	TaxRate            float64        `json:"taxRate"`
	TotalTax           float64        `json:"totalTax"`
	GrandTotal         float64        `json:"grandTotal"`
	Total              float64        `json:"total"`
	Status             string         `json:"status"`
	PaymentStatus      string         `json:"paymentStatus"`
	StatusHistory      []StatusChange `json:"statusHistory"`
	ImportHash         string         `json:"importHash"`
	IsReturn           bool           `json:"isReturn"`
	CancellationReason string         `json:"cancellationReason,omitempty"`
	CancellationNotes  string         `json:"cancellationNotes,omitempty"`
	Source             string         `json:"source"`
	ImportRunID        string         `json:"importRunId"`
	CreatedAt          time.Time      `json:"createdAt"`
}
