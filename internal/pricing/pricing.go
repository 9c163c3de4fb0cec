// Package pricing computes the financial fields of one imported order line.
package pricing

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opsledger/apps/api/internal/rowmap"
)

const (
	DiscountFixed      = "fixed"
	DiscountPercentage = "percentage"

	StatusDelivered = "Delivered"
	StatusCancelled = "Cancelled"
	PaymentPaid     = "Paid"
	PaymentPending  = "Pending"
)

var hundred = decimal.NewFromInt(100)

// Adjustments are the discount and tax cells of a row, read by exact column name.
type Adjustments struct {
	DiscountValue float64
	DiscountType  string
	TaxRate       float64
}

func AdjustmentsFromRow(row rowmap.Row) Adjustments {
	adj := Adjustments{DiscountType: DiscountFixed}
	if v, ok := row.GetExact("discount", "Discount"); ok {
		adj.DiscountValue = finiteOrZero(rowmap.ParseNumber(v))
	}
	if v, ok := row.GetExact("discountType", "DiscountType"); ok {
		adj.DiscountType = v
	}
	if v, ok := row.GetExact("tax", "Tax", "VAT"); ok {
		adj.TaxRate = finiteOrZero(rowmap.ParseNumber(strings.TrimSuffix(v, "%")))
	}
	return adj
}

type Line struct {
	Quantity float64
	Price    float64
	IsReturn bool
}

type Breakdown struct {
	Subtotal       float64
	DiscountType   string
	DiscountValue  float64
	DiscountAmount float64
	// HasDiscount is set only for a positive discount value.
	HasDiscount bool
	// TaxRate is stored in percentage form: 0.14 and 14 both become 14.
	TaxRate       float64
	TaxAmount     float64
	GrandTotal    float64
	Status        string
	PaymentStatus string
}

// Calculate runs subtotal, discount, tax and grand total at full precision; nothing is
// rounded to cents. Quantity must already be the absolute line quantity; returns flip
// the sign of subtotal, tax and grand total.
func Calculate(line Line, adj Adjustments) Breakdown {
	quantity := toDecimal(line.Quantity)
	price := toDecimal(line.Price)
	subtotal := price.Mul(quantity)

	discountType := adj.DiscountType
	if discountType == "" {
		discountType = DiscountFixed
	}
	discountValue := toDecimal(adj.DiscountValue)
	var discountAmount decimal.Decimal
	if discountType == DiscountPercentage {
		discountAmount = subtotal.Mul(discountValue).Div(hundred)
	} else {
		discountAmount = discountValue.Abs()
	}
	net := subtotal.Sub(discountAmount)

	fraction, storedRate := normalizeTaxRate(toDecimal(adj.TaxRate))
	tax := net.Mul(fraction)
	grand := net.Add(tax)

	status, payment := StatusDelivered, PaymentPaid
	if line.IsReturn {
		subtotal = subtotal.Neg()
		tax = tax.Neg()
		grand = grand.Neg()
		status, payment = StatusCancelled, PaymentPending
	}

	return Breakdown{
		Subtotal:       subtotal.InexactFloat64(),
		DiscountType:   discountType,
		DiscountValue:  adj.DiscountValue,
		DiscountAmount: discountAmount.InexactFloat64(),
		HasDiscount:    adj.DiscountValue > 0,
		TaxRate:        storedRate.InexactFloat64(),
		TaxAmount:      tax.InexactFloat64(),
		GrandTotal:     grand.InexactFloat64(),
		Status:         status,
		PaymentStatus:  payment,
	}
}

// normalizeTaxRate treats a rate strictly between 0 and 1 as already fractional and
// anything from 1 up as a percentage. "0.5" is therefore read as 50%, even when a
// 0.5% rate was meant.
func normalizeTaxRate(raw decimal.Decimal) (fraction, percent decimal.Decimal) {
	one := decimal.NewFromInt(1)
	switch {
	case raw.Sign() <= 0:
		return decimal.Zero, decimal.Zero
	case raw.LessThan(one):
		return raw, raw.Mul(hundred)
	default:
		return raw.Div(hundred), raw
	}
}

func toDecimal(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
