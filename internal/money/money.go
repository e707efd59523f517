// Package money holds the fixed-point helpers shared by drafts, proposals and invoices.
// Amounts are decimal.Decimal; rounding is half-up to cents.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Kind selects how a discount or deposit value is applied.
type Kind string

const (
	KindNone    Kind = "NONE"
	KindPercent Kind = "PERCENT"
	KindFixed   Kind = "FIXED"
)

var (
	// Zero is 0.00.
	Zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
)

// Line is anything carrying a pre-computed line subtotal.
type Line interface {
	LineSubtotal() decimal.Decimal
}

// Applied is anything carrying an applied discount amount.
type Applied interface {
	AppliedAmount() decimal.Decimal
}

// Q2 rounds half-up to two decimal places.
func Q2(d decimal.Decimal) decimal.Decimal {
	// decimal.Round rounds half away from zero (ROUND_HALF_UP).
	return d.Round(2)
}

// SumLineItems adds each line subtotal after rounding it to cents.
func SumLineItems[L Line](items []L) decimal.Decimal {
	sum := Zero
	for _, it := range items {
		sum = sum.Add(Q2(it.LineSubtotal()))
	}
	return Q2(sum)
}

// SumDiscounts adds the applied amounts of every discount.
func SumDiscounts[A Applied](applied []A) decimal.Decimal {
	sum := Zero
	for _, ad := range applied {
		sum = sum.Add(ad.AppliedAmount())
	}
	return Q2(sum)
}

// ComputeTotal rounds subtotal minus discounts once, then adds tax.
func ComputeTotal(subtotal, discountTotal, taxTotal decimal.Decimal) decimal.Decimal {
	return Q2(subtotal.Sub(discountTotal)).Add(taxTotal)
}

// LineTotal prices a catalog line: hours * quantity * hourly rate + base rate.
func LineTotal(hours, qty, hourlyRate, baseRate decimal.Decimal) decimal.Decimal {
	return Q2(hours.Mul(qty).Mul(hourlyRate).Add(baseRate))
}

// DiscountAmount applies a percent or fixed discount to base.
func DiscountAmount(kind Kind, value, base decimal.Decimal) decimal.Decimal {
	switch kind {
	case KindPercent:
		return Q2(base.Mul(value).Div(hundred))
	case KindFixed:
		return Q2(value)
	default:
		return Zero
	}
}

// DepositAmount computes the deposit owed on total.
func DepositAmount(kind Kind, value, total decimal.Decimal) decimal.Decimal {
	return DiscountAmount(kind, value, total)
}

// MinorUnits converts an amount to cents for payment gateways.
func MinorUnits(d decimal.Decimal) int64 {
	return Q2(d).Mul(hundred).IntPart()
}

// FromMinorUnits converts gateway cents back to an amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Parse reads a decimal amount, treating blank input as zero.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return Zero, nil
	}
	return decimal.NewFromString(s)
}

// Format renders an amount with its ISO currency code, e.g. "USD 1,250.00".
func Format(currency string, d decimal.Decimal) string {
	q := Q2(d)
	whole := q.Abs().Truncate(0)
	frac := q.Abs().Sub(whole).StringFixed(2)
	out := message.NewPrinter(language.English).Sprintf("%d", whole.IntPart()) + strings.TrimPrefix(frac, "0")
	if q.IsNegative() {
		out = "-" + out
	}
	if currency == "" {
		return out
	}
	return strings.ToUpper(currency) + " " + out
}
