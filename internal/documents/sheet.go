package documents

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/money"
)

//go:embed templates/*.html
var templateFS embed.FS

var sheetTemplate = template.Must(template.New("sheet.html").Funcs(template.FuncMap{
	"money": func(currency string, v any) string {
		switch d := v.(type) {
		case decimal.Decimal:
			return money.Format(currency, d)
		case *decimal.Decimal:
			if d == nil {
				return ""
			}
			return money.Format(currency, *d)
		}
		return fmt.Sprint(v)
	},
	"date": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			if t.IsZero() {
				return ""
			}
			return t.Format("Jan 2, 2006")
		case *time.Time:
			if t == nil || t.IsZero() {
				return ""
			}
			return t.Format("Jan 2, 2006")
		}
		return ""
	},
}).ParseFS(templateFS, "templates/sheet.html"))

// Sheet is the printable view of a proposal or invoice.
type Sheet struct {
	Kind          string
	Number        string
	Title         string
	CompanyName   string
	ContactName   string
	ContactEmail  string
	Currency      string
	IssuedOn      time.Time
	DueOn         *time.Time
	Lines         []SheetLine
	Discounts     []SheetDiscount
	Notes         []SheetNote
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	Total         decimal.Decimal
	DepositDue    decimal.Decimal
	BalanceDue    *decimal.Decimal
	SigningURL    string
}

type SheetLine struct {
	Name        string
	Description string
	Hours       decimal.Decimal
	Quantity    decimal.Decimal
	Amount      decimal.Decimal
}

type SheetDiscount struct {
	Name   string
	Amount decimal.Decimal
}

type SheetNote struct {
	Heading string
	Body    string
}

// RenderSheetHTML executes the sheet template. baseURL, when set, becomes the
// document <base> so relative assets resolve inside the PDF converter.
func RenderSheetHTML(sheet Sheet, baseURL string) (string, error) {
	var buf bytes.Buffer
	err := sheetTemplate.Execute(&buf, struct {
		Sheet   Sheet
		BaseURL string
	}{Sheet: sheet, BaseURL: baseURL})
	if err != nil {
		return "", fmt.Errorf("documents: render sheet: %w", err)
	}
	return buf.String(), nil
}
