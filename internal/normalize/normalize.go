package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Canonical is the expense shape every extraction is mapped onto.
type Canonical struct {
	Vendor        string  `json:"vendor"`
	Amount        float64 `json:"amount"`
	VATAmount     float64 `json:"vatAmount"`
	VATRate       float64 `json:"vatRate"`
	Category      string  `json:"category"`
	Description   string  `json:"description"`
	ExpenseDate   string  `json:"expenseDate"`
	ReceiptNumber string  `json:"receiptNumber,omitempty"`
}

// ExpenseWorthy reports whether an Expense may be derived from the record.
func (c Canonical) ExpenseWorthy() bool {
	return c.Amount > 0
}

// Candidate keys per canonical field, in priority order.
var (
	vendorKeys      = []string{"vendor", "vendor_name", "issuer", "issuer_name", "company", "company_name", "supplier", "supplier_name", "merchant", "merchant_name", "fornecedor", "emitente", "nome_empresa"}
	amountKeys      = []string{"total_amount", "total", "amount", "grand_total", "amount_total", "valor_total", "total_com_iva", "valor"}
	vatAmountKeys   = []string{"vat_amount", "vat", "tax_amount", "tax", "iva", "valor_iva", "total_vat"}
	vatRateKeys     = []string{"vat_rate", "tax_rate", "iva_rate", "taxa_iva"}
	categoryKeys    = []string{"category", "expense_category", "categoria"}
	descriptionKeys = []string{"description", "descricao", "summary", "notes"}
	dateKeys        = []string{"invoice_date", "date", "issue_date", "document_date", "data", "data_emissao", "due_date", "transaction_date"}
	receiptKeys     = []string{"invoice_number", "receipt_number", "document_number", "numero_fatura", "number"}
)

// Portuguese VAT rates: reduced, intermediate and standard.
var standardVATRates = []float64{6, 13, 23}

const vatRateTolerance = 1.5

type Normalizer struct {
	Now func() time.Time
}

func New() *Normalizer {
	return &Normalizer{Now: time.Now}
}

func (n *Normalizer) Normalize(fields map[string]any) Canonical {
	out := Canonical{
		Vendor:        stringField(fields, vendorKeys),
		Description:   stringField(fields, descriptionKeys),
		ReceiptNumber: stringField(fields, receiptKeys),
	}
	if amount, ok := amountField(fields, amountKeys); ok {
		out.Amount = round2(amount)
	}
	vat, hasVAT := amountField(fields, vatAmountKeys)
	rate, hasRate := amountField(fields, vatRateKeys)
	if hasRate && rate > 0 && rate <= 1 {
		rate *= 100
	}
	switch {
	case hasVAT && hasRate:
		out.VATAmount, out.VATRate = round2(vat), round2(rate)
	case hasVAT:
		out.VATAmount = round2(vat)
		out.VATRate = deriveRate(out.Amount, out.VATAmount)
	case hasRate:
		out.VATRate = round2(rate)
		out.VATAmount = deriveVAT(out.Amount, out.VATRate)
	}

	out.ExpenseDate = n.date(fields)

	if category := stringField(fields, categoryKeys); category != "" {
		out.Category = category
	} else {
		out.Category = InferCategory(out.Vendor, out.Description)
	}
	return out
}

func (n *Normalizer) date(fields map[string]any) string {
	for _, key := range dateKeys {
		raw, ok := lookup(fields, key)
		if !ok {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			continue
		}
		if parsed, ok := ParseDate(text); ok {
			return parsed.Format(DateLayout)
		}
	}
	now := time.Now
	if n != nil && n.Now != nil {
		now = n.Now
	}
	return now().Format(DateLayout)
}

func deriveRate(amount, vat float64) float64 {
	if vat <= 0 || amount <= vat {
		return 0
	}
	rate := vat / (amount - vat) * 100
	return snapRate(rate)
}

func deriveVAT(amount, rate float64) float64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	return round2(amount - amount/(1+rate/100))
}

func snapRate(rate float64) float64 {
	best := 0.0
	bestDelta := math.MaxFloat64
	for _, candidate := range standardVATRates {
		if delta := math.Abs(rate - candidate); delta < bestDelta {
			best, bestDelta = candidate, delta
		}
	}
	if bestDelta <= vatRateTolerance {
		return best
	}
	return round2(rate)
}

// lookup returns the value for key, unwrapping {"name": ...} and
// {"value": ...} objects. Empty values count as absent.
func lookup(fields map[string]any, key string) (any, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	raw = unwrap(raw)
	if isEmpty(raw) {
		return nil, false
	}
	return raw, true
}

func unwrap(raw any) any {
	for i := 0; i < 3; i++ {
		obj, ok := raw.(map[string]any)
		if !ok {
			return raw
		}
		var next any
		found := false
		for _, key := range []string{"value", "name", "amount", "text"} {
			if v, ok := obj[key]; ok {
				next, found = v, true
				break
			}
		}
		if !found {
			return raw
		}
		raw = next
	}
	return raw
}

func isEmpty(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(v)
		return s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a")
	case map[string]any:
		return true
	case []any:
		return len(v) == 0
	}
	return false
}

func stringField(fields map[string]any, keys []string) string {
	for _, key := range keys {
		raw, ok := lookup(fields, key)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func amountField(fields map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		raw, ok := lookup(fields, key)
		if !ok {
			continue
		}
		if value, ok := ParseAmount(raw); ok {
			return value, true
		}
	}
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
