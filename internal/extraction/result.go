package extraction

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// FailureConfidence is stored on documents whose extraction failed. Status,
// not the score, distinguishes it from a weak success.
const FailureConfidence = 0.1

const defaultConfidence = 0.5

const (
	MethodVision = "vision"
	MethodText   = "text"
)

type FieldProvenance struct {
	Model      string  `json:"model"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Fields       map[string]any             `json:"fields"`
	Confidence   float64                    `json:"confidence"`
	Issues       []string                   `json:"issues,omitempty"`
	Provenance   map[string]FieldProvenance `json:"provenance,omitempty"`
	UsedModel    string                     `json:"usedModel"`
	FallbackUsed bool                       `json:"fallbackUsed"`
	PageCount    int                        `json:"pageCount,omitempty"`
	OwnCompany   bool                       `json:"ownCompany"`
}

// Marshal projects the result into the blob persisted on the document.
func (r Result) Marshal() (json.RawMessage, error) {
	return json.Marshal(r)
}

var taxIDFields = []string{
	"vendor_tax_id", "vendor_nif", "tax_id", "nif", "nif_emitente", "supplier_nif", "vat_number", "nipc",
}

// ClassifyOwnCompany reports whether the document was issued by the tenant
// itself, comparing tax identifiers on digits only.
func ClassifyOwnCompany(fields map[string]any, ownTaxID string) bool {
	own := digitsOnly(ownTaxID)
	if own == "" {
		return false
	}
	for _, key := range taxIDFields {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		var candidate string
		switch v := raw.(type) {
		case string:
			candidate = v
		case float64:
			candidate = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			continue
		}
		digits := digitsOnly(candidate)
		if digits == "" {
			continue
		}
		return digits == own
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
