package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseAmount accepts numbers and monetary strings in Portuguese
// ("1.234,56 €") or English ("€1,234.56") notation.
func ParseAmount(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		return parseAmountString(v)
	}
	return 0, false
}

func parseAmountString(s string) (float64, bool) {
	var b strings.Builder
	negative := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' || r == '(':
			if b.Len() == 0 {
				negative = true
			}
		}
	}
	cleaned := b.String()
	if cleaned == "" || strings.Trim(cleaned, ".,") == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(cleaned, ",") > 1 {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(cleaned, ".") > 1 || isThousandsGroup(cleaned, lastDot) {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		}
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		value = -value
	}
	return value, true
}

// isThousandsGroup treats "1.234" as one thousand two hundred and thirty
// four, following Portuguese grouping.
func isThousandsGroup(s string, dot int) bool {
	return dot > 0 && len(s)-dot-1 == 3
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2/1/2006",
	"02/01/06",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"20060102",
}

var portugueseMonths = strings.NewReplacer(
	"janeiro", "January", "fevereiro", "February", "março", "March", "marco", "March",
	"abril", "April", "maio", "May", "junho", "June", "julho", "July",
	"agosto", "August", "setembro", "September", "outubro", "October",
	"novembro", "November", "dezembro", "December",
)

func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	lower := strings.ToLower(s)
	lower = strings.ReplaceAll(lower, " de ", " ")
	translated := portugueseMonths.Replace(lower)
	if translated != lower {
		for _, layout := range []string{"2 January 2006", "02 January 2006"} {
			if t, err := time.Parse(layout, translated); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
