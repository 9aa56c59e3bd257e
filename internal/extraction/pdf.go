package extraction

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const maxPDFTextRunes = 60000

// PDFInspector reads structural facts about a PDF before extraction.
type PDFInspector struct{}

func (PDFInspector) PageCount(data []byte) (int, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	count, err := api.PageCount(bytes.NewReader(data), cfg)
	if err != nil {
		return 0, fmt.Errorf("read pdf page count: %w", err)
	}
	return count, nil
}

// pdfText returns the plain text layer of a PDF. Scanned documents without a
// text layer yield an empty string.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		b.WriteString(pageText)
		b.WriteString("\n")
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > maxPDFTextRunes {
		out = string(runes[:maxPDFTextRunes])
	}
	return out, nil
}
