package extraction

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed invoice_schema.json
var invoiceSchemaJSON []byte

var (
	invoiceSchemaOnce sync.Once
	invoiceSchema     *jsonschema.Schema
	invoiceSchemaErr  error
)

func compiledInvoiceSchema() (*jsonschema.Schema, error) {
	invoiceSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(invoiceSchemaJSON))
		if err != nil {
			invoiceSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("invoice_schema.json", doc); err != nil {
			invoiceSchemaErr = err
			return
		}
		invoiceSchema, invoiceSchemaErr = compiler.Compile("invoice_schema.json")
	})
	return invoiceSchema, invoiceSchemaErr
}

// parseModelOutput decodes a model reply into a Result. Schema violations
// are reported as issues; a reply that is not a JSON object is an error.
func parseModelOutput(backend, model, method, raw string) (Result, error) {
	cleaned := stripCodeFence(raw)
	if cleaned == "" {
		return Result{}, newBackendError(backend, KindInvalidResponse, errors.New("empty model response"))
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("response is not a JSON object")
		}
		return Result{}, newBackendError(backend, KindInvalidResponse, fmt.Errorf("decode model response: %w", err))
	}

	result := Result{
		Fields:     fields,
		Confidence: defaultConfidence,
		UsedModel:  backend,
	}
	if schema, err := compiledInvoiceSchema(); err == nil {
		instance, err := jsonschema.UnmarshalJSON(strings.NewReader(cleaned))
		if err == nil {
			if verr := schema.Validate(instance); verr != nil {
				result.Issues = append(result.Issues, validationIssues(verr)...)
			}
		}
	} else {
		result.Issues = append(result.Issues, "schema unavailable: "+err.Error())
	}

	if raw, ok := fields["confidence"]; ok {
		if value, ok := raw.(float64); ok {
			result.Confidence = clamp01(value)
		}
		delete(fields, "confidence")
	}
	if raw, ok := fields["issues"]; ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if text, ok := item.(string); ok && strings.TrimSpace(text) != "" {
					result.Issues = append(result.Issues, strings.TrimSpace(text))
				}
			}
		}
		delete(fields, "issues")
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result.Provenance = make(map[string]FieldProvenance, len(keys))
	for _, key := range keys {
		if fields[key] == nil {
			continue
		}
		result.Provenance[key] = FieldProvenance{Model: model, Method: method, Confidence: result.Confidence}
	}
	return result, nil
}

func validationIssues(err error) []string {
	var issues []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		issues = append(issues, "schema: "+strings.TrimPrefix(line, "- "))
	}
	if len(issues) == 0 {
		issues = append(issues, "schema: "+err.Error())
	}
	return issues
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
