package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseModelOutput(t *testing.T) {
	raw := "```json\n{\"vendor\":\"EDP Comercial\",\"total_amount\":123.45,\"confidence\":0.92,\"issues\":[\"stamp over date\"],\"due_date\":null}\n```"
	result, err := parseModelOutput("gemini", "gemini-1.5-pro", MethodVision, raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", result.Confidence)
	}
	if _, ok := result.Fields["confidence"]; ok {
		t.Fatalf("expected confidence to be lifted out of fields")
	}
	if len(result.Issues) != 1 || result.Issues[0] != "stamp over date" {
		t.Fatalf("unexpected issues: %v", result.Issues)
	}
	prov, ok := result.Provenance["vendor"]
	if !ok || prov.Model != "gemini-1.5-pro" || prov.Method != MethodVision {
		t.Fatalf("unexpected provenance: %+v", result.Provenance)
	}
	if _, ok := result.Provenance["due_date"]; ok {
		t.Fatalf("expected null fields to carry no provenance")
	}
}

func TestParseModelOutputSchemaViolationsBecomeIssues(t *testing.T) {
	result, err := parseModelOutput("openai", "gpt-4o-mini", MethodText, `{"vendor":"Galp","confidence":"high","line_items":"none"}`)
	if err != nil {
		t.Fatalf("expected schema violations not to fail parsing, got %v", err)
	}
	if len(result.Issues) == 0 {
		t.Fatalf("expected schema issues to be reported")
	}
	for _, issue := range result.Issues {
		if !strings.HasPrefix(issue, "schema") {
			t.Fatalf("unexpected issue %q", issue)
		}
	}
	if result.Confidence != defaultConfidence {
		t.Fatalf("expected default confidence for non-numeric value, got %v", result.Confidence)
	}
}

func TestParseModelOutputRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"", "[1,2]", "not json", "null"} {
		_, err := parseModelOutput("gemini", "m", MethodVision, raw)
		var backendErr *BackendError
		if !errors.As(err, &backendErr) || backendErr.Kind != KindInvalidResponse {
			t.Fatalf("expected invalid_response for %q, got %v", raw, err)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{err: status.Error(codes.ResourceExhausted, "quota"), want: KindQuota},
		{err: status.Error(codes.PermissionDenied, "denied"), want: KindAuth},
		{err: status.Error(codes.Unavailable, "down"), want: KindNetwork},
		{err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: KindTimeout},
		{err: errors.New("strange"), want: KindUnknown},
	}
	for _, tc := range cases {
		err := classifyError("gemini", tc.err)
		var backendErr *BackendError
		if !errors.As(err, &backendErr) || backendErr.Kind != tc.want {
			t.Fatalf("classify %v: got %v want %s", tc.err, err, tc.want)
		}
	}
}

type fakeGenerator struct {
	resp  *genai.GenerateContentResponse
	err   error
	parts []genai.Part
}

func (g *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	g.parts = parts
	return g.resp, g.err
}

func TestGeminiBackendSendsInlineBlob(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"vendor":"Continente","total_amount":"12,40"}`)}},
		}},
	}}
	backend := &GeminiBackend{model: gen, modelName: "gemini-test"}
	result, err := backend.ExtractFromImage(context.Background(), []byte("png-bytes"), "image/png", "talao.png")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if result.Fields["vendor"] != "Continente" {
		t.Fatalf("unexpected fields: %+v", result.Fields)
	}
	blob, ok := gen.parts[0].(genai.Blob)
	if !ok || blob.MIMEType != "image/png" || string(blob.Data) != "png-bytes" {
		t.Fatalf("expected inline image blob first, got %#v", gen.parts[0])
	}
}

func TestGeminiBackendClassifiesQuota(t *testing.T) {
	backend := &GeminiBackend{model: &fakeGenerator{err: status.Error(codes.ResourceExhausted, "quota")}, modelName: "gemini-test"}
	_, err := backend.ExtractFromPDF(context.Background(), []byte("%PDF"), "a.pdf")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Kind != KindQuota || backendErr.Backend != "gemini" {
		t.Fatalf("expected gemini quota error, got %v", err)
	}
}

func TestGeminiBackendEmptyCandidates(t *testing.T) {
	backend := &GeminiBackend{model: &fakeGenerator{resp: &genai.GenerateContentResponse{}}, modelName: "gemini-test"}
	_, err := backend.ExtractFromPDF(context.Background(), []byte("%PDF"), "a.pdf")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Kind != KindInvalidResponse {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestOpenAIBackendImageRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		format, _ := req["response_format"].(map[string]any)
		if format["type"] != "json_object" {
			t.Errorf("expected json_object response format, got %v", req["response_format"])
		}
		if !strings.Contains(string(body), "data:image/jpeg;base64,") {
			t.Errorf("expected data url image part in request")
		}
		if temperature, ok := req["temperature"].(float64); !ok || temperature <= 0 || temperature > 0.01 {
			t.Errorf("expected a near-zero temperature to be sent, got %v", req["temperature"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"vendor\":\"Galp\",\"total_amount\":61.5,\"confidence\":0.8}"}}]}`))
	}))
	defer server.Close()

	backend, err := NewOpenAIBackend("sk-test", "gpt-test", server.URL+"/v1")
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	result, err := backend.ExtractFromImage(context.Background(), []byte{0xff, 0xd8}, "image/jpeg", "galp.jpg")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if result.Fields["vendor"] != "Galp" || result.Confidence != 0.8 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Provenance["vendor"].Method != MethodVision || result.Provenance["vendor"].Model != "gpt-test" {
		t.Fatalf("unexpected provenance: %+v", result.Provenance)
	}
}

func TestOpenAIBackendRateLimitIsQuota(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	backend, err := NewOpenAIBackend("sk-test", "gpt-test", server.URL+"/v1")
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	_, err = backend.ExtractFromImage(context.Background(), []byte{1}, "image/png", "a.png")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Kind != KindQuota {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestOpenAIBackendRejectsUnreadablePDF(t *testing.T) {
	backend, err := NewOpenAIBackend("sk-test", "", "")
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	_, err = backend.ExtractFromPDF(context.Background(), []byte("definitely not a pdf"), "a.pdf")
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Kind != KindUnsupported {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestPDFInspectorRejectsGarbage(t *testing.T) {
	if _, err := (PDFInspector{}).PageCount([]byte("garbage")); err == nil {
		t.Fatalf("expected page count error for non-pdf input")
	}
}
