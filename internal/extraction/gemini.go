package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const DefaultGeminiModel = "gemini-1.5-pro"

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiBackend sends documents to a Vertex AI Gemini model as inline blobs.
type GeminiBackend struct {
	model     contentGenerator
	modelName string
	client    *genai.Client
}

func NewGeminiBackend(ctx context.Context, projectID, location, modelName string) (*GeminiBackend, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("gemini backend: project id and location are required")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return &GeminiBackend{model: model, modelName: modelName, client: client}, nil
}

func (b *GeminiBackend) Name() string {
	return "gemini"
}

func (b *GeminiBackend) ExtractFromPDF(ctx context.Context, data []byte, filename string) (Result, error) {
	return b.extract(ctx, genai.Blob{MIMEType: "application/pdf", Data: data}, filename)
}

func (b *GeminiBackend) ExtractFromImage(ctx context.Context, data []byte, mimeType, filename string) (Result, error) {
	return b.extract(ctx, genai.Blob{MIMEType: mimeType, Data: data}, filename)
}

func (b *GeminiBackend) extract(ctx context.Context, blob genai.Blob, filename string) (Result, error) {
	resp, err := b.model.GenerateContent(ctx, blob, genai.Text(userPrompt(filename)))
	if err != nil {
		return Result{}, classifyError(b.Name(), err)
	}
	text := responseText(resp)
	if text == "" {
		return Result{}, newBackendError(b.Name(), KindInvalidResponse, errors.New("gemini returned no text candidates"))
	}
	return parseModelOutput(b.Name(), b.modelName, MethodVision, text)
}

func (b *GeminiBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}
