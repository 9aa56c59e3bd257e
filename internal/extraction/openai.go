package extraction

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// go-openai omits a zero temperature from the request body.
const openAITemperature = math.SmallestNonzeroFloat32

// OpenAIBackend sends images through the vision input and PDFs as their
// extracted text layer.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

func NewOpenAIBackend(apiKey, model, baseURL string) (*OpenAIBackend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai backend: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

func (b *OpenAIBackend) ExtractFromPDF(ctx context.Context, data []byte, filename string) (Result, error) {
	text, err := pdfText(data)
	if err != nil {
		return Result{}, newBackendError(b.Name(), KindUnsupported, err)
	}
	if text == "" {
		return Result{}, newBackendError(b.Name(), KindUnsupported, errors.New("pdf has no text layer"))
	}
	message := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: textPrompt(filename, text),
	}
	return b.complete(ctx, message, MethodText)
}

func (b *OpenAIBackend) ExtractFromImage(ctx context.Context, data []byte, mimeType, filename string) (Result, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	message := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: userPrompt(filename)},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailHigh,
				},
			},
		},
	}
	return b.complete(ctx, message, MethodVision)
}

func (b *OpenAIBackend) complete(ctx context.Context, message openai.ChatCompletionMessage, method string) (Result, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			message,
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: openAITemperature,
		MaxTokens:   1500,
	})
	if err != nil {
		return Result{}, classifyError(b.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, newBackendError(b.Name(), KindInvalidResponse, errors.New("no choices in openai response"))
	}
	return parseModelOutput(b.Name(), b.model, method, resp.Choices[0].Message.Content)
}
