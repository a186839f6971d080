package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend
// (OpenAI, OpenRouter, DashScope and similar).
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// OpenAIBackend serves every role from one chat model. Structured calls use
// the JSON-schema response format in strict mode.
type OpenAIBackend struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	temperature float64
	logger      *slog.Logger
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled by Retrying so backoff is visible to the job.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIBackend{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		logger:      slog.Default(),
	}
}

func (b *OpenAIBackend) Invoke(ctx context.Context, role Role, prompt string, gc Context) (Output, error) {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(role)),
			openai.UserMessage(userMessage(prompt, gc)),
		},
		Model: openai.ChatModel(b.model),
	}
	if b.temperature > 0 {
		params.Temperature = openai.Float(b.temperature)
	}
	if schema := SchemaFor(gc.Schema); schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        string(gc.Schema),
					Description: openai.String(schemaDescription(gc.Schema)),
					Schema:      schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	completion, err := b.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return Output{}, classifyOpenAIError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return Output{}, transient(errors.New("no choices in completion"))
	}

	return parseLogged(b.logger, role, completion.Choices[0].Message.Content, gc.Schema != SchemaNone), nil
}

// classifyOpenAIError maps API and transport failures onto the error
// taxonomy. ctx is the caller's context, so a per-call timeout counts as
// transient while caller cancellation does not.
func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("generation canceled: %w", ctx.Err())
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return transient(err)
		default:
			return fatal(err)
		}
	}
	return transient(err)
}
