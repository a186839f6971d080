package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/storyloom/internal/engine"
	"github.com/kalambet/storyloom/internal/ollama"
)

// OllamaBackend serves every role from a local engine model.
type OllamaBackend struct {
	engine      engine.Engine
	model       string
	temperature float64
	logger      *slog.Logger
}

func NewOllamaBackend(e engine.Engine, model string, temperature float64) *OllamaBackend {
	return &OllamaBackend{engine: e, model: model, temperature: temperature, logger: slog.Default()}
}

func (b *OllamaBackend) Invoke(ctx context.Context, role Role, prompt string, gc Context) (Output, error) {
	raw, err := b.engine.Chat(ctx, engine.ChatRequest{
		Model: b.model,
		Messages: []engine.Message{
			{Role: "system", Content: SystemPrompt(role)},
			{Role: "user", Content: userMessage(prompt, gc)},
		},
		Schema:      SchemaFor(gc.Schema),
		Temperature: b.temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("generation canceled: %w", ctx.Err())
		}
		if ollama.IsTemporary(err) {
			return Output{}, transient(err)
		}
		return Output{}, fatal(err)
	}
	return parseLogged(b.logger, role, raw, gc.Schema != SchemaNone), nil
}
