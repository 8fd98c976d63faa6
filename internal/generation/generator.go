// Package generation rewrites source posts into publishable text. It talks to an LLM
// when a credential is configured and falls back to fixed templates otherwise.
package generation

import (
	"context"
	"log/slog"

	"github.com/jonathan/threads-autopost/internal/config"
	"github.com/jonathan/threads-autopost/internal/llm"
	"github.com/jonathan/threads-autopost/internal/types"
)

// Result is the outcome of one generation.
type Result struct {
	ImprovedText string   `json:"improvedText"`
	Confidence   float64  `json:"confidence"`
	IsFallback   bool     `json:"isFallback"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// Generator produces improved text for a source post, using the references as context.
type Generator interface {
	Generate(ctx context.Context, sourceText string, references []types.CandidateRecord) (Result, error)
}

// FromConfig picks the LLM generator when a generation credential is configured and the
// template generator otherwise. The returned close function is never nil.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Generator, func() error, error) {
	logger = resolveLogger(logger)

	if !cfg.GenerationConfigured() {
		logger.Info("generation credential not configured, using templates",
			"event", "generator_selected", "component", "generation", "mode", "fallback")
		return NewTemplateGenerator(), func() error { return nil }, nil
	}

	client, err := llm.NewClient(ctx, llmConfig(cfg), cfg.GeminiAPIKey)
	if err != nil {
		return nil, nil, &APICallError{Message: "failed to create LLM client", Cause: err}
	}

	gen := NewLLMGenerator(client, LLMOptions{
		Timeout:           cfg.AdapterTimeout.Duration,
		RequestsPerMinute: cfg.GenerationRPM,
		Logger:            logger,
	})
	logger.Info("generation credential configured",
		"event", "generator_selected", "component", "generation", "mode", "llm")
	return gen, client.Close, nil
}

// llmConfig applies the configured model, if any, to the standard tier used for rewrites.
func llmConfig(cfg *config.Config) *llm.Config {
	base := llm.DefaultConfig()
	if cfg.GeminiModel == "" {
		return base
	}
	return base.WithModel(llm.TierStandard, cfg.GeminiModel)
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
