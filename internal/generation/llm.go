package generation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonathan/threads-autopost/internal/llm"
	"github.com/jonathan/threads-autopost/internal/prompts"
	"github.com/jonathan/threads-autopost/internal/schemas"
	"github.com/jonathan/threads-autopost/internal/types"
)

// maxReferences bounds how many reference posts are included in one prompt.
const maxReferences = 5

// LLMOptions tunes an LLMGenerator. Zero values fall back to defaults.
type LLMOptions struct {
	// Timeout bounds each call, including the wait for a rate limit token
	Timeout time.Duration
	// RequestsPerMinute caps call rate; zero disables limiting
	RequestsPerMinute int
	Tier              llm.ModelTier
	Logger            *slog.Logger
}

// LLMGenerator rewrites posts through an llm.Client.
type LLMGenerator struct {
	client  llm.Client
	limiter *rate.Limiter
	timeout time.Duration
	tier    llm.ModelTier
	logger  *slog.Logger

	system        string
	rewrite       string
	referenceLine string
}

// NewLLMGenerator creates a generator around client. It panics if the embedded
// generation prompts are missing.
func NewLLMGenerator(client llm.Client, opts LLMOptions) *LLMGenerator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Tier == "" {
		opts.Tier = llm.TierStandard
	}

	return &LLMGenerator{
		client:        client,
		limiter:       limiter,
		timeout:       opts.Timeout,
		tier:          opts.Tier,
		logger:        resolveLogger(opts.Logger),
		system:        prompts.MustGet(prompts.Generation, "system"),
		rewrite:       prompts.MustGet(prompts.Generation, "rewrite"),
		referenceLine: prompts.MustGet(prompts.Generation, "reference-line"),
	}
}

type llmResponse struct {
	ImprovedText string   `json:"improved_text"`
	Confidence   float64  `json:"confidence"`
	Suggestions  []string `json:"suggestions"`
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, sourceText string, references []types.CandidateRecord) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return Result{}, &APICallError{Message: "rate limit wait", Cause: err}
	}

	started := time.Now()
	raw, err := g.client.Generate(ctx, llm.Request{
		System: g.system,
		Prompt: g.buildPrompt(sourceText, references),
		Tier:   g.tier,
		JSON:   true,
	})
	if err != nil {
		return Result{}, &APICallError{Message: "failed to generate content", Cause: err}
	}

	result, err := parseResponse(raw)
	if err != nil {
		return Result{}, err
	}

	g.logger.Debug("generated post text",
		"event", "generation_completed", "component", "generation",
		"confidence", result.Confidence, "duration_ms", time.Since(started).Milliseconds())
	return result, nil
}

func (g *LLMGenerator) buildPrompt(sourceText string, references []types.CandidateRecord) string {
	lines := make([]string, 0, maxReferences)
	for _, ref := range references {
		if len(lines) == maxReferences {
			break
		}
		if ref.PostText == sourceText {
			continue
		}
		lines = append(lines, prompts.Format(g.referenceLine, map[string]string{
			"Likes": strconv.Itoa(ref.Likes),
			"Text":  ref.PostText,
		}))
	}
	if len(lines) == 0 {
		lines = append(lines, "-")
	}

	return prompts.Format(g.rewrite, map[string]string{
		"SourceText": sourceText,
		"References": strings.Join(lines, "\n"),
	})
}

func parseResponse(raw string) (Result, error) {
	cleaned := llm.CleanJSONBlock(raw)

	if err := schemas.Validate(schemas.GenerationResponse, cleaned); err != nil {
		return Result{}, &ParseError{Message: "response does not match schema", Raw: raw, Cause: err}
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return Result{}, &ParseError{Message: "invalid JSON", Raw: raw, Cause: err}
	}

	text := strings.TrimSpace(resp.ImprovedText)
	if text == "" {
		return Result{}, &ParseError{Message: "empty improved_text", Raw: raw}
	}

	return Result{
		ImprovedText: text,
		Confidence:   resp.Confidence,
		IsFallback:   false,
		Suggestions:  resp.Suggestions,
	}, nil
}
