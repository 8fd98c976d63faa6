// Package llm provides a provider-neutral text generation client.
// Gemini is the only provider wired today; callers pick a model tier, not a model name.
package llm

// ModelTier represents the capability level of a model
type ModelTier string

const (
	// TierLite is for short rewrites and classification
	TierLite ModelTier = "lite"
	// TierStandard is the default for post generation
	TierStandard ModelTier = "standard"
	// TierAdvanced is for long-form or multi-step prompts
	TierAdvanced ModelTier = "advanced"
)

// Provider names an LLM backend
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// Config holds the model names per tier
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
	// Temperature used when a Request leaves it at zero
	Temperature float32
}

// DefaultConfig returns the default Gemini configuration
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Temperature: 0.7,
	}
}

// GetModel returns the model name for a tier, falling back to standard then lite.
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a copy of the config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	next := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string, len(c.Models)+1),
		Temperature: c.Temperature,
	}
	for k, v := range c.Models {
		next.Models[k] = v
	}
	next.Models[tier] = model
	return next
}
