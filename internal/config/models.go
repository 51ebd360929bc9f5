package config

// defaultModels maps a provider to the model used when llm.model is empty.
var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-haiku-4-5",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
	"openrouter":        "openrouter/auto",
}

// DefaultModel returns the fallback model for a provider.
func DefaultModel(provider string) string {
	if m, ok := defaultModels[provider]; ok {
		return m
	}
	return "gpt-4o-mini"
}

// KnownProviders lists the providers the completer can be built for.
func KnownProviders() []string {
	return []string{"google", "anthropic", "openai", "openai_compatible", "openrouter"}
}
