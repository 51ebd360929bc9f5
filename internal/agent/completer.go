package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Completer turns a prompt into a single text reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var ErrNoAPIKey = errors.New("no API key configured for provider")

type CompleterConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
}

// GenkitCompleter sends prompts through a Genkit instance initialised with
// the plugin for the configured provider.
type GenkitCompleter struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	system    string
	temp      float64
}

// NewGenkitCompleter initialises Genkit for one provider. Unlike an
// interactive assistant there is no useful fallback without a key, so a
// missing key is an error.
func NewGenkitCompleter(ctx context.Context, cfg CompleterConfig) (*GenkitCompleter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAPIKey, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, errors.New("openai_compatible provider requires llm.base_url")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai_compatible",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}

	name := ModelName(provider, cfg.Model)
	slog.Info("completer initialized", "provider", provider, "model", name)
	return &GenkitCompleter{
		g:         g,
		provider:  provider,
		modelName: name,
		system:    systemPrompt,
		temp:      cfg.Temperature,
	}, nil
}

// ModelName qualifies a model id with the Genkit plugin namespace.
func ModelName(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return "openai_compatible/" + model
	case "openrouter":
		return "openrouter/" + model
	default:
		return "googleai/" + model
	}
}

func (c *GenkitCompleter) Model() string {
	return c.modelName
}

func (c *GenkitCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		// genkit runs system and prompt text through Sprintf
		ai.WithSystem(strings.ReplaceAll(c.system, "%", "%%")),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
	}
	if c.temp > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{Temperature: c.temp}))
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate (%s): %w", c.provider, err)
	}
	return resp.Text(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
