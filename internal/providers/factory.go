package providers

import (
	"fmt"
	"os"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// NewServiceFromEnv builds a task.CompletionService from environment
// variables. LLM_PROVIDER selects the backend; each backend reads its own
// key/model/base-URL variables. Returns the service and the resolved model
// name.
func NewServiceFromEnv(opts ServiceOptions) (task.CompletionService, string, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = "anthropic"
	}

	switch provider {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		model := envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
		return NewAnthropicService(apiKey, model, opts), model, nil

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY not set")
		}
		model := envOr("OPENAI_MODEL", "gpt-4o-mini")
		return NewOpenAIService(apiKey, model, os.Getenv("OPENAI_BASE_URL"), opts), model, nil

	case "deepseek":
		apiKey := os.Getenv("DEEPSEEK_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("DEEPSEEK_API_KEY not set")
		}
		model := envOr("DEEPSEEK_MODEL", "deepseek-chat")
		baseURL := envOr("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
		return NewOpenAIService(apiKey, model, baseURL, opts), model, nil

	case "groq":
		apiKey := os.Getenv("GROQ_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("GROQ_API_KEY not set")
		}
		model := envOr("GROQ_MODEL", "llama-3.1-70b-versatile")
		baseURL := envOr("GROQ_BASE_URL", "https://api.groq.com/openai/v1")
		return NewOpenAIService(apiKey, model, baseURL, opts), model, nil

	case "ollama":
		// Local server; the key is a placeholder.
		model := envOr("OLLAMA_MODEL", "llama3.1")
		baseURL := envOr("OLLAMA_BASE_URL", "http://localhost:11434/v1")
		return NewOpenAIService(envOr("OLLAMA_API_KEY", "ollama"), model, baseURL, opts), model, nil

	case "lmstudio":
		model := envOr("LMSTUDIO_MODEL", "local-model")
		baseURL := envOr("LMSTUDIO_BASE_URL", "http://localhost:1234/v1")
		return NewOpenAIService(envOr("LMSTUDIO_API_KEY", "lm-studio"), model, baseURL, opts), model, nil

	default:
		return nil, "", fmt.Errorf("unknown LLM_PROVIDER: %s (supported: anthropic, openai, deepseek, groq, ollama, lmstudio)", provider)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
