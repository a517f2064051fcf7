package llm

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultOpenAIURL     = "https://api.openai.com/v1/chat/completions"

	defaultTemperature = 0.7
	maxDetailChars     = 2000
)

// Provider translates a prompt into one provider's wire request and its reply into a
// CanonicalResponse.
type Provider interface {
	Name() string
	BuildRequest(ctx context.Context, prompt string) (*http.Request, error)
	ParseResponse(statusCode int, body []byte) (*CanonicalResponse, error)
}

// Endpoints overrides provider URLs, mainly for tests and proxies.
type Endpoints struct {
	GeminiBaseURL string
	OpenAIURL     string
}

// SelectProvider picks the Gemini protocol when the model name contains "gemini",
// the OpenAI protocol otherwise.
func SelectProvider(cfg Config, endpoints Endpoints) Provider {
	if strings.Contains(cfg.ModelName, "gemini") {
		base := endpoints.GeminiBaseURL
		if base == "" {
			base = DefaultGeminiBaseURL
		}
		return &geminiProvider{baseURL: strings.TrimRight(base, "/"), model: cfg.ModelName, apiKey: cfg.APIKey}
	}
	url := endpoints.OpenAIURL
	if url == "" {
		url = DefaultOpenAIURL
	}
	return &openAIProvider{url: url, model: cfg.ModelName, apiKey: cfg.APIKey}
}

func truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}
