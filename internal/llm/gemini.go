package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"
)

type geminiProvider struct {
	baseURL string
	model   string
	apiKey  string
}

type geminiRequest struct {
	Contents         []*genai.Content       `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) endpoint() string {
	model := p.model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	q := url.Values{}
	q.Set("key", p.apiKey)
	return fmt.Sprintf("%s/%s:generateContent?%s", p.baseURL, model, q.Encode())
}

func (p *geminiProvider) BuildRequest(ctx context.Context, prompt string) (*http.Request, error) {
	payload, err := json.Marshal(geminiRequest{
		Contents: []*genai.Content{
			{Parts: []*genai.Part{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     defaultTemperature,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 8192,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *geminiProvider) ParseResponse(statusCode int, body []byte) (*CanonicalResponse, error) {
	if statusCode != http.StatusOK {
		return nil, &CallError{
			Kind:       KindProtocol,
			Provider:   p.Name(),
			StatusCode: statusCode,
			Detail:     truncate(string(body), maxDetailChars),
		}
	}
	var parsed genai.GenerateContentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &CallError{
			Kind:       KindUnexpectedFormat,
			Provider:   p.Name(),
			StatusCode: statusCode,
			Detail:     "decode body: " + truncate(string(body), maxDetailChars),
			Err:        err,
		}
	}
	if len(parsed.Candidates) == 0 || parsed.Candidates[0] == nil || parsed.Candidates[0].Content == nil {
		return nil, &CallError{
			Kind:       KindUnexpectedFormat,
			Provider:   p.Name(),
			StatusCode: statusCode,
			Detail:     "response has no candidates",
		}
	}

	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part != nil {
			content.WriteString(part.Text)
		}
	}
	return newCanonical(content.String()), nil
}
