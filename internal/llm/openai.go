package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type openAIProvider struct {
	url    string
	model  string
	apiKey string
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []Choice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) BuildRequest(ctx context.Context, prompt string) (*http.Request, error) {
	payload, err := json.Marshal(openAIRequest{
		Model:       p.model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return req, nil
}

func (p *openAIProvider) ParseResponse(statusCode int, body []byte) (*CanonicalResponse, error) {
	if statusCode != http.StatusOK {
		return nil, &CallError{
			Kind:       KindProtocol,
			Provider:   p.Name(),
			StatusCode: statusCode,
			Detail:     truncate(string(body), maxDetailChars),
		}
	}
	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &CallError{
			Kind:       KindUnexpectedFormat,
			Provider:   p.Name(),
			StatusCode: statusCode,
			Detail:     "decode body: " + truncate(string(body), maxDetailChars),
			Err:        err,
		}
	}
	if len(parsed.Choices) == 0 {
		detail := "response has no choices"
		if parsed.Error != nil && parsed.Error.Message != "" {
			detail = parsed.Error.Message
		}
		return nil, &CallError{
			Kind:       KindUnexpectedFormat,
			Provider:   p.Name(),
			StatusCode: statusCode,
			Detail:     detail,
		}
	}
	return &CanonicalResponse{Choices: parsed.Choices}, nil
}
