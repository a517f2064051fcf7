package llm

// Config selects the model and credentials for one call.
type Config struct {
	ModelName      string
	APIKey         string
	TimeoutSeconds int
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
}

// CanonicalResponse is the shape both provider protocols are translated into.
type CanonicalResponse struct {
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Message ChoiceMessage `json:"message"`
}

type ChoiceMessage struct {
	Content string `json:"content"`
}

// Content returns choices[0].message.content.
func (r *CanonicalResponse) Content() (string, bool) {
	if r == nil || len(r.Choices) == 0 {
		return "", false
	}
	return r.Choices[0].Message.Content, true
}

func newCanonical(content string) *CanonicalResponse {
	return &CanonicalResponse{Choices: []Choice{{Message: ChoiceMessage{Content: content}}}}
}
