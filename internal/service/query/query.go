package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/llm"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/models"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/prompt"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/service/assistant"
)

const (
	FallbackContent     = "An error occurred while processing your request."
	unknownAPIError     = "Unknown LLM API error"
	defaultHistoryLimit = 10
	guestUserID         = 0
)

var (
	StandardDisclaimers = []string{
		"This response is generated by an AI system and may not be fully accurate. Verify important information against the official IFS documentation.",
		"Community content references are provided for guidance only and may not match your IFS version or configuration.",
		"For critical business decisions, consult your IFS administrator or a certified IFS consultant.",
	}
	PublicDisclaimer  = "You are using the public version of the assistant. Sign in to keep your conversation history."
	FailureDisclaimer = "Failed to get a valid response from the assistant."
)

// Gateway is one single-use connection to the model provider.
type Gateway interface {
	Call(ctx context.Context, prompt string) (*llm.CanonicalResponse, error)
	Close()
}

// GatewayFactory builds a fresh gateway for every request.
type GatewayFactory func() Gateway

// Store is the persistence the authenticated flow needs.
type Store interface {
	RecentHistory(ctx context.Context, userID, sessionID int64, limit int) ([]models.HistoryItem, error)
	SaveExchange(ctx context.Context, ex assistant.Exchange) (int64, error)
}

// Runner schedules model calls; the worker dispatcher satisfies it.
type Runner interface {
	Do(ctx context.Context, userID int64, fn func(context.Context) error) error
}

// userCanceller is implemented by runners that can drop a user's queued calls.
type userCanceller interface {
	CancelUser(userID int64)
}

// Request is an authenticated query. SessionID zero starts a new session.
type Request struct {
	UserID    int64
	SessionID int64
	Query     string
	Role      prompt.Role
}

// PublicRequest is a guest query carrying its own history.
type PublicRequest struct {
	Query   string
	Role    prompt.Role
	History prompt.SimpleHistory
}

// Answer is what callers get back for either flow.
type Answer struct {
	Content     string
	SessionID   int64
	Disclaimers []string
	Successful  bool
}

type Service struct {
	composer     *prompt.Composer
	store        Store
	newGateway   GatewayFactory
	runner       Runner
	historyLimit int
}

// NewService wires the query flow. runner may be nil to call the model inline.
func NewService(composer *prompt.Composer, store Store, newGateway GatewayFactory, runner Runner, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Service{
		composer:     composer,
		store:        store,
		newGateway:   newGateway,
		runner:       runner,
		historyLimit: historyLimit,
	}
}

// NewGatewayFactory returns a factory building llm gateways from a fixed config.
func NewGatewayFactory(cfg llm.Config, opts llm.Options) GatewayFactory {
	return func() Gateway {
		return llm.New(cfg, opts)
	}
}

// Ask answers an authenticated query and persists the exchange, including fallback
// answers produced when the model call fails.
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	var history prompt.History
	if req.SessionID != 0 {
		items, err := s.store.RecentHistory(ctx, req.UserID, req.SessionID, s.historyLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		history = toPersisted(items)
	}

	text, err := s.composer.Compose(req.Query, req.Role, history)
	if err != nil {
		return nil, err
	}

	answer, err := s.complete(ctx, req.UserID, text, StandardDisclaimers)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.store.SaveExchange(ctx, assistant.Exchange{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Role:        req.Role.String(),
		Query:       req.Query,
		Response:    answer.Content,
		Disclaimers: answer.Disclaimers,
	})
	if err != nil {
		return nil, fmt.Errorf("save exchange: %w", err)
	}
	answer.SessionID = sessionID
	slog.Info("query answered",
		"user_id", req.UserID,
		"session_id", sessionID,
		"role", req.Role.String(),
		"successful", answer.Successful,
	)
	return answer, nil
}

// AskPublic answers a guest query. Nothing is persisted.
func (s *Service) AskPublic(ctx context.Context, req PublicRequest) (*Answer, error) {
	role := req.Role
	if role == "" {
		role = prompt.RoleFunctional
	}
	if err := prompt.ValidateSimpleHistory(req.History); err != nil {
		return nil, err
	}
	var history prompt.History
	if len(req.History) > 0 {
		history = req.History
	}
	text, err := s.composer.Compose(req.Query, role, history)
	if err != nil {
		return nil, err
	}
	disclaimers := append(append([]string{}, StandardDisclaimers...), PublicDisclaimer)
	return s.complete(ctx, guestUserID, text, disclaimers)
}

// CancelUser drops model calls still queued for userID. Calls already running finish.
func (s *Service) CancelUser(userID int64) {
	if c, ok := s.runner.(userCanceller); ok {
		c.CancelUser(userID)
	}
}

// complete calls the model and never fails for model-side errors; those become fallback
// answers. Only scheduling errors are returned.
func (s *Service) complete(ctx context.Context, userID int64, text string, disclaimers []string) (*Answer, error) {
	var (
		resp    *llm.CanonicalResponse
		callErr error
	)
	call := func(ctx context.Context) error {
		gw := s.newGateway()
		defer gw.Close()
		resp, callErr = gw.Call(ctx, text)
		return nil
	}

	if s.runner != nil {
		if err := s.runner.Do(ctx, userID, call); err != nil {
			return nil, fmt.Errorf("schedule llm call: %w", err)
		}
	} else {
		_ = call(ctx)
	}

	if callErr != nil {
		slog.Error("llm call failed", "user_id", userID, "error", callErr)
	}
	content, ok := ExtractContent(resp, callErr)
	if !ok {
		return &Answer{Content: content, Disclaimers: []string{FailureDisclaimer}}, nil
	}
	return &Answer{Content: content, Disclaimers: append([]string{}, disclaimers...), Successful: true}, nil
}

// ExtractContent reads choices[0].message.content. It never fails: a missing answer is
// turned into a readable fallback and ok is false.
func ExtractContent(resp *llm.CanonicalResponse, callErr error) (content string, ok bool) {
	if callErr != nil {
		var ce *llm.CallError
		if errors.As(callErr, &ce) && ce.Kind == llm.KindUnexpectedFormat {
			detail := ce.Detail
			if detail == "" {
				detail = unknownAPIError
			}
			return "Error from LLM API: " + detail, false
		}
		return FallbackContent, false
	}
	if content, ok := resp.Content(); ok {
		return content, true
	}
	return "Error from LLM API: " + unknownAPIError, false
}

func toPersisted(items []models.HistoryItem) prompt.PersistedHistory {
	if len(items) == 0 {
		return nil
	}
	turns := make(prompt.PersistedHistory, 0, len(items))
	for _, item := range items {
		turns = append(turns, prompt.PersistedTurn{Query: item.Query, Response: item.Response})
	}
	return turns
}
