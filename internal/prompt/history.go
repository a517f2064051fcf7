package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedHistory is returned for guest history entries with an unexpected speaker.
var ErrMalformedHistory = errors.New("malformed history")

const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"

	historyHeader    = "CONVERSATION HISTORY:\n"
	historySeparator = "\n---\n\n"
)

// History is a prior conversation transcript. Callers pick the variant explicitly:
// PersistedHistory for stored turns, SimpleHistory for guest supplied turns.
type History interface {
	Len() int
	render(b *strings.Builder)
}

// PersistedTurn is a stored query with its optional response.
type PersistedTurn struct {
	Query    string
	Response *string
}

// PersistedHistory must already be in ascending creation order.
type PersistedHistory []PersistedTurn

func (h PersistedHistory) Len() int { return len(h) }

func (h PersistedHistory) render(b *strings.Builder) {
	for _, turn := range h {
		b.WriteString("User: ")
		b.WriteString(turn.Query)
		b.WriteByte('\n')
		if turn.Response != nil {
			b.WriteString("Assistant: ")
			b.WriteString(*turn.Response)
			b.WriteByte('\n')
		}
	}
}

// SimpleTurn is one guest supplied message.
type SimpleTurn struct {
	Speaker string `json:"role"`
	Text    string `json:"content"`
}

// SimpleHistory is rendered in the order given.
type SimpleHistory []SimpleTurn

func (h SimpleHistory) Len() int { return len(h) }

func (h SimpleHistory) render(b *strings.Builder) {
	for _, turn := range h {
		if turn.Speaker == SpeakerUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(turn.Text)
		b.WriteByte('\n')
	}
}

// ValidateSimpleHistory rejects turns whose speaker is neither user nor assistant.
func ValidateSimpleHistory(h SimpleHistory) error {
	for i, turn := range h {
		if turn.Speaker != SpeakerUser && turn.Speaker != SpeakerAssistant {
			return fmt.Errorf("%w: entry %d has speaker %q", ErrMalformedHistory, i, turn.Speaker)
		}
	}
	return nil
}

// FormatHistory renders h as a transcript block. Nil or empty history yields "".
func FormatHistory(h History) string {
	if h == nil || h.Len() == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(historyHeader)
	h.render(&b)
	b.WriteString(historySeparator)
	return b.String()
}
