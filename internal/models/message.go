package models

import "time"

// MessageType distinguishes the two halves of an exchange.
type MessageType string

const (
	MessageQuery    MessageType = "query"
	MessageResponse MessageType = "response"
)

// Message is one stored query or mirrored response within a session.
type Message struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	SessionID   int64       `json:"session_id"`
	Content     string      `json:"content"`
	Role        string      `json:"role"`
	MessageType MessageType `json:"message_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Response is the assistant reply attached to a query message.
type Response struct {
	ID          int64     `json:"id"`
	MessageID   int64     `json:"message_id"`
	Content     string    `json:"content"`
	Disclaimers []string  `json:"disclaimers"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryItem pairs a query with its response, if one was recorded.
type HistoryItem struct {
	ID          int64     `json:"id"`
	Query       string    `json:"query"`
	Response    *string   `json:"response"`
	Disclaimers []string  `json:"disclaimers,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}
