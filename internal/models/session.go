package models

import "time"

// Session groups a sequence of exchanges.
type Session struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionDetail is a session together with its ordered history.
type SessionDetail struct {
	Session
	Messages []HistoryItem `json:"messages"`
}
