package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/models"
)

// ErrSessionNotFound is returned when a session does not exist for the user.
var ErrSessionNotFound = fmt.Errorf("session not found: %w", sql.ErrNoRows)

const titleWords = 5

// Exchange is one query and the reply produced for it.
type Exchange struct {
	UserID int64
	// SessionID of zero starts a new session titled after the query.
	SessionID   int64
	Role        string
	Query       string
	Response    string
	Disclaimers []string
}

// SessionTitle derives a session title from the first words of a query.
func SessionTitle(query string) string {
	words := strings.Fields(query)
	if len(words) <= titleWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWords], " ") + "..."
}

// CreateSession inserts a new session for the given user and returns the record.
func (s *Service) CreateSession(ctx context.Context, userID int64, title string) (*models.Session, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Chat"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListSessions returns all sessions for a user ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetSession returns one session and its full history in chronological order.
func (s *Service) GetSession(ctx context.Context, userID, sessionID int64) (*models.SessionDetail, error) {
	var detail models.SessionDetail
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID,
		userID,
	).Scan(&detail.ID, &detail.UserID, &detail.Title, &detail.CreatedAt, &detail.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	items, err := s.history(ctx, userID, sessionID, 0)
	if err != nil {
		return nil, err
	}
	detail.Messages = items
	return &detail, nil
}

// RecentHistory returns the latest limit queries of a session with their responses,
// oldest first. A session the user does not own yields ErrSessionNotFound.
func (s *Service) RecentHistory(ctx context.Context, userID, sessionID int64, limit int) ([]models.HistoryItem, error) {
	var owned bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND user_id = ?)`, sessionID, userID,
	).Scan(&owned); err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if !owned {
		return nil, ErrSessionNotFound
	}
	if limit <= 0 {
		return []models.HistoryItem{}, nil
	}
	return s.history(ctx, userID, sessionID, limit)
}

// history loads query messages joined with their responses. limit <= 0 means all.
func (s *Service) history(ctx context.Context, userID, sessionID int64, limit int) ([]models.HistoryItem, error) {
	query := `SELECT m.id, m.content, m.role, m.created_at, r.content, r.disclaimers
		FROM messages m
		LEFT JOIN responses r ON r.message_id = m.id
		WHERE m.session_id = ? AND m.user_id = ? AND m.message_type = ?
		ORDER BY m.created_at DESC, m.id DESC`
	args := []any{sessionID, userID, string(models.MessageQuery)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]models.HistoryItem, 0)
	for rows.Next() {
		var (
			item        models.HistoryItem
			response    sql.NullString
			disclaimers sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Query, &item.Role, &item.CreatedAt, &response, &disclaimers); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if response.Valid {
			text := response.String
			item.Response = &text
		}
		if disclaimers.Valid && disclaimers.String != "" {
			if err := json.Unmarshal([]byte(disclaimers.String), &item.Disclaimers); err != nil {
				return nil, fmt.Errorf("decode disclaimers: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// SaveExchange persists a query and its response atomically and returns the session id.
func (s *Service) SaveExchange(ctx context.Context, ex Exchange) (sessionID int64, err error) {
	if ex.UserID <= 0 {
		return 0, errors.New("user_id is required")
	}
	disclaimers := ex.Disclaimers
	if disclaimers == nil {
		disclaimers = []string{}
	}
	encoded, err := json.Marshal(disclaimers)
	if err != nil {
		return 0, fmt.Errorf("encode disclaimers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	sessionID = ex.SessionID
	if sessionID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			ex.UserID, SessionTitle(ex.Query), now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("create session: %w", err)
		}
		if sessionID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("session id: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ? AND user_id = ?`, now, sessionID, ex.UserID,
		)
		if err != nil {
			return 0, fmt.Errorf("touch session: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return 0, fmt.Errorf("session rows affected: %w", err)
		} else if affected == 0 {
			return 0, ErrSessionNotFound
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, session_id, content, role, message_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ex.UserID, sessionID, ex.Query, ex.Role, string(models.MessageQuery), now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert query message: %w", err)
	}
	queryID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("query message id: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO responses (message_id, content, disclaimers, created_at) VALUES (?, ?, ?, ?)`,
		queryID, ex.Response, string(encoded), now,
	); err != nil {
		return 0, fmt.Errorf("insert response: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, session_id, content, role, message_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ex.UserID, sessionID, ex.Response, ex.Role, string(models.MessageResponse), now,
	); err != nil {
		return 0, fmt.Errorf("insert response message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit exchange: %w", err)
	}
	return sessionID, nil
}

// DeleteSession removes a session; messages and responses cascade.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateSessionTitle sets a session title for the specified user.
func (s *Service) UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) (*models.Session, error) {
	if sessionID <= 0 {
		return nil, errors.New("invalid session id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, now, sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrSessionNotFound
	}

	var session models.Session
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	return &session, nil
}
