package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dataSourceName and prepares the
// schema. The connection pool is pinned to a single connection so the
// foreign_keys pragma applies to every statement; SQLite allows only one
// writer anyway.
func NewStore(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Cascade deletion is a storage-layer invariant: deleting a session removes
// its messages, and deleting a message removes its feedback. The schema
// enforces it via ON DELETE CASCADE, which is why foreign_keys must stay on.
func (s *Store) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        email TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        full_name TEXT NOT NULL DEFAULT '',
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        last_login_at DATETIME,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chat_sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL DEFAULT 'New Chat',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        session_id TEXT NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'assistant')),
        content TEXT NOT NULL,
        tokens INTEGER NOT NULL DEFAULT 0,
        tokens_per_second REAL NOT NULL DEFAULT 0,
        response_time_ms REAL NOT NULL DEFAULT 0,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES chat_sessions (id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS feedback (
        id TEXT PRIMARY KEY, -- UUID
        message_id TEXT UNIQUE NOT NULL,
        feedback_type TEXT NOT NULL CHECK (feedback_type IN ('upvote', 'downvote')),
        created_at DATETIME NOT NULL,
        FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *Store) CreateUser(email, passwordHash, fullName string) (*User, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		"INSERT INTO users (email, password_hash, full_name, is_active, created_at, updated_at) VALUES (?, ?, ?, TRUE, ?, ?)",
		email, passwordHash, fullName, now, now,
	)
	if err != nil {
		return nil, translateConstraint(err)
	}
	id, _ := res.LastInsertId()
	return s.GetUserByID(id)
}

func (s *Store) GetUserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, email, password_hash, full_name, is_active, last_login_at, created_at, updated_at FROM users WHERE id = ?", id))
}

func (s *Store) GetUserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, email, password_hash, full_name, is_active, last_login_at, created_at, updated_at FROM users WHERE email = ?", email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.FullName, &user.IsActive, &lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}

// SetUserActive toggles whether the account may authenticate. Inactive
// accounts are rejected with 403 at the gate.
func (s *Store) SetUserActive(userID int64, active bool) error {
	res, err := s.db.Exec("UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?", active, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchLastLogin(userID int64) error {
	_, err := s.db.Exec("UPDATE users SET last_login_at = ? WHERE id = ?", time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// Session methods

func (s *Store) CreateSession(userID int64, title string) (*Session, error) {
	if title == "" {
		title = "New Chat"
	}
	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		"INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		session.ID, session.UserID, session.Title, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, translateConstraint(err)
	}
	return session, nil
}

// GetSession returns the session only if it is owned by userID; absent and
// not-owned are indistinguishable to the caller.
func (s *Store) GetSession(sessionID string, userID int64) (*Session, error) {
	var session Session
	err := s.db.QueryRow(
		"SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE id = ? AND user_id = ?",
		sessionID, userID,
	).Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// GetSessionsByUserID lists sessions most recently active first.
func (s *Store) GetSessionsByUserID(userID int64, skip, limit int) ([]Session, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		userID, limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSessionTitle(sessionID string, userID int64, title string) (*Session, error) {
	res, err := s.db.Exec(
		"UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		title, time.Now().UTC(), sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session title: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(sessionID, userID)
}

// DeleteSession removes the session; messages and feedback go with it via
// the cascading foreign keys.
func (s *Store) DeleteSession(sessionID string, userID int64) error {
	res, err := s.db.Exec("DELETE FROM chat_sessions WHERE id = ? AND user_id = ?", sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Message methods

// CreateMessage appends a message and advances the session's updated_at in
// the same transaction, so listing order can never observe one without the
// other.
func (s *Store) CreateMessage(sessionID, sender, content string, tokens int, tokensPerSecond, responseTimeMS float64) (*Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	msg := &Message{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Sender:          sender,
		Content:         content,
		Tokens:          tokens,
		TokensPerSecond: tokensPerSecond,
		ResponseTimeMS:  responseTimeMS,
		CreatedAt:       now,
	}

	_, err = tx.Exec(
		"INSERT INTO messages (id, session_id, sender, content, tokens, tokens_per_second, response_time_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.Sender, msg.Content, msg.Tokens, msg.TokensPerSecond, msg.ResponseTimeMS, msg.CreatedAt,
	)
	if err != nil {
		return nil, translateConstraint(err)
	}

	if _, err = tx.Exec("UPDATE chat_sessions SET updated_at = ? WHERE id = ?", now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// GetMessagesBySessionID returns the session's messages oldest first, each
// with its feedback row if one exists. The rowid tie-break keeps insertion
// order for messages created within the same timestamp tick.
func (s *Store) GetMessagesBySessionID(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
        SELECT m.id, m.session_id, m.sender, m.content, m.tokens, m.tokens_per_second, m.response_time_ms, m.created_at,
               f.id, f.feedback_type, f.created_at
        FROM messages m
        LEFT JOIN feedback f ON f.message_id = m.id
        WHERE m.session_id = ?
        ORDER BY m.created_at ASC, m.rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var fbID, fbType sql.NullString
		var fbCreated sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Content, &msg.Tokens, &msg.TokensPerSecond, &msg.ResponseTimeMS, &msg.CreatedAt,
			&fbID, &fbType, &fbCreated); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if fbID.Valid {
			msg.Feedback = &Feedback{
				ID:           fbID.String,
				MessageID:    msg.ID,
				FeedbackType: fbType.String,
				CreatedAt:    fbCreated.Time,
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(messageID string) (*Message, error) {
	var msg Message
	err := s.db.QueryRow(
		"SELECT id, session_id, sender, content, tokens, tokens_per_second, response_time_ms, created_at FROM messages WHERE id = ?",
		messageID,
	).Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Content, &msg.Tokens, &msg.TokensPerSecond, &msg.ResponseTimeMS, &msg.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// Feedback methods

// UpsertFeedback records a vote for a message. A second vote for the same
// message replaces feedback_type in place; the row keeps its id and
// created_at.
func (s *Store) UpsertFeedback(messageID, feedbackType string) (*Feedback, error) {
	_, err := s.db.Exec(`
        INSERT INTO feedback (id, message_id, feedback_type, created_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (message_id) DO UPDATE SET feedback_type = excluded.feedback_type`,
		uuid.NewString(), messageID, feedbackType, time.Now().UTC(),
	)
	if err != nil {
		return nil, translateConstraint(err)
	}

	var fb Feedback
	err = s.db.QueryRow(
		"SELECT id, message_id, feedback_type, created_at FROM feedback WHERE message_id = ?",
		messageID,
	).Scan(&fb.ID, &fb.MessageID, &fb.FeedbackType, &fb.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read back feedback: %w", err)
	}
	return &fb, nil
}

// Metrics

// SessionMetrics aggregates the assistant messages of a session. Averages
// are rounded to two decimal places; an empty session yields zeroes.
func (s *Store) SessionMetrics(sessionID string) (*SessionMetrics, error) {
	var m SessionMetrics
	err := s.db.QueryRow(`
        SELECT COUNT(id), COALESCE(SUM(tokens), 0), COALESCE(AVG(tokens_per_second), 0), COALESCE(AVG(response_time_ms), 0)
        FROM messages
        WHERE session_id = ? AND sender = 'assistant'`, sessionID,
	).Scan(&m.TotalMessages, &m.TotalTokens, &m.AvgTokensPerSecond, &m.AvgResponseTimeMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate session metrics: %w", err)
	}
	m.AvgTokensPerSecond = round2(m.AvgTokensPerSecond)
	m.AvgResponseTimeMS = round2(m.AvgResponseTimeMS)
	return &m, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
