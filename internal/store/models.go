package store

import "time"

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

const (
	FeedbackUpvote   = "upvote"
	FeedbackDownvote = "downvote"
)

type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"` // Do not expose this in JSON responses
	FullName     string     `json:"fullName"`
	IsActive     bool       `json:"isActive"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Session groups the messages of one conversation. UpdatedAt advances on
// every message appended to the session and drives the listing order.
type Session struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is immutable once created. The generation metrics are zero for
// user messages and populated for assistant messages.
type Message struct {
	ID              string    `json:"id"` // UUID
	SessionID       string    `json:"sessionId"`
	Sender          string    `json:"sender"` // "user" or "assistant"
	Content         string    `json:"content"`
	Tokens          int       `json:"tokens"`
	TokensPerSecond float64   `json:"tokensPerSecond"`
	ResponseTimeMS  float64   `json:"responseTimeMs"`
	CreatedAt       time.Time `json:"createdAt"`
	Feedback        *Feedback `json:"feedback,omitempty"`
}

// Feedback holds at most one vote per message; resubmitting replaces the
// vote in place.
type Feedback struct {
	ID           string    `json:"id"` // UUID
	MessageID    string    `json:"messageId"`
	FeedbackType string    `json:"feedbackType"` // "upvote" or "downvote"
	CreatedAt    time.Time `json:"createdAt"`
}

// SessionMetrics aggregates over assistant messages only. A session with
// no assistant messages reports zeroes, not an error.
type SessionMetrics struct {
	TotalMessages      int     `json:"totalMessages"`
	TotalTokens        int     `json:"totalTokens"`
	AvgTokensPerSecond float64 `json:"avgTokensPerSecond"`
	AvgResponseTimeMS  float64 `json:"avgResponseTimeMs"`
}
