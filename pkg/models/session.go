package models

import "time"

// Session is a platform identity held by a worker on behalf of a user.
// A non-empty WorkerID implies status is active, paused or crashed.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	SessionName  string        `json:"session_name"`
	Phone        string        `json:"phone"`
	AuthBlob     []byte        `json:"auth_blob,omitempty"`
	WorkerID     string        `json:"worker_id,omitempty"`
	Status       SessionStatus `json:"status"`
	MessageCount int64         `json:"message_count"`
	LastActivity *time.Time    `json:"last_activity,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CreateSessionRequest contains fields for creating a new session
type CreateSessionRequest struct {
	UserID      string `json:"user_id"`
	SessionName string `json:"session_name"`
	Phone       string `json:"phone"`
	AuthBlob    []byte `json:"auth_blob,omitempty"`
}

// SessionFilters contains filtering options for listing sessions
type SessionFilters struct {
	UserID   string        `json:"user_id,omitempty"`
	WorkerID string        `json:"worker_id,omitempty"`
	Status   SessionStatus `json:"status,omitempty"`
}
