package models

import "time"

// Source is a platform chat whose messages a user forwards out of.
// ChatID is the platform-side numeric chat identifier.
type Source struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ChatID       int64     `json:"chat_id"`
	ChatTitle    string    `json:"chat_title"`
	ChatType     ChatType  `json:"chat_type"`
	ChatUsername string    `json:"chat_username,omitempty"`
	Active       bool      `json:"active"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Destination is a platform chat a user forwards messages into.
type Destination struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ChatID       int64     `json:"chat_id"`
	ChatTitle    string    `json:"chat_title"`
	ChatType     ChatType  `json:"chat_type"`
	ChatUsername string    `json:"chat_username,omitempty"`
	Active       bool      `json:"active"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateChatRequest contains fields shared by source and destination creation
type CreateChatRequest struct {
	UserID       string   `json:"user_id"`
	ChatID       int64    `json:"chat_id"`
	ChatTitle    string   `json:"chat_title"`
	ChatType     ChatType `json:"chat_type"`
	ChatUsername string   `json:"chat_username,omitempty"`
}
