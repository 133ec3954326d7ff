package models

import "time"

// ApprovedByAuto marks a pending message approved by the expiry contract
// rather than by a person.
const ApprovedByAuto = "auto"

// PendingMessage is a message held back by a mapping's delay settings.
// Lifecycle: pending -> (approved|rejected|expired); approved -> scheduled
// -> sent. ScheduledFor is the earliest dispatch time; ExpiresAt, when set,
// auto-approves a still-pending row.
type PendingMessage struct {
	ID               string        `json:"id"`
	MappingID        string        `json:"mapping_id"`
	UserID           string        `json:"user_id"`
	SourceChatID     int64         `json:"source_chat_id"`
	SourceMsgID      int64         `json:"source_msg_id"`
	OriginalContent  []byte        `json:"original_content"`
	ProcessedContent []byte        `json:"processed_content,omitempty"`
	Status           PendingStatus `json:"status"`
	ScheduledFor     time.Time     `json:"scheduled_for"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	ApprovedBy       string        `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time    `json:"approved_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ForwardingLog records the outcome of one evaluation or dispatch attempt.
// Append-only; ids are time-ordered so a primary scan is chronological.
type ForwardingLog struct {
	ID            string    `json:"id"`
	MappingID     string    `json:"mapping_id,omitempty"`
	SourceID      string    `json:"source_id,omitempty"`
	DestinationID string    `json:"destination_id,omitempty"`
	MessageType   string    `json:"message_type,omitempty"`
	OriginalText  string    `json:"original_text,omitempty"`
	ProcessedText string    `json:"processed_text,omitempty"`
	Status        LogStatus `json:"status"`
	FilterReason  string    `json:"filter_reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	ProcessingMS  int64     `json:"processing_ms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
