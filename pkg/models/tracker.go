package models

import (
	"fmt"
	"time"
)

// MessageTracker links one inbound source message to its forwarded copy
// under a single mapping. The (mapping, source chat, source message) origin
// is unique: inserting a second row for the same origin is the duplicate
// signal that gives at-most-once delivery. ForwardedMsgID stays zero until
// the outbound send succeeds; edits wait on it before propagating.
type MessageTracker struct {
	ID                string    `json:"id"`
	MappingID         string    `json:"mapping_id"`
	SourceChatID      int64     `json:"source_chat_id"`
	SourceMsgID       int64     `json:"source_msg_id"`
	ForwardedMsgID    int64     `json:"forwarded_msg_id,omitempty"`
	DestinationChatID int64     `json:"destination_chat_id"`
	Hash              string    `json:"hash,omitempty"`
	Orphaned          bool      `json:"orphaned,omitempty"`
	LastSynced        time.Time `json:"last_synced"`
	CreatedAt         time.Time `json:"created_at"`
}

// TrackerOriginKey builds the unique-index key for a message origin.
func TrackerOriginKey(mappingID string, sourceChatID, sourceMsgID int64) string {
	return fmt.Sprintf("%s/%d/%d", mappingID, sourceChatID, sourceMsgID)
}

// OriginKey returns the row's unique origin key.
func (t *MessageTracker) OriginKey() string {
	return TrackerOriginKey(t.MappingID, t.SourceChatID, t.SourceMsgID)
}

// ForwardKey builds the index key for locating a tracker row by its
// forwarded copy, used by the sync dispatcher.
func ForwardKey(destinationChatID, forwardedMsgID int64) string {
	return fmt.Sprintf("%d/%d", destinationChatID, forwardedMsgID)
}
