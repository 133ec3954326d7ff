package models

import "time"

// FilterConfig gates which messages a mapping forwards.
type FilterConfig struct {
	IncludeKeywords []string    `json:"include_keywords,omitempty"`
	ExcludeKeywords []string    `json:"exclude_keywords,omitempty"`
	KeywordMode     KeywordMode `json:"keyword_mode,omitempty"`
	CaseSensitive   bool        `json:"case_sensitive,omitempty"`
	AllowedTypes    []string    `json:"allowed_types,omitempty"`
	BlockURLs       bool        `json:"block_urls,omitempty"`
	BlockForwards   bool        `json:"block_forwards,omitempty"`
	MinLength       int         `json:"min_length,omitempty"`
	MaxLength       int         `json:"max_length,omitempty"`
}

// EditConfig shapes the rendered text after the regex rules ran.
type EditConfig struct {
	Header             string `json:"header,omitempty"`
	Footer             string `json:"footer,omitempty"`
	RemoveSender       bool   `json:"remove_sender,omitempty"`
	RemoveURLs         bool   `json:"remove_urls,omitempty"`
	RemoveHashtags     bool   `json:"remove_hashtags,omitempty"`
	RemoveMentions     bool   `json:"remove_mentions,omitempty"`
	PreserveFormatting bool   `json:"preserve_formatting,omitempty"`
}

// SyncConfig controls propagation of source-side edits and deletes.
type SyncConfig struct {
	UpdateEnabled bool `json:"update_enabled,omitempty"`
	DeleteEnabled bool `json:"delete_enabled,omitempty"`
	UpdateDelayS  int  `json:"update_delay_s,omitempty"`
}

// DelayConfig holds messages for approval or a fixed delay before dispatch.
type DelayConfig struct {
	Enabled           bool `json:"enabled,omitempty"`
	Seconds           int  `json:"seconds,omitempty"`
	RequireApproval   bool `json:"require_approval,omitempty"`
	AutoApproveAfterS int  `json:"auto_approve_after_s,omitempty"`
}

// Mapping is a user-owned forwarding pair: messages arriving at Source are
// evaluated against the embedded policy and delivered to Destination.
// Version increments on every mutation of the mapping or its rules; the
// rule engine keys its compiled-policy cache on (id, version).
type Mapping struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	SourceID      string       `json:"source_id"`
	DestinationID string       `json:"destination_id"`
	PairName      string       `json:"pair_name"`
	PairType      string       `json:"pair_type,omitempty"`
	Priority      int          `json:"priority"`
	Active        bool         `json:"active"`
	Filters       FilterConfig `json:"filters"`
	Editing       EditConfig   `json:"editing"`
	Sync          SyncConfig   `json:"sync"`
	Delay         DelayConfig  `json:"delay"`
	Version       int64        `json:"version"`
	MessageCount  int64        `json:"message_count"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// PairKey is the uniqueness key for one (source, destination) pair of a user.
func (m *Mapping) PairKey() string {
	return m.UserID + "/" + m.SourceID + "/" + m.DestinationID
}

// CreateMappingRequest contains fields for creating a forwarding pair
type CreateMappingRequest struct {
	UserID        string        `json:"user_id"`
	SourceID      string        `json:"source_id"`
	DestinationID string        `json:"destination_id"`
	PairName      string        `json:"pair_name"`
	PairType      string        `json:"pair_type,omitempty"`
	Priority      int           `json:"priority,omitempty"`
	Filters       *FilterConfig `json:"filters,omitempty"`
	Editing       *EditConfig   `json:"editing,omitempty"`
	Sync          *SyncConfig   `json:"sync,omitempty"`
	Delay         *DelayConfig  `json:"delay,omitempty"`
}

// UpdateMappingRequest contains the mutable mapping fields; nil means unchanged
type UpdateMappingRequest struct {
	PairName *string       `json:"pair_name,omitempty"`
	Priority *int          `json:"priority,omitempty"`
	Filters  *FilterConfig `json:"filters,omitempty"`
	Editing  *EditConfig   `json:"editing,omitempty"`
	Sync     *SyncConfig   `json:"sync,omitempty"`
	Delay    *DelayConfig  `json:"delay,omitempty"`
}

// RegexRule is a user-authored transform. An empty MappingID makes the rule
// user-global: it applies to all of the user's mappings ahead of the
// mapping-scoped rules, ordered by OrderIndex ascending.
type RegexRule struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	MappingID     string    `json:"mapping_id,omitempty"`
	Name          string    `json:"name"`
	Pattern       string    `json:"pattern"`
	Replacement   string    `json:"replacement,omitempty"`
	Kind          RuleKind  `json:"kind"`
	OrderIndex    int       `json:"order_index"`
	CaseSensitive bool      `json:"case_sensitive"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
