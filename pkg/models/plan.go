package models

import "time"

// Unlimited marks a plan limit with no ceiling.
const Unlimited = -1

// Plan is the per-user subscription record. Counters track live usage:
// current_sessions covers sessions in a quota-holding status, current_pairs
// covers mappings. Both stay within [0, max] at every quiescent point.
type Plan struct {
	UserID          string     `json:"user_id"`
	Tier            Tier       `json:"tier"`
	Status          PlanStatus `json:"status"`
	MaxSessions     int        `json:"max_sessions"`
	MaxPairs        int        `json:"max_pairs"`
	Priority        int        `json:"priority"`
	CurrentSessions int        `json:"current_sessions"`
	CurrentPairs    int        `json:"current_pairs"`
	StartedAt       time.Time  `json:"started_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// HasSessionCapacity reports whether one more session fits under the plan.
func (p *Plan) HasSessionCapacity() bool {
	return p.MaxSessions == Unlimited || p.CurrentSessions < p.MaxSessions
}

// HasPairCapacity reports whether one more mapping fits under the plan.
func (p *Plan) HasPairCapacity() bool {
	return p.MaxPairs == Unlimited || p.CurrentPairs < p.MaxPairs
}
