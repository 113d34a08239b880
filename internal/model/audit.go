package model

import "time"

// SystemActor is the actor recorded for automated transitions.
const SystemActor = "system"

// AuditEntry records a single lifecycle transition. Entries are append-only
// and never edited; the audit sink is a write-only dependency of the engine.
type AuditEntry struct {
	ID             string      `json:"id"`
	MatchID        string      `json:"match_id"`
	Actor          string      `json:"actor"`
	FromStatus     MatchStatus `json:"from_status"`
	ToStatus       MatchStatus `json:"to_status"`
	AggregateScore *float64    `json:"aggregate_score,omitempty"`
	At             time.Time   `json:"at"`
}
