package model

import (
	"time"
)

// Signal identifies one component similarity estimate between two reports.
type Signal string

const (
	SignalText  Signal = "text"
	SignalImage Signal = "image"
	SignalColor Signal = "color"
	SignalGeo   Signal = "geo"
	SignalTime  Signal = "time"
)

// Signals lists every known signal in a fixed order. Iteration over this
// slice is used wherever a deterministic ordering is needed; the component
// score map itself carries no ordering guarantees.
var Signals = []Signal{SignalText, SignalImage, SignalColor, SignalGeo, SignalTime}

// KnownSignal reports whether s is one of the defined signals.
func KnownSignal(s Signal) bool {
	for _, k := range Signals {
		if k == s {
			return true
		}
	}
	return false
}

// MatchStatus is the moderation lifecycle state of a Match.
type MatchStatus string

const (
	StatusCandidate  MatchStatus = "candidate"
	StatusPromoted   MatchStatus = "promoted"
	StatusSuppressed MatchStatus = "suppressed"
	StatusDismissed  MatchStatus = "dismissed"
)

// ValidStatus reports whether s is one of the defined lifecycle states.
func ValidStatus(s MatchStatus) bool {
	switch s {
	case StatusCandidate, StatusPromoted, StatusSuppressed, StatusDismissed:
		return true
	}
	return false
}

// ComponentScores maps signal name to its latest computed value in [0,1].
// A missing key means the signal could not be computed for the pair, which
// is distinct from a computed zero.
type ComponentScores map[Signal]float64

// Clone returns an independent copy of the score map.
func (cs ComponentScores) Clone() ComponentScores {
	if cs == nil {
		return nil
	}
	out := make(ComponentScores, len(cs))
	for k, v := range cs {
		out[k] = v
	}
	return out
}

// PairKey derives the canonical order-independent key for two report IDs.
// Both (a,b) and (b,a) yield the same key, which backs the one-Match-per-
// unordered-pair guarantee via a unique constraint.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Match is a scored pairing of one lost and one found report, carried
// through the moderation lifecycle. It is never physically deleted;
// dismissal is a terminal status, preserving audit history.
type Match struct {
	ID                string          `json:"id"`
	PairKey           string          `json:"pair_key"`
	SourceReportID    string          `json:"source_report_id"`
	CandidateReportID string          `json:"candidate_report_id"`
	ComponentScores   ComponentScores `json:"component_scores"`

	// AggregateScore is nil while zero signals are available (the
	// "insufficient data" marker); a numeric zero would read as a
	// confident non-match.
	AggregateScore *float64 `json:"aggregate_score,omitempty"`

	Status MatchStatus `json:"status"`

	// DecidedBy is nil while only automation has acted on the Match.
	// Once set, automated transitions are disabled until an explicit
	// reopen clears it.
	DecidedBy *string    `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// Version increments on every mutation and guards optimistic writes.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decided reports whether a human moderator has acted on the Match.
func (m *Match) Decided() bool {
	return m.DecidedBy != nil
}

// InsufficientData reports whether the Match has no computable signals yet.
func (m *Match) InsufficientData() bool {
	return m.AggregateScore == nil
}

// References reports whether the Match involves the given report.
func (m *Match) References(reportID string) bool {
	return m.SourceReportID == reportID || m.CandidateReportID == reportID
}

// OtherReport returns the ID of the report paired with reportID, or ""
// if the Match does not reference reportID.
func (m *Match) OtherReport(reportID string) string {
	switch reportID {
	case m.SourceReportID:
		return m.CandidateReportID
	case m.CandidateReportID:
		return m.SourceReportID
	}
	return ""
}
