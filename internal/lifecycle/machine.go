// Package lifecycle owns the Match moderation state machine: legal
// transitions, automatic threshold evaluation, and the sticky-decision rule
// that keeps automation away from moderator-decided Matches.
package lifecycle

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/reunite-hq/match-engine/internal/model"
)

// ErrInvalidTransition is wrapped by every rejected status change. Callers
// surface the descriptive message to the moderator; no partial mutation
// occurs on rejection.
var ErrInvalidTransition = eris.New("lifecycle: invalid transition")

// Thresholds are the operator-tuned auto-transition cutoffs. Changing a
// threshold never retransitions existing Matches; thresholds are consulted
// only at the moment a score changes.
type Thresholds struct {
	// Promote is the high-confidence cutoff: aggregate >= Promote
	// auto-promotes an undecided candidate.
	Promote float64
	// Suppress is the low-confidence cutoff: aggregate <= Suppress
	// auto-suppresses an undecided candidate.
	Suppress float64
}

// DefaultThresholds returns the starting cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Promote: 0.85, Suppress: 0.15}
}

// Valid rejects inverted or out-of-range threshold pairs.
func (t Thresholds) Valid() error {
	if t.Promote <= 0 || t.Promote > 1 {
		return eris.Errorf("lifecycle: promote threshold %v out of (0,1]", t.Promote)
	}
	if t.Suppress < 0 || t.Suppress >= 1 {
		return eris.Errorf("lifecycle: suppress threshold %v out of [0,1)", t.Suppress)
	}
	if t.Suppress >= t.Promote {
		return eris.Errorf("lifecycle: suppress threshold %v >= promote threshold %v", t.Suppress, t.Promote)
	}
	return nil
}

// Machine applies lifecycle transitions to Matches in memory. Persistence
// and the optimistic version guard live in the store; the machine is pure
// over the Match value it is handed, which keeps every rule unit-testable
// without a database.
type Machine struct {
	thresholds Thresholds
	now        func() time.Time
}

// NewMachine creates a state machine with the given thresholds.
func NewMachine(t Thresholds) *Machine {
	return &Machine{thresholds: t, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (m *Machine) WithNow(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Thresholds returns the configured cutoffs.
func (m *Machine) Thresholds() Thresholds { return m.thresholds }

// Moderate applies an explicit moderator transition to the match, mutating
// status, decided_by and decided_at, and returns the audit entry to append.
// The version bump happens at the store on write.
//
// Legal moderator transitions:
//
//	candidate|promoted|suppressed -> promoted | suppressed | dismissed
//	dismissed                     -> candidate (reopen, clears decided_by)
//
// A same-status target is legal for promoted and suppressed: that is how a
// moderator endorses an automatic decision, setting decided_by and making
// it sticky against future rescores.
func (m *Machine) Moderate(match *model.Match, target model.MatchStatus, actor string) (model.AuditEntry, error) {
	if !model.ValidStatus(target) {
		return model.AuditEntry{}, eris.Wrapf(ErrInvalidTransition, "unknown target status %q", target)
	}
	if actor == "" || actor == model.SystemActor {
		return model.AuditEntry{}, eris.Wrap(ErrInvalidTransition, "moderator transitions require a moderator actor")
	}

	from := match.Status
	switch target {
	case model.StatusPromoted, model.StatusSuppressed:
		if from == model.StatusDismissed {
			return model.AuditEntry{}, eris.Wrapf(ErrInvalidTransition,
				"match %s is dismissed; reopen it before setting %s", match.ID, target)
		}
	case model.StatusDismissed:
		// Any non-terminal state may be dismissed; re-dismissing is not a
		// transition.
		if from == model.StatusDismissed {
			return model.AuditEntry{}, eris.Wrapf(ErrInvalidTransition, "match %s is already dismissed", match.ID)
		}
	case model.StatusCandidate:
		if from != model.StatusDismissed {
			return model.AuditEntry{}, eris.Wrapf(ErrInvalidTransition,
				"match %s cannot return to candidate from %s; only dismissed matches can be reopened", match.ID, from)
		}
	}

	at := m.now().UTC()
	match.Status = target
	match.DecidedAt = &at
	if target == model.StatusCandidate {
		// Reopen hands the match back to automation.
		match.DecidedBy = nil
	} else {
		a := actor
		match.DecidedBy = &a
	}

	return auditEntry(match, from, target, actor, at), nil
}

// Evaluate applies the automatic threshold rules to the match and mutates
// it if a transition fires. It returns the audit entry and true when a
// transition happened.
//
// Automation only acts on undecided candidates with a defined aggregate;
// insufficient-data matches and anything a moderator has touched are left
// alone.
func (m *Machine) Evaluate(match *model.Match) (model.AuditEntry, bool) {
	if match.Decided() || match.Status != model.StatusCandidate || match.AggregateScore == nil {
		return model.AuditEntry{}, false
	}

	score := *match.AggregateScore
	var target model.MatchStatus
	switch {
	case score >= m.thresholds.Promote:
		target = model.StatusPromoted
	case score <= m.thresholds.Suppress:
		target = model.StatusSuppressed
	default:
		return model.AuditEntry{}, false
	}

	from := match.Status
	at := m.now().UTC()
	match.Status = target
	match.DecidedAt = &at

	return auditEntry(match, from, target, model.SystemActor, at), true
}

func auditEntry(match *model.Match, from, to model.MatchStatus, actor string, at time.Time) model.AuditEntry {
	var score *float64
	if match.AggregateScore != nil {
		v := *match.AggregateScore
		score = &v
	}
	return model.AuditEntry{
		MatchID:        match.ID,
		Actor:          actor,
		FromStatus:     from,
		ToStatus:       to,
		AggregateScore: score,
		At:             at,
	}
}
