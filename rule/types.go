// Package rule defines the core data model of the exception rule engine:
// rules, usage records, session context, and the shared error taxonomy.
package rule

import "time"

// Scope determines whether a rule applies to a single chain or to all chains.
type Scope string

const (
	ScopeChain  Scope = "chain"
	ScopeGlobal Scope = "global"
)

// Type determines which session action a rule can justify.
type Type string

const (
	TypePauseOnly           Type = "PAUSE_ONLY"
	TypeEarlyCompletionOnly Type = "EARLY_COMPLETION_ONLY"
)

// Valid reports whether t is one of the known rule types.
func (t Type) Valid() bool {
	return t == TypePauseOnly || t == TypeEarlyCompletionOnly
}

// ActionType is the session action a caller wants a rule to justify.
type ActionType string

const (
	ActionPause           ActionType = "pause"
	ActionEarlyCompletion ActionType = "early_completion"
)

// Allows reports whether a rule of type t permits the given action.
// The mapping is strict: PAUSE_ONLY rules allow only pauses,
// EARLY_COMPLETION_ONLY rules allow only early completions.
func (t Type) Allows(action ActionType) bool {
	switch t {
	case TypePauseOnly:
		return action == ActionPause
	case TypeEarlyCompletionOnly:
		return action == ActionEarlyCompletion
	default:
		return false
	}
}

// ExceptionRule is a user-registered justification for pausing or
// early-completing a task ("bathroom break", "drink water", ...).
//
// Name comparisons are always performed on the normalized form (see
// NormalizeName); the raw persisted value may be malformed and is coerced,
// never rejected. A soft-deleted rule (IsActive=false) is excluded from all
// active listings but its ID stays valid for historical usage records.
type ExceptionRule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Scope       Scope      `json:"scope"`
	ChainID     string     `json:"chain_id,omitempty"`
	Type        Type       `json:"type"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UsageCount  int        `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// UsageRecord captures one successful use of a rule during a session.
// Records are immutable once created and are the sole source of truth for
// all statistics; they are never derived back from ExceptionRule.UsageCount.
type UsageRecord struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id"`
	ChainID       string     `json:"chain_id"`
	SessionID     string     `json:"session_id"`
	ActionType    ActionType `json:"action_type"`
	TaskElapsed   float64    `json:"task_elapsed_time"`
	TaskRemaining *float64   `json:"task_remaining_time,omitempty"`
	PauseDuration *float64   `json:"pause_duration,omitempty"`
	AutoResume    *bool      `json:"auto_resume,omitempty"`
	RuleScope     Scope      `json:"rule_scope"`
	UsedAt        time.Time  `json:"used_at"`
}

// SessionContext is the caller-supplied snapshot of the running task at the
// moment a rule is used. The engine records its timings verbatim.
type SessionContext struct {
	SessionID      string    `json:"session_id"`
	ChainID        string    `json:"chain_id"`
	ChainName      string    `json:"chain_name"`
	StartedAt      time.Time `json:"started_at"`
	Elapsed        float64   `json:"elapsed_time"`
	Remaining      *float64  `json:"remaining_time,omitempty"`
	IsDurationless bool      `json:"is_durationless"`
}

// PauseOptions carries optional pause parameters for pause-type usages.
type PauseOptions struct {
	Duration   *float64 `json:"duration,omitempty"`
	AutoResume bool     `json:"auto_resume"`
}

// VisibleTo reports whether the rule applies to the given chain: global
// rules apply everywhere, chain rules only to their own chain.
func (r *ExceptionRule) VisibleTo(chainID string) bool {
	return r.Scope == ScopeGlobal || r.ChainID == chainID
}
