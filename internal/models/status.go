package models

import "slices"

// Status is the lifecycle state of an errand.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusAccepted, StatusInProgress, StatusCompleted,
	StatusDisputed, StatusPaid, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// HasPerformer reports whether an errand in status s must carry acceptedBy.
func (s Status) HasPerformer() bool {
	switch s {
	case StatusAccepted, StatusInProgress, StatusCompleted, StatusDisputed, StatusPaid:
		return true
	}
	return false
}

// Active reports whether s counts toward a performer's single active errand.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusInProgress
}

// Action names a lifecycle transition.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionBegin    Action = "begin"
	ActionComplete Action = "complete"
	ActionDispute  Action = "dispute"
	ActionFinalize Action = "finalize"
	ActionResolve  Action = "resolve"
	ActionCancel   Action = "cancel"
)

// Role is who may drive a transition.
type Role string

const (
	RoleRequester Role = "requester"
	RolePerformer Role = "performer"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Rule describes one row of the transition table.
type Rule struct {
	From []Status
	To   []Status
	By   []Role
}

// Allows reports whether any of roles may drive the rule.
func (r Rule) Allows(roles ...Role) bool {
	for _, role := range roles {
		if slices.Contains(r.By, role) {
			return true
		}
	}
	return false
}

// Transitions is the complete lifecycle table. Accept is driven by a user who
// is not yet a participant, so it lists RolePerformer for the prospective
// performer.
var Transitions = map[Action]Rule{
	ActionAccept: {
		From: []Status{StatusPending},
		To:   []Status{StatusAccepted},
		By:   []Role{RolePerformer},
	},
	ActionBegin: {
		From: []Status{StatusAccepted},
		To:   []Status{StatusInProgress},
		By:   []Role{RolePerformer},
	},
	ActionComplete: {
		From: []Status{StatusAccepted, StatusInProgress},
		To:   []Status{StatusCompleted},
		By:   []Role{RolePerformer},
	},
	ActionDispute: {
		From: []Status{StatusCompleted},
		To:   []Status{StatusDisputed},
		By:   []Role{RoleRequester},
	},
	ActionFinalize: {
		From: []Status{StatusCompleted},
		To:   []Status{StatusPaid},
		By:   []Role{RoleRequester, RoleSystem},
	},
	ActionResolve: {
		From: []Status{StatusDisputed},
		To:   []Status{StatusPaid, StatusCancelled},
		By:   []Role{RoleAdmin},
	},
	ActionCancel: {
		From: []Status{StatusPending, StatusAccepted, StatusInProgress},
		To:   []Status{StatusCancelled},
		By:   []Role{RoleRequester, RoleSystem},
	},
}

// CanTransition reports whether any action moves an errand from one status to another.
func CanTransition(from, to Status) bool {
	for _, rule := range Transitions {
		if slices.Contains(rule.From, from) && slices.Contains(rule.To, to) {
			return true
		}
	}
	return false
}

// StatusStrings converts statuses for error messages.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
