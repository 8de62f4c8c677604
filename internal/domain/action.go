package domain

import "strings"

// Action is the planner's decision for a turn.
type Action string

const (
	ActionAnswer           Action = "answer"
	ActionSearchPolicies   Action = "search_policies"
	ActionUpdateProfile    Action = "update_profile"
	ActionAskClarification Action = "ask_clarification"
)

// Actions lists every valid action in the order the planner prompt presents them.
var Actions = []Action{
	ActionSearchPolicies,
	ActionUpdateProfile,
	ActionAskClarification,
	ActionAnswer,
}

// ParseAction maps a directive value such as "search_policies" to an Action.
// Surrounding whitespace and case are ignored.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAnswer:
		return ActionAnswer, true
	case ActionSearchPolicies:
		return ActionSearchPolicies, true
	case ActionUpdateProfile:
		return ActionUpdateProfile, true
	case ActionAskClarification:
		return ActionAskClarification, true
	}
	return "", false
}

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAnswer, ActionSearchPolicies, ActionUpdateProfile, ActionAskClarification:
		return true
	}
	return false
}

// RunsTools reports whether the tool dispatch node executes for a.
func (a Action) RunsTools() bool {
	return a == ActionSearchPolicies || a == ActionUpdateProfile
}

func (a Action) String() string {
	return string(a)
}
