package domain

import (
	"maps"
	"slices"
	"time"
)

// PolicyHit is one policy search result.
type PolicyHit struct {
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
	Score   int    `json:"score"`
}

// TurnState is the record threaded through the turn state machine. Nodes take
// a TurnState by value and return the next one; WithMessage and Clone keep the
// returned value from sharing backing storage with its predecessor.
type TurnState struct {
	ThreadID string
	UserID   string
	Messages []ChatMessage

	UserProfile    map[string]string
	ProfileUpdated bool

	PolicyQuery       string
	SearchedQueries   []string
	RetrievedPolicies []PolicyHit
	ToolResults       map[string]string

	NextAction Action
	Done       bool
}

// Clone returns a deep copy of s.
func (s TurnState) Clone() TurnState {
	out := s
	out.Messages = slices.Clone(s.Messages)
	out.UserProfile = maps.Clone(s.UserProfile)
	out.SearchedQueries = slices.Clone(s.SearchedQueries)
	out.RetrievedPolicies = slices.Clone(s.RetrievedPolicies)
	out.ToolResults = maps.Clone(s.ToolResults)
	return out
}

// WithMessage returns a copy of s with m appended to Messages.
func (s TurnState) WithMessage(m ChatMessage) TurnState {
	out := s.Clone()
	out.Messages = append(out.Messages, m)
	return out
}

// LastUserMessage returns the most recent user-authored message.
func (s TurnState) LastUserMessage() (ChatMessage, bool) {
	return lastByRole(s.Messages, RoleUser)
}

// LastAssistantMessage returns the most recent assistant-authored message.
func (s TurnState) LastAssistantMessage() (ChatMessage, bool) {
	return lastByRole(s.Messages, RoleAssistant)
}

// Searched reports whether query was used by a policy search earlier in the thread.
func (s TurnState) Searched(query string) bool {
	return slices.Contains(s.SearchedQueries, query)
}

func lastByRole(msgs []ChatMessage, role Role) (ChatMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return ChatMessage{}, false
}

// Thread is the short-term memory persisted between turns of one conversation.
type Thread struct {
	ID              string        `json:"thread_id"`
	Messages        []ChatMessage `json:"messages"`
	SearchedQueries []string      `json:"searched_queries,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Episode is one line of the episode log.
type Episode struct {
	UserID  string `json:"user_id"`
	Summary string `json:"summary"`
}
