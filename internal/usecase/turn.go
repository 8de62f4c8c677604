package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"policy-copilot/internal/domain"
)

const (
	defaultModel              = "gpt-4o-mini"
	defaultMaxMessageLength   = 2000
	defaultMaxHistoryMessages = 40
)

// DefaultPolicyKeywords force a policy search before the model is consulted.
var DefaultPolicyKeywords = []string{"refund", "loan", "privacy", "ticket", "escalation", "policy"}

// newUUID is a var so tests can substitute a deterministic generator.
var newUUID = func() string { return uuid.NewString() }

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (map[string]string, error)
	MergeProfile(ctx context.Context, userID string, fields map[string]string) (map[string]string, error)
}

type PolicySearcher interface {
	Search(query string) []domain.PolicyHit
}

type EpisodeLog interface {
	AppendEpisode(ctx context.Context, ep domain.Episode) error
}

// Checkpointer persists the short-term memory of a thread between turns.
type Checkpointer interface {
	LoadThread(ctx context.Context, threadID string) (domain.Thread, error)
	SaveThread(ctx context.Context, th domain.Thread) error
}

type Options struct {
	Model            string
	PolicyKeywords   []string
	MaxMessageLength int
	// MaxHistoryMessages caps the messages kept in a thread checkpoint.
	MaxHistoryMessages int
}

type TurnInput struct {
	UserID   string
	ThreadID string
	Message  string
}

type TurnOutput struct {
	Reply          string
	ThreadID       string
	Action         domain.Action
	ProfileUpdated bool
	Sources        []string
}

// TurnService runs one user turn through the copilot state machine.
type TurnService struct {
	llm      LLMClient
	profiles ProfileStore
	policies PolicySearcher
	episodes EpisodeLog
	threads  Checkpointer

	model            string
	keywords         []string
	maxMessageLength int
	maxHistory       int

	nodes map[node]step
}

func NewTurnService(llm LLMClient, profiles ProfileStore, policies PolicySearcher, episodes EpisodeLog, threads Checkpointer, opts Options) (*TurnService, error) {
	switch {
	case llm == nil:
		return nil, errors.New("usecase: llm client must not be nil")
	case profiles == nil:
		return nil, errors.New("usecase: profile store must not be nil")
	case policies == nil:
		return nil, errors.New("usecase: policy searcher must not be nil")
	case episodes == nil:
		return nil, errors.New("usecase: episode log must not be nil")
	case threads == nil:
		return nil, errors.New("usecase: checkpointer must not be nil")
	}

	s := &TurnService{
		llm:              llm,
		profiles:         profiles,
		policies:         policies,
		episodes:         episodes,
		threads:          threads,
		model:            strings.TrimSpace(opts.Model),
		maxMessageLength: opts.MaxMessageLength,
		maxHistory:       opts.MaxHistoryMessages,
	}
	if s.model == "" {
		s.model = defaultModel
	}
	if s.maxMessageLength <= 0 {
		s.maxMessageLength = defaultMaxMessageLength
	}
	if s.maxHistory <= 0 {
		s.maxHistory = defaultMaxHistoryMessages
	}
	keywords := opts.PolicyKeywords
	if len(keywords) == 0 {
		keywords = DefaultPolicyKeywords
	}
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			s.keywords = append(s.keywords, kw)
		}
	}

	s.nodes = map[node]step{
		nodeIngest:     s.ingest,
		nodePlanner:    s.plan,
		nodeRunTools:   s.runTools,
		nodeAnswer:     s.answer,
		nodeLogEpisode: s.logEpisode,
	}
	return s, nil
}

// Run executes ingest through log_episode for one message and, once the
// episode is logged, checkpoints the thread. A failed turn persists no
// checkpoint.
func (s *TurnService) Run(ctx context.Context, in TurnInput) (TurnOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	message := strings.TrimSpace(in.Message)
	if userID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if message == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLength {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = newUUID()
	}

	st := domain.TurnState{
		ThreadID: threadID,
		UserID:   userID,
		Messages: []domain.ChatMessage{domain.UserMessage(message)},
	}

	final, err := s.execute(ctx, st)
	if err != nil {
		return TurnOutput{}, err
	}

	if err := s.threads.SaveThread(ctx, domain.Thread{
		ID:              final.ThreadID,
		Messages:        trimHistory(final.Messages, s.maxHistory),
		SearchedQueries: final.SearchedQueries,
	}); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "checkpoint_write_error", err)
	}

	reply, _ := final.LastAssistantMessage()
	out := TurnOutput{
		Reply:          reply.Content,
		ThreadID:       final.ThreadID,
		Action:         final.NextAction,
		ProfileUpdated: final.ProfileUpdated,
	}
	for _, h := range final.RetrievedPolicies {
		out.Sources = append(out.Sources, h.Source)
	}
	return out, nil
}

// execute walks the graph from ingest until end.
func (s *TurnService) execute(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	for cur := nodeIngest; cur != nodeEnd; {
		fn, ok := s.nodes[cur]
		if !ok {
			return st, newError(ErrorInternal, "invalid_transition", fmt.Errorf("no handler for node %q", cur))
		}
		next, err := fn(ctx, st)
		if err != nil {
			return st, err
		}
		st = next

		to, err := transition(cur, st)
		if err != nil {
			return st, newError(ErrorInternal, "invalid_transition", err)
		}
		log.Debug().
			Str("thread_id", st.ThreadID).
			Str("user_id", st.UserID).
			Str("node", string(cur)).
			Str("next_node", string(to)).
			Str("next_action", st.NextAction.String()).
			Msg("turn transition")
		cur = to
	}
	return st, nil
}

// trimHistory keeps at most limit trailing messages, starting the window at a
// user message so no turn is stored half. The latest turn is always kept,
// even when it alone exceeds limit.
func trimHistory(msgs []domain.ChatMessage, limit int) []domain.ChatMessage {
	if len(msgs) <= limit {
		return msgs
	}
	for i := len(msgs) - limit; i < len(msgs); i++ {
		if msgs[i].Role == domain.RoleUser {
			return slices.Clone(msgs[i:])
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return slices.Clone(msgs[i:])
		}
	}
	return msgs
}
