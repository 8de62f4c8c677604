package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"policy-copilot/internal/domain"
)

// profileRule extracts one profile field from a message containing trigger.
type profileRule struct {
	trigger string
	key     string
}

var profileRules = []profileRule{
	{trigger: "favorite color", key: "favorite_color"},
}

func (s *TurnService) ingest(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	th, err := s.threads.LoadThread(ctx, st.ThreadID)
	if err != nil {
		return st, newError(ErrorInternal, "checkpoint_read_error", err)
	}
	profile, err := s.profiles.GetProfile(ctx, st.UserID)
	if err != nil {
		return st, newError(ErrorInternal, "profile_read_error", err)
	}
	if profile == nil {
		profile = map[string]string{}
	}

	next := st.Clone()
	next.Messages = append(slices.Clone(th.Messages), st.Messages...)
	next.SearchedQueries = slices.Clone(th.SearchedQueries)
	next.UserProfile = profile
	next.ProfileUpdated = false
	next.PolicyQuery = ""
	next.RetrievedPolicies = []domain.PolicyHit{}
	next.ToolResults = map[string]string{}
	next.NextAction = domain.ActionAnswer
	next.Done = false
	return next, nil
}

func (s *TurnService) plan(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	if kw, ok := s.matchPolicyKeyword(st); ok {
		next := st.WithMessage(domain.AssistantMessage(
			fmt.Sprintf("Action: %s (matched policy keyword %q)", domain.ActionSearchPolicies, kw)))
		next.NextAction = domain.ActionSearchPolicies
		log.Info().
			Str("thread_id", st.ThreadID).
			Str("action", next.NextAction.String()).
			Str("source", "rule").
			Str("keyword", kw).
			Msg("planner decision")
		return next, nil
	}

	reply, err := s.llm.Chat(ctx, s.model, buildPlannerMessages(st.Messages))
	if err != nil {
		return st, llmError("planner", err)
	}
	action := parseDirective(reply)
	trace := reply
	if strings.TrimSpace(trace) == "" {
		trace = fmt.Sprintf("Action: %s (model returned no directive)", action)
	}
	next := st.WithMessage(domain.AssistantMessage(trace))
	next.NextAction = action
	log.Info().
		Str("thread_id", st.ThreadID).
		Str("action", action.String()).
		Str("source", "model").
		Msg("planner decision")
	return next, nil
}

// matchPolicyKeyword returns the first configured keyword found in the latest
// user message, unless that exact message was already searched in this thread.
func (s *TurnService) matchPolicyKeyword(st domain.TurnState) (string, bool) {
	msg, ok := st.LastUserMessage()
	if !ok || st.Searched(msg.Content) {
		return "", false
	}
	lower := strings.ToLower(msg.Content)
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

func (s *TurnService) runTools(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	switch st.NextAction {
	case domain.ActionSearchPolicies:
		return s.searchPolicies(st), nil
	case domain.ActionUpdateProfile:
		return s.updateProfile(ctx, st)
	case domain.ActionAnswer, domain.ActionAskClarification:
		return st, nil
	}
	return st, newError(ErrorInternal, "invalid_transition", fmt.Errorf("no tool for action %q", st.NextAction))
}

func (s *TurnService) searchPolicies(st domain.TurnState) domain.TurnState {
	msg, _ := st.LastUserMessage()
	hits := s.policies.Search(msg.Content)
	if hits == nil {
		hits = []domain.PolicyHit{}
	}

	next := st.Clone()
	next.PolicyQuery = msg.Content
	next.RetrievedPolicies = hits
	if !next.Searched(msg.Content) {
		next.SearchedQueries = append(next.SearchedQueries, msg.Content)
	}
	log.Debug().
		Str("thread_id", st.ThreadID).
		Int("hits", len(hits)).
		Msg("policy search")
	return next
}

func (s *TurnService) updateProfile(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	msg, _ := st.LastUserMessage()
	key, value, ok := extractProfileField(msg.Content)
	if !ok {
		return st, nil
	}
	if _, err := s.profiles.MergeProfile(ctx, st.UserID, map[string]string{key: value}); err != nil {
		return st, newError(ErrorInternal, "profile_write_error", err)
	}

	next := st.Clone()
	if next.UserProfile == nil {
		next.UserProfile = map[string]string{}
	}
	next.UserProfile[key] = value
	next.ProfileUpdated = true
	log.Debug().
		Str("user_id", st.UserID).
		Str("key", key).
		Msg("profile updated")
	return next, nil
}

// extractProfileField applies profileRules to text. The value is the final
// whitespace-delimited token, stripped of surrounding punctuation and
// lower-cased.
func extractProfileField(text string) (key, value string, ok bool) {
	lower := strings.ToLower(text)
	for _, rule := range profileRules {
		if !strings.Contains(lower, rule.trigger) {
			continue
		}
		fields := strings.Fields(lower)
		last := strings.TrimFunc(fields[len(fields)-1], func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if last == "" {
			return "", "", false
		}
		return rule.key, last, true
	}
	return "", "", false
}

func (s *TurnService) answer(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	msgs, err := buildAnswerMessages(st)
	if err != nil {
		return st, newError(ErrorInternal, "grounding_render_error", err)
	}
	reply, err := s.llm.Chat(ctx, s.model, msgs)
	if err != nil {
		return st, llmError("answer", err)
	}
	next := st.WithMessage(domain.AssistantMessage(reply))
	next.Done = true
	return next, nil
}

func (s *TurnService) logEpisode(ctx context.Context, st domain.TurnState) (domain.TurnState, error) {
	last, _ := st.LastAssistantMessage()
	ep := domain.Episode{UserID: st.UserID, Summary: summarize(last.Content)}
	if err := s.episodes.AppendEpisode(ctx, ep); err != nil {
		return st, newError(ErrorInternal, "episode_write_error", err)
	}
	return st, nil
}
