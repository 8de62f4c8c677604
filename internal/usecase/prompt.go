package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"policy-copilot/internal/domain"
)

const maxSummaryRunes = 200

// directiveRe finds "Action: <name>" anywhere in a line, tolerating markdown
// emphasis or quotes around the label and the value.
var directiveRe = regexp.MustCompile("(?i)\\baction[\\s*_`]*:[\\s*_`'\"]*([a-z_]+)")

func buildPlannerPrompt() string {
	return strings.Join([]string{
		"You are a support copilot for internal policies.",
		"You can decide one of these next actions:",
		"- search_policies: when you need to look up a policy document.",
		"- update_profile: when the user shares stable preferences or profile info (e.g., favorite color).",
		"- ask_clarification: when the question is unclear and you need more info.",
		"- answer: when you can answer directly from the current context.",
		"In your reply, clearly include the chosen action name exactly once on its own line in this format:",
		"Action: <one of search_policies, update_profile, ask_clarification, answer>",
	}, "\n")
}

func buildPlannerMessages(history []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+1)
	out = append(out, domain.SystemMessage(buildPlannerPrompt()))
	return append(out, history...)
}

// parseDirective returns the first action named by an "Action: <name>"
// directive in the planner reply. Matches that name no known action are
// skipped; a reply without a valid directive falls back to answer.
func parseDirective(reply string) domain.Action {
	for _, line := range strings.Split(reply, "\n") {
		for _, m := range directiveRe.FindAllStringSubmatch(line, -1) {
			if a, ok := domain.ParseAction(m[1]); ok {
				return a
			}
		}
	}
	return domain.ActionAnswer
}

func buildAnswerPrompt(action domain.Action) string {
	lines := []string{
		"You are a helpful, concise support copilot.",
		"Use the user profile, any retrieved policy snippets, and the conversation to answer the user's latest question.",
		"Ground your answer in the profile and policy context when it is present.",
		"If you looked up policies, briefly mention that you checked the policy documents.",
		"If you updated the user's profile, you may briefly acknowledge it.",
	}
	if action == domain.ActionAskClarification {
		lines = append(lines, "The latest request is unclear: reply with one short clarifying question instead of an answer.")
	}
	return strings.Join(lines, "\n")
}

// buildGroundingContext renders the profile and retrieved policies into the
// context block sent alongside the history. It is never persisted.
func buildGroundingContext(profile map[string]string, hits []domain.PolicyHit) (string, error) {
	if profile == nil {
		profile = map[string]string{}
	}
	rendered, err := yaml.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("usecase: render profile: %w", err)
	}

	var b strings.Builder
	b.WriteString("Context for this conversation:\n")
	b.WriteString("[USER_PROFILE]\n")
	b.Write(rendered)
	for _, h := range hits {
		fmt.Fprintf(&b, "\n[POLICY from %s]\n%s\n", h.Source, strings.TrimSpace(h.Snippet))
	}
	return b.String(), nil
}

func buildAnswerMessages(st domain.TurnState) ([]domain.ChatMessage, error) {
	grounding, err := buildGroundingContext(st.UserProfile, st.RetrievedPolicies)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(st.Messages)+2)
	out = append(out,
		domain.SystemMessage(buildAnswerPrompt(st.NextAction)),
		domain.SystemMessage(grounding),
	)
	return append(out, st.Messages...), nil
}

// summarize collapses whitespace and cuts the text at maxSummaryRunes.
func summarize(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	r := []rune(s)
	if len(r) <= maxSummaryRunes {
		return s
	}
	return strings.TrimSpace(string(r[:maxSummaryRunes])) + "..."
}
