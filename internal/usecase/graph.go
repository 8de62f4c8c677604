package usecase

import (
	"context"
	"fmt"

	"policy-copilot/internal/domain"
)

type node string

const (
	nodeIngest     node = "ingest"
	nodePlanner    node = "planner"
	nodeRunTools   node = "run_tools"
	nodeAnswer     node = "answer"
	nodeLogEpisode node = "log_episode"
	nodeEnd        node = "end"
)

// step consumes one state and returns the next; it must not mutate its input.
type step func(ctx context.Context, st domain.TurnState) (domain.TurnState, error)

// transition is the edge function of the turn graph. The only branch is
// after the planner: actions that run tools go through run_tools, the rest
// go straight to answer.
func transition(from node, st domain.TurnState) (node, error) {
	switch from {
	case nodeIngest:
		return nodePlanner, nil
	case nodePlanner:
		switch st.NextAction {
		case domain.ActionSearchPolicies, domain.ActionUpdateProfile:
			return nodeRunTools, nil
		case domain.ActionAnswer, domain.ActionAskClarification:
			return nodeAnswer, nil
		}
		return "", fmt.Errorf("planner left invalid action %q", st.NextAction)
	case nodeRunTools:
		return nodeAnswer, nil
	case nodeAnswer:
		if !st.Done {
			return "", fmt.Errorf("answer node did not mark the turn done")
		}
		return nodeLogEpisode, nil
	case nodeLogEpisode:
		return nodeEnd, nil
	}
	return "", fmt.Errorf("no transition from node %q", from)
}
