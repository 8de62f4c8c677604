package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"policy-copilot/internal/domain"
	"policy-copilot/internal/usecase"
)

type fakeTurner struct {
	inputs []usecase.TurnInput
	err    error
}

func (f *fakeTurner) Run(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return usecase.TurnOutput{}, f.err
	}
	threadID := in.ThreadID
	if threadID == "" {
		threadID = "generated"
	}
	return usecase.TurnOutput{
		Reply:    "echo: " + in.Message,
		ThreadID: threadID,
		Action:   domain.ActionAnswer,
	}, nil
}

func TestRun_QuitWord(t *testing.T) {
	turner := &fakeTurner{}
	var out bytes.Buffer
	err := Run(context.Background(), strings.NewReader("What is your refund policy?\n\n  QUIT \nignored\n"), &out, turner, Session{UserID: "u1", ThreadID: "u1"})
	require.NoError(t, err)

	require.Len(t, turner.inputs, 1)
	require.Equal(t, usecase.TurnInput{UserID: "u1", ThreadID: "u1", Message: "What is your refund policy?"}, turner.inputs[0])
	require.Equal(t,
		Banner+"\n"+Prompt+"Agent: echo: What is your refund policy?\n\n"+Prompt+Prompt+Goodbye+"\n",
		out.String())
}

func TestRun_EOF(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), strings.NewReader("hello"), &out, &fakeTurner{}, Session{UserID: "u1", ThreadID: "t"})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out.String(), "Agent: echo: hello\n\n"+Prompt+"\n"+Exiting+"\n"))
}

func TestRun_KeepsGeneratedThread(t *testing.T) {
	turner := &fakeTurner{}
	err := Run(context.Background(), strings.NewReader("one\ntwo\nq\n"), &bytes.Buffer{}, turner, Session{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, turner.inputs, 2)
	require.Empty(t, turner.inputs[0].ThreadID)
	require.Equal(t, "generated", turner.inputs[1].ThreadID)
}

func TestRun_TurnErrorAborts(t *testing.T) {
	boom := errors.New("gateway down")
	turner := &fakeTurner{err: boom}
	err := Run(context.Background(), strings.NewReader("hello\nagain\n"), &bytes.Buffer{}, turner, Session{UserID: "u1"})
	require.ErrorIs(t, err, boom)
	require.Len(t, turner.inputs, 1)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, strings.NewReader("hello\n"), &bytes.Buffer{}, &fakeTurner{}, Session{UserID: "u1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsQuit(t *testing.T) {
	for _, w := range []string{"exit", "Quit", "q", "EXIT"} {
		require.True(t, isQuit(w), w)
	}
	for _, w := range []string{"quit please", "exiting", ""} {
		require.False(t, isQuit(w), w)
	}
}
