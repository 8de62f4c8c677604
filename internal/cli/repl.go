// Package cli runs the interactive copilot loop over a reader and writer.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"policy-copilot/internal/usecase"
)

const (
	Banner  = "Policy copilot ready. Ask about refunds, loans, privacy or tickets. Type 'exit' to quit."
	Prompt  = "You: "
	Goodbye = "Goodbye!"
	Exiting = "Exiting."

	maxLineBytes = 1 << 20
)

// Turner runs one turn. *usecase.TurnService satisfies it.
type Turner interface {
	Run(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type Session struct {
	UserID   string
	ThreadID string
}

// Run reads one message per line from in and writes each reply to out until
// a quit word or end of input. A failed turn ends the loop with its error.
func Run(ctx context.Context, in io.Reader, out io.Writer, t Turner, s Session) error {
	fmt.Fprintln(out, Banner)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(out, Prompt)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return fmt.Errorf("cli: read input: %w", err)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, Exiting)
			return nil
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if isQuit(line) {
			fmt.Fprintln(out, Goodbye)
			return nil
		}

		res, err := t.Run(ctx, usecase.TurnInput{UserID: s.UserID, ThreadID: s.ThreadID, Message: line})
		if err != nil {
			return err
		}
		if s.ThreadID == "" {
			s.ThreadID = res.ThreadID
		}
		log.Debug().
			Str("thread_id", res.ThreadID).
			Str("action", res.Action.String()).
			Bool("profile_updated", res.ProfileUpdated).
			Msg("turn complete")
		fmt.Fprintf(out, "Agent: %s\n\n", res.Reply)
	}
}

func isQuit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit", "q":
		return true
	}
	return false
}
