package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/teeny-agents/pkg/loop"
	"github.com/rcliao/teeny-agents/pkg/provider"
)

const defaultSession = "cli:default"

func newRunCmd(g *globalFlags) *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt through the agent loop and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			reply, err := a.converse(cmd.Context(), sessionKey, g.provider, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionKey, "session", "s", defaultSession, "session key")
	return cmd
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat; /reset clears history, /exit quits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.chat(cmd, sessionKey, g.provider, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&sessionKey, "session", "s", defaultSession, "session key")
	return cmd
}

func (a *app) chat(cmd *cobra.Command, sessionKey, providerID string, in io.Reader) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := a.sessions.Reset(sessionKey); err != nil {
				return err
			}
			fmt.Fprintln(out, "(history cleared)")
			continue
		}

		reply, err := a.converse(cmd.Context(), sessionKey, providerID, line)
		if err != nil {
			if cmd.Context().Err() != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

func newStreamCmd(g *globalFlags) *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "stream <prompt>",
		Short: "Stream a single completion (no tools) and print it as it arrives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.agent.Stream(cmd.Context(), loop.Input{
				SessionID:  sessionKey,
				Text:       strings.Join(args, " "),
				History:    a.sessions.GetHistory(sessionKey),
				ProviderID: g.provider,
			})
			if err != nil {
				return err
			}
			return printStream(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVarP(&sessionKey, "session", "s", defaultSession, "session whose history is sent")
	return cmd
}

// printStream writes text deltas as they arrive, then a usage line.
func printStream(w io.Writer, s provider.Stream) error {
	var usage *provider.Usage
	for ev, err := range provider.Events(s) {
		if err != nil {
			fmt.Fprintln(w)
			return err
		}
		switch ev.Type {
		case provider.EventTextDelta:
			fmt.Fprint(w, ev.Text)
		case provider.EventMessageDelta:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		}
	}
	fmt.Fprintln(w)
	if usage != nil {
		fmt.Fprintf(w, "[%d input, %d output tokens]\n", usage.InputTokens, usage.OutputTokens)
	}
	return nil
}
