package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/ctlclient"
	"github.com/matheus3301/chatsync/internal/session"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Session string
	JSON    bool
	Timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "Control a running chatsyncd session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Session = session.Resolve(opts.Session)
			return session.ValidateName(opts.Session)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session name (default $"+session.NameEnv+" or "+session.DefaultName+")")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newConnectionCommands(opts)...)
	cmd.AddCommand(newMessageCommands(opts)...)
	cmd.AddCommand(newChatCommands(opts)...)
	cmd.AddCommand(
		newTypingCommand(opts),
		newPresenceCommand(opts),
		newWatchCommand(opts),
		newConfigCommand(opts),
		newOwnerCommand(opts),
	)
	return cmd
}

// withClient dials the session daemon and runs fn under the request
// timeout.
func withClient(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, c *ctlclient.Client) error) error {
	c, err := ctlclient.New(sessionSocket(opts))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", opts.Session, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v as JSON with --json, otherwise runs text.
func output(cmd *cobra.Command, opts *rootOptions, v any, text func(w io.Writer)) error {
	if opts.JSON {
		return outputJSON(cmd.OutOrStdout(), v)
	}
	text(cmd.OutOrStdout())
	return nil
}

func sessionSocket(opts *rootOptions) string {
	return session.SocketPath(opts.Session)
}

// outputLine writes v as one compact JSON line.
func outputLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
