package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/ctlclient"
	"github.com/matheus3301/chatsync/internal/model"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection and store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return output(cmd, opts, st, func(w io.Writer) {
					fmt.Fprintf(w, "Session:  %s\n", opts.Session)
					fmt.Fprintf(w, "State:    %s\n", st.State)
					if st.RTT > 0 {
						fmt.Fprintf(w, "RTT:      %s\n", st.RTT)
					}
					if st.Attempt > 0 {
						fmt.Fprintf(w, "Attempt:  %d (next in %s)\n", st.Attempt, st.NextRetryDelay)
					}
					if st.LastError != "" {
						fmt.Fprintf(w, "Error:    %s\n", st.LastError)
					}
					if st.ActiveChat != "" {
						fmt.Fprintf(w, "Active:   %s\n", st.ActiveChat)
					}
					fmt.Fprintf(w, "Messages: %d (%d pending, %d deferred events)\n", st.Messages, st.Pending, st.Deferred)
					fmt.Fprintf(w, "Unread:   %d\n", st.TotalUnread)
				})
			})
		},
	}
}

// simple builds a command that runs one argument-less control call.
func simple(opts *rootOptions, use, short string, call func(*ctlclient.Client, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				return call(c, ctx)
			})
		},
	}
}

func newConnectionCommands(opts *rootOptions) []*cobra.Command {
	return []*cobra.Command{
		simple(opts, "connect", "Connect and keep reconnecting", (*ctlclient.Client).Connect),
		simple(opts, "disconnect", "Close the connection and stop reconnecting", (*ctlclient.Client).Disconnect),
		simple(opts, "reconnect", "Drop the connection and dial again now", (*ctlclient.Client).Reconnect),
		simple(opts, "network-up", "Report that the network came back", (*ctlclient.Client).NetworkUp),
		simple(opts, "foreground", "Report that the app returned to the foreground", (*ctlclient.Client).Foreground),
	}
}

func printMessage(w io.Writer, m *model.Message) {
	body := m.Content
	switch {
	case m.Tombstoned():
		body = "(deleted)"
	case m.Type.IsMedia():
		body = fmt.Sprintf("[%s %s] %s", m.Type, m.FileName, m.Content)
	}
	edited := ""
	if !m.EditedAt.IsZero() {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s%s\n", m.CreatedAt.Local().Format(time.DateTime), m.ID, m.SenderID, m.Status, body, edited)
}

func newMessageCommands(opts *rootOptions) []*cobra.Command {
	var replyTo, caption string
	send := &cobra.Command{
		Use:   "send <chat-id> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				m, err := c.SendText(ctx, args[0], strings.Join(args[1:], " "), replyTo)
				if err != nil {
					return err
				}
				return output(cmd, opts, m, func(w io.Writer) { fmt.Fprintf(w, "queued %s\n", m.ID) })
			})
		},
	}
	send.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")

	sendFile := &cobra.Command{
		Use:   "send-file <chat-id> <path>",
		Short: "Upload a file and send it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				m, err := c.SendFile(ctx, args[0], args[1], caption)
				if err != nil {
					return err
				}
				return output(cmd, opts, m, func(w io.Writer) { fmt.Fprintf(w, "queued %s (%s)\n", m.ID, m.Type) })
			})
		},
	}
	sendFile.Flags().StringVar(&caption, "caption", "", "text sent with the file")

	var forEveryone bool
	del := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message for yourself or everyone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				return c.Delete(ctx, args[0], forEveryone)
			})
		},
	}
	del.Flags().BoolVar(&forEveryone, "everyone", false, "delete for every participant")

	return []*cobra.Command{
		send,
		sendFile,
		{
			Use:   "edit <message-id> <text>...",
			Short: "Edit one of your messages",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.Edit(ctx, args[0], strings.Join(args[1:], " "))
				})
			},
		},
		del,
		{
			Use:   "react <message-id> <emoji>",
			Short: "React to a message, replacing your previous reaction",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.React(ctx, args[0], args[1])
				})
			},
		},
		{
			Use:   "unreact <message-id>",
			Short: "Remove your reaction",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.Unreact(ctx, args[0])
				})
			},
		},
		{
			Use:   "retry <message-id>",
			Short: "Resend a failed message",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.Retry(ctx, args[0])
				})
			},
		},
		{
			Use:   "read <message-id>",
			Short: "Mark one message read",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.MarkRead(ctx, args[0])
				})
			},
		},
	}
}

func newChatCommands(opts *rootOptions) []*cobra.Command {
	var limit int
	messages := &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "List a chat's messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				msgs, err := c.ListMessages(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return output(cmd, opts, msgs, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					for _, m := range msgs {
						printMessage(tw, m)
					}
					_ = tw.Flush()
				})
			})
		},
	}
	messages.Flags().IntVarP(&limit, "limit", "n", 50, "newest messages to show (0 for all)")

	var unmute bool
	mute := &cobra.Command{
		Use:   "mute <chat-id>",
		Short: "Exclude a chat from the unread total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				return c.Mute(ctx, args[0], !unmute)
			})
		},
	}
	mute.Flags().BoolVar(&unmute, "off", false, "unmute instead")

	var searchChat string
	var searchLimit int
	search := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search cached messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				results, err := c.Search(ctx, strings.Join(args, " "), searchChat, searchLimit)
				if err != nil {
					return err
				}
				return output(cmd, opts, results, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					for _, r := range results {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", time.UnixMilli(r.Created).Local().Format(time.DateTime), r.ChatID, r.SenderID, r.Snippet)
					}
					_ = tw.Flush()
				})
			})
		},
	}
	search.Flags().StringVar(&searchChat, "chat", "", "restrict to one chat")
	search.Flags().IntVarP(&searchLimit, "limit", "n", 20, "maximum results")

	return []*cobra.Command{
		{
			Use:   "chats",
			Short: "List chats with unread counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					chats, err := c.ListChats(ctx)
					if err != nil {
						return err
					}
					return output(cmd, opts, chats, func(w io.Writer) {
						tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "ID\tNAME\tUNREAD\tMUTED\tTYPING")
						for _, ch := range chats {
							fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", ch.ID, ch.Name, ch.UnreadCount, ch.IsMuted, strings.Join(ch.TypingUserIDs, ","))
						}
						_ = tw.Flush()
					})
				})
			},
		},
		messages,
		{
			Use:   "open [chat-id]",
			Short: "Make a chat active and load its newest page; no argument closes it",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				chatID := ""
				if len(args) == 1 {
					chatID = args[0]
				}
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.Open(ctx, chatID)
				})
			},
		},
		{
			Use:   "older <chat-id>",
			Short: "Load the next older page of the active chat",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					return c.LoadOlder(ctx, args[0])
				})
			},
		},
		{
			Use:   "read-chat <chat-id>",
			Short: "Mark every message of a chat read",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					n, err := c.MarkChatRead(ctx, args[0])
					if err != nil {
						return err
					}
					return output(cmd, opts, map[string]int{"marked": n}, func(w io.Writer) {
						fmt.Fprintf(w, "marked %d read\n", n)
					})
				})
			},
		},
		{
			Use:   "unread [chat-id]",
			Short: "Show the unread total, or one chat's count",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				chatID := ""
				if len(args) == 1 {
					chatID = args[0]
				}
				return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
					total, count, err := c.Unread(ctx, chatID)
					if err != nil {
						return err
					}
					v := map[string]any{"total": total}
					if chatID != "" {
						v["chatId"] = chatID
						v["count"] = count
					}
					return output(cmd, opts, v, func(w io.Writer) {
						if chatID != "" {
							fmt.Fprintf(w, "%s: %d\n", chatID, count)
						}
						fmt.Fprintf(w, "total: %d\n", total)
					})
				})
			},
		},
		mute,
		search,
	}
}

func newTypingCommand(opts *rootOptions) *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "typing <chat-id>",
		Short: "Signal that you are typing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				return c.Typing(ctx, args[0], stop)
			})
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "signal that you stopped typing")
	return cmd
}

func newPresenceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "presence <user-id>",
		Short: "Show a user's last known presence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *ctlclient.Client) error {
				p, err := c.Presence(ctx, args[0])
				if err != nil {
					return err
				}
				return output(cmd, opts, p, func(w io.Writer) {
					if p.Online {
						fmt.Fprintf(w, "%s: online\n", p.UserID)
					} else if !p.LastSeen.IsZero() {
						fmt.Fprintf(w, "%s: last seen %s\n", p.UserID, p.LastSeen.Local().Format(time.DateTime))
					} else {
						fmt.Fprintf(w, "%s: offline\n", p.UserID)
					}
				})
			})
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [kind-prefix]",
		Short: "Stream change notifications until interrupted",
		Long: `Stream change notifications. The optional prefix filters by kind,
e.g. "message." or "conn.". Events are printed one JSON object per line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c, err := ctlclient.New(sessionSocket(opts))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			// No timeout: the stream runs until the user stops it.
			for evt, err := range c.Watch(cmd.Context(), prefix) {
				if err != nil {
					return err
				}
				if err := outputLine(cmd.OutOrStdout(), evt); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
