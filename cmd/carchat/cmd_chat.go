package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"carchat/cmd/internal/realtime"

	"github.com/spf13/cobra"
)

var (
	chatAs       string
	chatWith     string
	chatListing  string
	chatAutoRead bool
	inboxAs      string
)

const chatHelp = `commands:
  <text>                 send a message
  /edit <id> <text>      edit an own message
  /delete <id>           delete an own message
  /read [id]             mark one or all incoming messages read
  /retry <client_id>     retry a failed send
  /discard <client_id>   drop a failed send
  /quit                  leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a conversation in the terminal",
	Long: `chat opens a live conversation between --as and --with on the configured store.

With the memory store the conversation only lives in this process; use postgres
(or pebble, when no server holds the database) to talk to other clients.

` + chatHelp,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, a, cleanup, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := realtime.OpenSession(ctx, a.SessionDeps(), realtime.SessionOptions{
			Viewer:       chatAs,
			Counterpart:  chatWith,
			ListingRef:   chatListing,
			AutoMarkRead: chatAutoRead,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, chatHelp)

		rendered := make(chan struct{})
		go func() {
			defer close(rendered)
			for st := range s.Updates() {
				renderSession(out, s, st)
			}
		}()
		defer func() {
			_ = s.Close()
			<-rendered
		}()

		lines := make(chan string)
		go readLines(ctx, cmd.InOrStdin(), lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := runChatLine(ctx, cmd, s, line); quit {
					return nil
				}
			}
		}
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Follow the conversation list of a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, a, cleanup, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		in, err := realtime.OpenInbox(ctx, a.SessionDeps(), inboxAs)
		if err != nil {
			return err
		}
		defer in.Close()

		out := cmd.OutOrStdout()
		for {
			select {
			case <-ctx.Done():
				return nil
			case st, ok := <-in.Updates():
				if !ok {
					return nil
				}
				renderInbox(out, st)
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatAs, "as", "", "Viewer user id")
	chatCmd.Flags().StringVar(&chatWith, "with", "", "Counterpart user id")
	chatCmd.Flags().StringVar(&chatListing, "listing", "", "Optional listing reference for new messages")
	chatCmd.Flags().BoolVar(&chatAutoRead, "auto-read", true, "Mark incoming messages read while the chat is open")
	_ = chatCmd.MarkFlagRequired("as")
	_ = chatCmd.MarkFlagRequired("with")

	inboxCmd.Flags().StringVar(&inboxAs, "as", "", "Viewer user id")
	_ = inboxCmd.MarkFlagRequired("as")
}

// readLines forwards r line by line until EOF or ctx ends. A read already blocked
// on r is left to the process exit.
func readLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// runChatLine executes one input line. It reports whether the user asked to quit.
func runChatLine(ctx context.Context, cmd *cobra.Command, s *realtime.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		s.Keystroke()
		report(cmd, s.Send(ctx, line))
		return false
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "/quit", "/q":
		return true
	case "/edit":
		id, body, _ := strings.Cut(rest, " ")
		report(cmd, s.EditMessage(ctx, id, body))
	case "/delete":
		report(cmd, s.DeleteMessage(ctx, rest))
	case "/read":
		if rest == "" {
			report(cmd, s.MarkAllRead(ctx))
		} else {
			report(cmd, s.MarkRead(ctx, rest))
		}
	case "/retry":
		report(cmd, s.Retry(ctx, rest))
	case "/discard":
		if !s.Discard(rest) {
			report(cmd, fmt.Errorf("no failed message %q", rest))
		}
	default:
		fmt.Fprintln(cmd.ErrOrStderr(), chatHelp)
	}
	return false
}

func report(cmd *cobra.Command, err error) {
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "! %v\n", err)
	}
}

func renderSession(w io.Writer, s *realtime.Session, st realtime.SessionState) {
	header := fmt.Sprintf("--- %s <-> %s [%s]", s.Viewer(), s.Counterpart(), st.Subscription)
	if st.Stale {
		header += " (offline, showing last known)"
	}
	if st.Typing {
		header += " typing..."
	}
	fmt.Fprintln(w, header)

	for _, m := range st.Messages {
		var flags []string
		switch {
		case m.Failed:
			flags = append(flags, "failed: "+m.Error, "client_id="+m.ClientMsgID)
		case m.Pending:
			flags = append(flags, "sending")
		default:
			if m.Read && m.SenderID == s.Viewer() {
				flags = append(flags, "read")
			}
			if m.Edited {
				flags = append(flags, "edited")
			}
			flags = append(flags, "id="+m.ID)
		}
		fmt.Fprintf(w, "%s %-10s %s  (%s)\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Body, strings.Join(flags, ", "))
	}
	if st.Err != nil {
		fmt.Fprintf(w, "! %v\n", st.Err)
	}
}

func renderInbox(w io.Writer, st realtime.InboxState) {
	fmt.Fprintf(w, "--- inbox [%s] unread=%d\n", st.Subscription, st.Unread)
	for _, e := range st.Entries {
		fmt.Fprintf(w, "%-12s %3d  %s: %s\n", e.Counterpart, e.Unread, e.Last.SenderID, e.Last.Body)
	}
	if st.Err != nil {
		fmt.Fprintf(w, "! %v\n", st.Err)
	}
}
