package cmds

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/chat"
)

type sessionList struct {
	Sessions []chat.Session `json:"sessions" yaml:"sessions"`
	HasMore  bool           `json:"has_more" yaml:"has_more"`
}

func (l sessionList) Headers() []string {
	return []string{"ID", "NAME", "MESSAGES", "UPDATED", "PREVIEW"}
}

func (l sessionList) Rows() [][]string {
	rows := make([][]string, 0, len(l.Sessions))
	for _, s := range l.Sessions {
		rows = append(rows, []string{s.ID.String(), s.Name, strconv.Itoa(s.MessageCount), s.UpdatedAt, oneLine(s.Preview, 40)})
	}
	return rows
}

type history struct {
	SessionID chat.SessionID `json:"session_id" yaml:"session_id"`
	Messages  []chat.Message `json:"messages" yaml:"messages"`
}

func (h history) Headers() []string { return []string{"ID", "ROLE", "MODEL", "CONTENT"} }

func (h history) Rows() [][]string {
	rows := make([][]string, 0, len(h.Messages))
	for _, m := range h.Messages {
		content := oneLine(m.Content, 60)
		if m.Partial {
			content += " [partial]"
		}
		rows = append(rows, []string{strconv.FormatInt(m.ID, 10), string(m.Role), m.Model, content})
	}
	return rows
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func parseSessionArg(args []string, i int) (chat.SessionID, error) {
	if len(args) <= i {
		return chat.NoSession, nil
	}
	if _, err := strconv.ParseInt(args[i], 10, 64); err != nil {
		return chat.NoSession, errors.Errorf("invalid session id %q", args[i])
	}
	return chat.SessionID(args[i]), nil
}

func NewSessionsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List and manage chat sessions",
	}

	var (
		output string
		all    bool
		offset int
	)
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			var out sessionList
			for off := offset; ; {
				page, err := client.ListSessions(cmd.Context(), off, app.Settings.PageSize)
				if err != nil {
					return notLoggedIn(err)
				}
				out.Sessions = append(out.Sessions, page.Sessions...)
				out.HasMore = page.HasMore
				off += len(page.Sessions)
				if !all || !page.HasMore || len(page.Sessions) == 0 {
					break
				}
			}
			return writeOutput(cmd.OutOrStdout(), output, out)
		},
	}
	addOutputFlag(ls, &output)
	ls.Flags().BoolVarP(&all, "all", "a", false, "Follow has_more and list every session")
	ls.Flags().IntVar(&offset, "offset", 0, "Skip this many sessions")

	create := &cobra.Command{
		Use:   "new [name]",
		Short: "Create a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			id, err := client.CreateSession(cmd.Context(), name)
			if err != nil {
				return notLoggedIn(err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionArg(args, 0)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(strings.Join(args[1:], " "))
			if name == "" {
				return errors.New("session name must not be empty")
			}
			client, err := app.Client()
			if err != nil {
				return err
			}
			return notLoggedIn(client.RenameSession(cmd.Context(), id, name))
		},
	}

	rm := &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete sessions and their messages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			for i := range args {
				id, err := parseSessionArg(args, i)
				if err != nil {
					return err
				}
				if err := client.DeleteSession(cmd.Context(), id); err != nil {
					if errors.Is(err, api.ErrNotFound) {
						return errors.Errorf("session %s not found", id)
					}
					return notLoggedIn(err)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(ls, create, rename, rm)
	return cmd
}

func NewHistoryCommand(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Print the messages of a session (the most recent one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionArg(args, 0)
			if err != nil {
				return err
			}
			client, err := app.Client()
			if err != nil {
				return err
			}
			msgs, err := client.History(cmd.Context(), id)
			if err != nil {
				return notLoggedIn(err)
			}
			return writeOutput(cmd.OutOrStdout(), output, history{SessionID: id, Messages: msgs})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func NewClearCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session-id>",
		Short: "Delete every message of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionArg(args, 0)
			if err != nil {
				return err
			}
			client, err := app.Client()
			if err != nil {
				return err
			}
			return notLoggedIn(client.ClearHistory(cmd.Context(), id))
		},
	}
}
