package cmds

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/generation"
	"github.com/go-go-golems/borak/pkg/sessions"
)

const replHelp = `Commands:
  /new [name]        start a new session
  /sessions          list sessions (/more loads the next page)
  /switch <id>       switch to a session
  /rename <name>     rename the current session
  /delete [id]       delete a session (the current one by default)
  /clear             delete the messages of the current session
  /history           print the current session again
  /continue          resume an interrupted reply
  /stop              stop the running reply (Ctrl-C does the same)
  /model [name]      show or select the model
  /image <path>      attach an image to the next message
  /artifacts         list the artifacts of the current session
  /show <id>         print an artifact
  /copy <id>         copy an artifact to the clipboard
  /quit              leave (Ctrl-D does the same)
`

// errQuit ends the REPL loop.
var errQuit = errors.New("quit")

// splitCommand splits "/name rest" into its parts. ok is false for chat messages.
func splitCommand(line string) (name, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

// unescapeMessage turns a leading "//" into a literal "/".
func unescapeMessage(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "//") {
		return strings.TrimPrefix(strings.TrimSpace(line), "/")
	}
	return line
}

func loadImage(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read image")
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

type repl struct {
	s      *Session
	out    io.Writer
	images []string
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) handle(ctx context.Context, line string) error {
	name, arg, isCmd := splitCommand(line)
	if !isCmd {
		text := strings.TrimSpace(unescapeMessage(line))
		if text == "" {
			return nil
		}
		images := r.images
		r.images = nil
		if len(images) > 0 && !r.s.Engine.Catalog().IsVision(r.s.Engine.Model()) {
			r.printf("%s does not take images, sending the text only\n", r.s.Engine.Model())
		}
		return r.s.Engine.Send(ctx, text, images)
	}

	e := r.s.Engine
	switch name {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		r.printf("%s", replHelp)
	case "new":
		_, err := e.NewSession(ctx, arg)
		return err
	case "sessions", "ls":
		if err := e.Sessions.Refresh(ctx); err != nil {
			return err
		}
		r.s.Terminal.PrintSessions()
		if e.Sessions.HasMore() {
			r.printf("(more sessions, /more loads them)\n")
		}
	case "more":
		if err := e.Sessions.LoadMore(ctx); err != nil {
			return err
		}
		r.s.Terminal.PrintSessions()
	case "switch":
		id, err := parseSessionArg([]string{arg}, 0)
		if err != nil || id.IsZero() {
			return errors.New("usage: /switch <session id>")
		}
		return e.SwitchTo(ctx, id)
	case "rename":
		if e.Sessions.Current().IsZero() {
			return errors.New("no session yet, send a message first")
		}
		return e.RenameSession(ctx, e.Sessions.Current(), arg)
	case "delete", "rm":
		id := e.Sessions.Current()
		if arg != "" {
			var err error
			if id, err = parseSessionArg([]string{arg}, 0); err != nil {
				return err
			}
		}
		if id.IsZero() {
			return errors.New("no session to delete")
		}
		return e.DeleteSession(ctx, id)
	case "clear":
		return e.ClearHistory(ctx)
	case "history":
		if e.Sessions.Current().IsZero() {
			r.printf("new conversation, nothing to show\n")
			return nil
		}
		return e.LoadSession(ctx, e.Sessions.Current())
	case "continue":
		return e.Continue(ctx)
	case "stop":
		return e.Stop(ctx)
	case "model":
		if arg == "" {
			cat := e.Catalog()
			for _, m := range cat.Models {
				mark := " "
				if m == e.Model() {
					mark = "*"
				}
				vision := ""
				if cat.IsVision(m) {
					vision = " (vision)"
				}
				r.printf("%s %s%s\n", mark, m, vision)
			}
			return nil
		}
		if err := e.SelectModel(arg); err != nil {
			return err
		}
		r.printf("model: %s\n", arg)
	case "image":
		if arg == "" {
			return errors.New("usage: /image <path>")
		}
		img, err := loadImage(arg)
		if err != nil {
			return err
		}
		r.images = append(r.images, img)
		r.printf("attached %s (%d pending)\n", arg, len(r.images))
	case "artifacts":
		r.s.Terminal.PrintArtifacts()
	case "show", "copy":
		id, err := parseArtifactID(arg)
		if err != nil {
			return err
		}
		a, ok := e.Artifacts.Find(id)
		if !ok {
			return errors.Errorf("artifact %d is not in this session", id)
		}
		if name == "copy" {
			return errors.Wrap(clipboard.WriteAll(a.Content), "write clipboard")
		}
		body := a.Content
		if a.Type == chat.ArtifactCode {
			body = "```" + a.Language + "\n" + a.Content + "\n```"
		}
		r.printf("%s", r.s.Terminal.Markdown("## "+a.Title+"\n\n"+body))
	default:
		return errors.Errorf("unknown command /%s, /help lists them", name)
	}
	return nil
}

// describe turns engine errors into short messages for the prompt.
func describe(err error) string {
	switch {
	case errors.Is(err, generation.ErrBusy), errors.Is(err, sessions.ErrGenerationActive):
		return "a reply is still streaming, /stop it first"
	case errors.Is(err, generation.ErrNotGenerating):
		return "nothing is running"
	case errors.Is(err, generation.ErrNothingToContinue):
		return "the last reply was not interrupted"
	}
	return notLoggedIn(err).Error()
}

// stopOnInterrupt stops the running generation on Ctrl-C until the returned func is called.
func stopOnInterrupt(ctx context.Context, s *Session, out io.Writer) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
				if s.Engine.Generation.IsGenerating() {
					if err := s.Engine.Stop(ctx); err != nil {
						log.Warn().Err(err).Msg("stop request failed")
					}
					continue
				}
				_, _ = fmt.Fprintln(out, "\n(/quit or Ctrl-D leaves)")
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func NewChatCommand(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			s, err := app.OpenSession(ctx, out, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Engine.Init(ctx); err != nil {
				return notLoggedIn(err)
			}
			if session != "" {
				id, err := parseSessionArg([]string{session}, 0)
				if err != nil {
					return err
				}
				if err := s.Engine.SwitchTo(ctx, id); err != nil {
					return err
				}
			}
			user, _ := s.Engine.User()
			_, _ = fmt.Fprintf(out, "%s on %s, model %s. /help lists commands.\n", user.Username, app.Settings.Server, s.Engine.Model())

			release := stopOnInterrupt(ctx, s, out)
			defer release()

			r := &repl{s: s, out: out}
			in := bufio.NewScanner(cmd.InOrStdin())
			in.Buffer(make([]byte, 64*1024), 1024*1024)
			for {
				_, _ = fmt.Fprint(out, "> ")
				if !in.Scan() {
					_, _ = fmt.Fprintln(out)
					return in.Err()
				}
				if err := r.handle(ctx, in.Text()); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					_, _ = fmt.Fprintf(out, "! %s\n", describe(err))
				}
			}
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Open this session instead of the most recent one")
	return cmd
}

func NewSendCommand(app *App) *cobra.Command {
	var (
		session string
		newOne  bool
		images  []string
	)
	cmd := &cobra.Command{
		Use:   "send <message>...",
		Short: "Send one message and stream the reply (\"-\" reads the message from stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text := strings.Join(args, " ")
			if text == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read message")
				}
				text = string(b)
			}
			var encoded []string
			for _, p := range images {
				img, err := loadImage(p)
				if err != nil {
					return err
				}
				encoded = append(encoded, img)
			}

			s, err := app.OpenSession(ctx, cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Engine.Init(ctx); err != nil {
				return notLoggedIn(err)
			}
			switch {
			case newOne:
				if _, err := s.Engine.NewSession(ctx, ""); err != nil {
					return err
				}
			case session != "":
				id, err := parseSessionArg([]string{session}, 0)
				if err != nil {
					return err
				}
				if err := s.Engine.SwitchTo(ctx, id); err != nil {
					return err
				}
			}

			release := stopOnInterrupt(ctx, s, cmd.ErrOrStderr())
			defer release()
			if err := s.Engine.Send(ctx, text, encoded); err != nil {
				return errors.New(describe(err))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Send to this session (the most recent one by default)")
	cmd.Flags().BoolVarP(&newOne, "new", "n", false, "Start a new session")
	cmd.Flags().StringSliceVarP(&images, "image", "i", nil, "Attach an image file (vision models only)")
	return cmd
}
