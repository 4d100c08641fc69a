package cmds

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/pkg/artifacts"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/ui"
)

type artifactList []chat.Artifact

func (l artifactList) Headers() []string {
	return []string{"ID", "TYPE", "TITLE", "LANGUAGE", "SESSION", "CREATED"}
}

func (l artifactList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, a := range l {
		rows = append(rows, []string{strconv.FormatInt(a.ID, 10), string(a.Type), a.Title, a.Language, a.SourceSessionID.String(), a.CreatedAt})
	}
	return rows
}

// flatten orders a set by type, then by id.
func flatten(set chat.ArtifactSet) artifactList {
	var out artifactList
	for _, list := range set {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func parseArtifactID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid artifact id %q", s)
	}
	return id, nil
}

func (a *App) findArtifact(cmd *cobra.Command, arg string) (chat.Artifact, error) {
	id, err := parseArtifactID(arg)
	if err != nil {
		return chat.Artifact{}, err
	}
	client, err := a.Client()
	if err != nil {
		return chat.Artifact{}, err
	}
	set, err := client.UserArtifacts(cmd.Context(), "")
	if err != nil {
		return chat.Artifact{}, notLoggedIn(err)
	}
	art, ok := set.Find(id)
	if !ok {
		return chat.Artifact{}, errors.Errorf("artifact %d not found", id)
	}
	return art, nil
}

func NewArtifactsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "artifacts",
		Aliases: []string{"artifact"},
		Short:   "Browse the code, reasoning and documents extracted from replies",
	}

	var (
		output  string
		typ     string
		session string
	)
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var t chat.ArtifactType
			if typ != "" {
				var ok bool
				if t, ok = chat.NormalizeArtifactType(typ); !ok {
					return errors.Errorf("unknown artifact type %q", typ)
				}
			}
			client, err := app.Client()
			if err != nil {
				return err
			}
			set, err := client.UserArtifacts(cmd.Context(), t)
			if err != nil {
				return notLoggedIn(err)
			}
			if session != "" {
				id, err := parseSessionArg([]string{session}, 0)
				if err != nil {
					return err
				}
				set = set.Filter(id)
			}
			return writeOutput(cmd.OutOrStdout(), output, flatten(set))
		},
	}
	addOutputFlag(ls, &output)
	ls.Flags().StringVarP(&typ, "type", "t", "", "Only this type (code, thought, document)")
	ls.Flags().StringVarP(&session, "session", "s", "", "Only artifacts of this session")

	rm := &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete artifacts",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			for _, arg := range args {
				id, err := parseArtifactID(arg)
				if err != nil {
					return err
				}
				if err := client.DeleteArtifact(cmd.Context(), id); err != nil {
					return notLoggedIn(err)
				}
			}
			return nil
		},
	}

	var (
		html bool
		raw  bool
	)
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := app.findArtifact(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case html:
				preview, err := artifacts.RenderPreview(art, app.Settings.SanitizeHTML)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, preview)
				return err
			case raw:
				_, err = fmt.Fprintln(out, art.Content)
				return err
			}
			body := art.Content
			if art.Type == chat.ArtifactCode {
				body = "```" + art.Language + "\n" + art.Content + "\n```"
			}
			term := ui.NewTerminal(out, ui.TerminalOptions{Color: isTerminal(out)})
			_, err = fmt.Fprint(out, term.Markdown("## "+art.Title+"\n\n"+body))
			return err
		},
	}
	show.Flags().BoolVar(&html, "html", false, "Print the HTML preview (sanitized unless sanitize-html is off)")
	show.Flags().BoolVar(&raw, "raw", false, "Print the content unformatted")

	copyCmd := &cobra.Command{
		Use:   "copy <id>",
		Short: "Copy an artifact's content to the clipboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := app.findArtifact(cmd, args[0])
			if err != nil {
				return err
			}
			if err := clipboard.WriteAll(art.Content); err != nil {
				return errors.Wrap(err, "write clipboard")
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Copied %q (%d bytes)\n", art.Title, len(art.Content))
			return err
		},
	}

	var saveTo string
	save := &cobra.Command{
		Use:   "save <id>",
		Short: "Write an artifact to a file named after its title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := app.findArtifact(cmd, args[0])
			if err != nil {
				return err
			}
			path := saveTo
			if path == "" {
				path = filepath.Base(artifacts.ExportName(art, 0))
			}
			if err := os.WriteFile(path, []byte(art.Content), 0o644); err != nil {
				return errors.Wrap(err, "write artifact")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	save.Flags().StringVarP(&saveTo, "file", "f", "", "Output file")

	var (
		zipTo      string
		zipSession string
	)
	download := &cobra.Command{
		Use:   "download",
		Short: "Download artifacts as a zip archive",
		Long:  "Download the artifacts of one session (--session) or of every session as a zip archive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			path := zipTo
			var id chat.SessionID
			if zipSession != "" {
				if id, err = parseSessionArg([]string{zipSession}, 0); err != nil {
					return err
				}
			}
			if path == "" {
				path = "artifacts.zip"
				if !id.IsZero() {
					path = "session_" + id.String() + "_artifacts.zip"
				}
			}
			f, err := os.Create(path)
			if err != nil {
				return errors.Wrap(err, "create archive")
			}
			var n int64
			if id.IsZero() {
				n, err = client.DownloadUserArtifacts(cmd.Context(), f)
			} else {
				n, err = client.DownloadSessionArtifacts(cmd.Context(), id, f)
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(path)
				return notLoggedIn(err)
			}
			log.Debug().Str("path", path).Int64("bytes", n).Msg("saved artifacts archive")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", path, n)
			return err
		},
	}
	download.Flags().StringVarP(&zipTo, "file", "f", "", "Output file")
	download.Flags().StringVarP(&zipSession, "session", "s", "", "Only this session")

	cmd.AddCommand(ls, rm, show, copyCmd, save, download)
	return cmd
}
