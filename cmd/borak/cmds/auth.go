package cmds

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/term"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/config"
)

type credentialFlags struct {
	username      string
	passwordStdin bool
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.username, "username", "u", "", "Username (prompted when empty)")
	cmd.Flags().BoolVar(&f.passwordStdin, "password-stdin", false, "Read the password from stdin")
}

// ask collects username and password, prompting on the terminal for what the flags leave out.
func (f *credentialFlags) ask(cmd *cobra.Command) (string, string, error) {
	in := cmd.InOrStdin()
	out := cmd.ErrOrStderr()

	username := strings.TrimSpace(f.username)
	if username == "" {
		ui := &input.UI{Writer: out, Reader: in}
		answer, err := ui.Ask("Username", &input.Options{
			Required:  true,
			Loop:      true,
			HideOrder: true,
		})
		if err != nil {
			return "", "", errors.Wrap(err, "read username")
		}
		username = strings.TrimSpace(answer)
	}

	if f.passwordStdin {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", errors.Wrap(err, "read password")
		}
		return username, strings.TrimRight(line, "\r\n"), nil
	}

	file, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return "", "", errors.New("no terminal to prompt for the password, use --password-stdin")
	}
	_, _ = fmt.Fprint(out, "Password: ")
	b, err := term.ReadPassword(int(file.Fd()))
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", "", errors.Wrap(err, "read password")
	}
	return username, string(b), nil
}

func NewLoginCommand(app *App) *cobra.Command {
	var flags credentialFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := flags.ask(cmd)
			if err != nil {
				return err
			}
			client, err := api.New(app.Settings.Server, api.WithTimeout(app.Settings.RequestTimeout))
			if err != nil {
				return err
			}
			token, err := client.Login(cmd.Context(), username, password)
			if err != nil {
				if errors.Is(err, api.ErrUnauthorized) {
					return errors.New("invalid username or password")
				}
				return err
			}
			path, err := app.credentialsPath()
			if err != nil {
				return err
			}
			if err := config.SaveCredentials(path, config.Credentials{Server: app.Settings.Server, Username: username, Token: token}); err != nil {
				return err
			}
			log.Debug().Str("credentials", path).Msg("saved login")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s as %s\n", app.Settings.Server, username)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func NewRegisterCommand(app *App) *cobra.Command {
	var flags credentialFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account on the chat service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := flags.ask(cmd)
			if err != nil {
				return err
			}
			client, err := api.New(app.Settings.Server, api.WithTimeout(app.Settings.RequestTimeout))
			if err != nil {
				return err
			}
			if err := client.Register(cmd.Context(), username, password); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s, run `borak login` to start\n", username)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func NewLogoutCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			if client.Token() != "" {
				if err := client.Logout(cmd.Context()); err != nil && !errors.Is(err, api.ErrUnauthorized) {
					log.Warn().Err(err).Msg("service logout failed, forgetting the local session anyway")
				}
			}
			path, err := app.credentialsPath()
			if err != nil {
				return err
			}
			if err := config.DeleteCredentials(path); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return err
		},
	}
}

func NewWhoamiCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			u, err := client.Me(cmd.Context())
			if err != nil {
				return notLoggedIn(err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d) on %s\n", u.Username, u.ID, app.Settings.Server)
			return err
		},
	}
}

// notLoggedIn replaces a 401 with a hint to log in.
func notLoggedIn(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		return errors.New("not logged in, run `borak login`")
	}
	return err
}
