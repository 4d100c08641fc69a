// Package cmds holds the borak subcommands.
package cmds

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/config"
	"github.com/go-go-golems/borak/pkg/engine"
	"github.com/go-go-golems/borak/pkg/ui"
)

// App carries the settings resolved by the root command to every subcommand.
type App struct {
	Settings config.Settings
	// CredentialsPath overrides $HOME/.borak/credentials.yaml.
	CredentialsPath string
}

func (a *App) credentialsPath() (string, error) {
	if a.CredentialsPath != "" {
		return a.CredentialsPath, nil
	}
	return config.DefaultCredentialsPath()
}

// Client returns an API client for the configured server, authenticated with the stored
// token when one exists for that server.
func (a *App) Client() (*api.Client, error) {
	c, err := api.New(a.Settings.Server, api.WithTimeout(a.Settings.RequestTimeout))
	if err != nil {
		return nil, err
	}
	path, err := a.credentialsPath()
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials(path)
	if err != nil {
		return nil, err
	}
	if tok, ok := creds.For(a.Settings.Server); ok {
		c.SetToken(tok)
	} else {
		log.Debug().Str("server", a.Settings.Server).Msg("no stored login for server")
	}
	return c, nil
}

// Session is a running engine wired to a terminal renderer, plus the optional Redis mirror
// and websocket bridge.
type Session struct {
	Engine   *engine.Engine
	Terminal *ui.Terminal
	Client   *api.Client

	local    *bus.Bus
	mirror   *bus.Bus
	rendered []<-chan struct{}
	cancel   context.CancelFunc
	bridge   chan error
}

// OpenSession builds the engine for interactive and one-shot commands. Close must be called.
func (a *App) OpenSession(ctx context.Context, out io.Writer, echoUser bool) (*Session, error) {
	client, err := a.Client()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{Client: client, cancel: cancel, local: bus.NewMemory()}

	s.Terminal = ui.NewTerminal(out, ui.TerminalOptions{Color: isTerminal(out), EchoUser: echoUser})
	done, err := bus.Dispatch(ctx, s.local, s.Terminal)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.rendered = append(s.rendered, done)

	emitters := bus.Fanout{s.local}
	if a.Settings.Bus.Redis.Enabled {
		s.mirror, err = bus.NewRedis(a.Settings.Bus.Redis)
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, "open redis bus")
		}
		emitters = append(emitters, s.mirror)
	}

	if addr := a.Settings.EventsAddr; addr != "" {
		bridge := ui.NewWSBridge(ui.WSBridgeOptions{SanitizeHTML: a.Settings.SanitizeHTML})
		done, err := bus.Dispatch(ctx, s.local, bridge)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.rendered = append(s.rendered, done)
		s.bridge = make(chan error, 1)
		go func() { s.bridge <- bridge.Run(ctx, addr) }()
	}

	s.Engine = engine.New(client, emitters, engine.Options{
		PageSize:            a.Settings.PageSize,
		Model:               a.Settings.Model,
		AbortOnUnauthorized: a.Settings.AbortStreamOnUnauthorized,
	})
	return s, nil
}

func (s *Session) Close() {
	s.cancel()
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
	_ = s.local.Close()
	for _, done := range s.rendered {
		<-done
	}
	if s.bridge != nil {
		if err := <-s.bridge; err != nil {
			log.Warn().Err(err).Msg("events bridge stopped")
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
