package cmds

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/ui"
)

func NewWatchCommand(app *App) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the chat of another borak process through Redis",
		Long: "Follow the state events another `borak chat` publishes on Redis Streams " +
			"(bus.redis.enabled). Only events published after watch starts are shown.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := app.Settings.Bus.Redis
			s.Enabled = true
			s.Group = group
			if s.Group == "" {
				// each watcher needs its own group to see every event
				s.Group = app.Settings.Bus.Redis.Group + "-watch-" + uuid.NewString()[:8]
			}
			if err := s.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := bus.NewRedis(s)
			if err != nil {
				return errors.Wrap(err, "open redis bus")
			}
			defer func() { _ = b.Close() }()
			if err := b.EnsureGroupAtTail(ctx, s.Group); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			term := ui.NewTerminal(out, ui.TerminalOptions{Color: isTerminal(out), EchoUser: true})
			done, err := bus.Dispatch(ctx, b, term)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "watching %s on %s (Ctrl-C stops)\n", b.Topic(), s.Addr)
			select {
			case <-ctx.Done():
			case <-done:
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Consumer group (default: a fresh group per watcher)")
	return cmd
}
