package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/cmd/borak/cmds"
	"github.com/go-go-golems/borak/pkg/config"
	"github.com/go-go-golems/borak/pkg/logging"
)

var app = &cmds.App{}

var rootCmd = &cobra.Command{
	Use:           "borak",
	Short:         "borak is a terminal client for a streaming chat service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cmd.Root().PersistentFlags())
		if err != nil {
			return err
		}
		settings, err := config.Load(v)
		if err != nil {
			return err
		}
		// reinitialize the logger now that --log-level and co are parsed
		if err := logging.InitLogger(settings.Settings); err != nil {
			return err
		}
		app.Settings = settings
		return nil
	},
}

func initRootCmd() {
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		cmds.NewLoginCommand(app),
		cmds.NewRegisterCommand(app),
		cmds.NewLogoutCommand(app),
		cmds.NewWhoamiCommand(app),
		cmds.NewChatCommand(app),
		cmds.NewSendCommand(app),
		cmds.NewSessionsCommand(app),
		cmds.NewHistoryCommand(app),
		cmds.NewClearCommand(app),
		cmds.NewArtifactsCommand(app),
		cmds.NewModelsCommand(app),
		cmds.NewStatusCommand(app),
		cmds.NewServiceSettingsCommand(app),
		cmds.NewWatchCommand(app),
		cmds.NewConfigCommand(app),
		cmds.NewDevserverCommand(),
	)
}

func main() {
	cobra.CheckErr(logging.InitLogger(logging.DefaultSettings()))
	initRootCmd()

	err := rootCmd.ExecuteContext(context.Background())
	cobra.CheckErr(err)
}
