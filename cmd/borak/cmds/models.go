package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/pkg/chat"
)

type modelList struct {
	chat.ModelCatalog `yaml:",inline"`
}

func (l modelList) Headers() []string { return []string{"MODEL", "DEFAULT", "VISION"} }

func (l modelList) Rows() [][]string {
	rows := make([][]string, 0, len(l.Models))
	for _, m := range l.Models {
		rows = append(rows, []string{m, yesNo(m == l.Default), yesNo(l.IsVision(m))})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func NewModelsCommand(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the service offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			catalog, err := client.Models(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, modelList{catalog})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func NewStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service's record of a running or interrupted generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			st, err := client.GenerationStatus(cmd.Context())
			if err != nil {
				return notLoggedIn(err)
			}
			return writeOutput(cmd.OutOrStdout(), OutputYAML, st)
		},
	}
}

// NewServiceSettingsCommand reads and replaces the per-user settings document the service
// stores for the web front end.
func NewServiceSettingsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or replace the settings stored on the service",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored settings as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			raw, err := client.Settings(cmd.Context())
			if err != nil {
				return notLoggedIn(err)
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	set := &cobra.Command{
		Use:   "set [json]",
		Short: "Replace the stored settings with a JSON document (read from stdin without argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc []byte
			if len(args) == 1 {
				doc = []byte(args[0])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read settings")
				}
				doc = b
			}
			if !json.Valid(doc) {
				return errors.New("settings must be a JSON document")
			}
			client, err := app.Client()
			if err != nil {
				return err
			}
			return notLoggedIn(client.PutSettings(cmd.Context(), json.RawMessage(strings.TrimSpace(string(doc)))))
		},
	}
	presets := &cobra.Command{
		Use:   "presets",
		Short: "Print the prompt presets offered by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.Client()
			if err != nil {
				return err
			}
			raw, err := client.Presets(cmd.Context())
			if err != nil {
				return notLoggedIn(err)
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.AddCommand(get, set, presets)
	return cmd
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return errors.Wrap(err, "decode response")
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
