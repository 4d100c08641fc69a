package cmds

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

// Tabular is implemented by list results that can print as a table.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

func addOutputFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "output", "o", OutputTable, "Output format (table, json, yaml)")
}

// writeOutput prints v in the requested format. Table output needs v to be Tabular.
func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "encode json")
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case OutputTable, "":
		t, ok := v.(Tabular)
		if !ok {
			return errors.Errorf("%T cannot be printed as a table", v)
		}
		rows := t.Rows()
		if len(rows) == 0 {
			_, err := fmt.Fprintln(w, "(none)")
			return err
		}
		tbl := table.New().
			Border(lipgloss.NormalBorder()).
			Headers(t.Headers()...).
			Rows(rows...)
		_, err := fmt.Fprintln(w, tbl.String())
		return err
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}
