package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/term"

	"github.com/jmorganca/sdpipe/envconfig"
)

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			showEnv(w, isTerminal(w))
			return nil
		},
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// showEnv prints a table for terminals and KEY=VALUE lines otherwise.
func showEnv(w io.Writer, table bool) {
	vars := envconfig.AsMap()
	names := maps.Keys(vars)
	slices.Sort(names)

	if !table {
		for _, name := range names {
			fmt.Fprintf(w, "%s=%v\n", name, vars[name].Value)
		}
		return
	}

	t := newTable(w, "NAME", "VALUE", "DESCRIPTION")
	t.SetAutoWrapText(false)
	for _, name := range names {
		v := vars[name]
		t.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
	}
	t.Render()
}
