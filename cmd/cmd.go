package cmd

import (
	"io"
	"log/slog"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/sdpipe/envconfig"
	"github.com/jmorganca/sdpipe/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdpipe",
		Short: "Stable Diffusion pipeline tools",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := envconfig.LogLevel
			if s, _ := cmd.Flags().GetString("log-level"); s != "" {
				var err error
				if level, err = logutil.ParseLevel(s); err != nil {
					return err
				}
			}

			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), level))
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn or error (default from SDPIPE_DEBUG)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewGenerateCmd(),
		NewScheduleCmd(),
		NewInspectCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
