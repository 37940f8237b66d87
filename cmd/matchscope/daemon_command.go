package main

import (
	"github.com/spf13/cobra"

	"matchscope/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var development bool
	var format string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatcher loop in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    ctx.logLevel(cfg),
				LogFormat:   format,
				Development: development,
			})
		},
	}
	cmd.Flags().BoolVar(&development, "development", false, "Include source locations in log output")
	cmd.Flags().StringVar(&format, "log-format", "", "Override the configured log format (console or json)")
	return cmd
}
