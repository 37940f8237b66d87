package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"matchscope/internal/daemonrun"
	"matchscope/internal/logging"
	"matchscope/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var orderRef string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := logs.TailOptions{Offset: -1, Limit: lines}
			if orderRef != "" {
				var orderID int64
				err := ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
					var resolveErr error
					orderID, resolveErr = p.Orders.ResolveOrderID(cmd.Context(), orderRef)
					return resolveErr
				})
				if err != nil {
					return err
				}
				opts.Match = logs.OrderMatcher(orderID)
			}

			path := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
			out := cmd.OutOrStdout()
			for {
				result, err := logs.Tail(cmd.Context(), path, opts)
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				for _, line := range result.Lines {
					fmt.Fprintln(out, line)
				}
				if !follow {
					return nil
				}
				opts = logs.TailOptions{Offset: result.Offset, Follow: true, Wait: 30 * time.Second, Match: opts.Match}
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&orderRef, "order", "", "Only show lines for this order (id or number)")
	return cmd
}
