package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"matchscope/internal/api"
	"matchscope/internal/daemon"
	"matchscope/internal/daemonrun"
)

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var maxTasks int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one bounded dispatch batch in the foreground",
		Long: "Claims up to --max tasks (or the configured batch size), runs them to completion and exits.\n" +
			"Refuses to run while the daemon holds the dispatch lock.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			release, err := daemon.AcquireDispatchLock(cfg)
			if err != nil {
				if errors.Is(err, daemon.ErrLocked) {
					return fmt.Errorf("dispatch: %w; the daemon is already dispatching", err)
				}
				return err
			}
			defer release()

			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				result, err := p.Orders.DispatchOnce(cmd.Context(), maxTasks)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, result)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderDispatchResult(result))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&maxTasks, "max", 0, "Maximum tasks to claim (0 uses workflow.batch_size)")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderDispatchResult(r api.DispatchResult) string {
	return renderDetails([][2]string{
		{"Claimed", fmt.Sprint(r.Claimed)},
		{"Completed", fmt.Sprint(r.Completed)},
		{"Failed", fmt.Sprint(r.Failed)},
		{"Requeued", fmt.Sprint(r.Requeued)},
		{"Denied", fmt.Sprint(r.Denied)},
		{"Refunded", fmt.Sprint(r.Refunded)},
		{"Reclaimed", fmt.Sprint(r.Reclaimed)},
	})
}
