package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"matchscope/internal/daemonrun"
	"matchscope/internal/notifications"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove work directories of completed, failed or unknown orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				result := p.CleanWorkDirs(cmd.Context(), dryRun)
				out := cmd.OutOrStdout()
				verb := "Removed"
				if dryRun {
					verb = "Would remove"
				}
				for _, path := range result.Removed {
					fmt.Fprintf(out, "%s %s\n", verb, path)
				}
				fmt.Fprintf(out, "%s %d directories, kept %d\n", verb, len(result.Removed), result.Kept)
				if len(result.Errors) > 0 {
					errs := make([]error, 0, len(result.Errors))
					for _, e := range result.Errors {
						errs = append(errs, fmt.Errorf("%s: %w", e.Path, e.Error))
					}
					return errors.Join(errs...)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List directories without removing them")
	return cmd
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification to the configured ntfy topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Notifications.NtfyTopic == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Notifications are disabled (notifications.ntfy_topic is empty)")
				return nil
			}
			if err := notifications.NewService(cfg).Publish(cmd.Context(), notifications.EventTest, nil); err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
