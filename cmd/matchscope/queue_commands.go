package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"matchscope/internal/api"
	"matchscope/internal/daemonrun"
	"matchscope/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the task queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryStaleCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				stats, err := p.Queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, stats)
				}
				if stats.Total == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderQueueStats(stats))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderQueueStats(stats api.QueueStats) string {
	rows := [][]string{
		{"Pending", strconv.Itoa(stats.Pending)},
		{"Processing", strconv.Itoa(stats.Processing)},
		{"Completed", strconv.Itoa(stats.Completed)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Total", strconv.Itoa(stats.Total)},
	}
	return renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var orderRef string
	var statuses []string
	var kinds []string
	var limit uint64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by priority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := queue.TaskFilter{Limit: limit}
			for _, raw := range statuses {
				status, ok := queue.ParseTaskStatus(raw)
				if !ok {
					return fmt.Errorf("unknown task status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			for _, raw := range kinds {
				kind, ok := queue.ParseTaskKind(raw)
				if !ok {
					return fmt.Errorf("unknown task kind %q", raw)
				}
				filter.Kinds = append(filter.Kinds, kind)
			}
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				if orderRef != "" {
					id, err := p.Orders.ResolveOrderID(cmd.Context(), orderRef)
					if err != nil {
						return err
					}
					filter.OrderID = id
				}
				tasks, err := p.Queue.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, tasks)
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTasks(tasks))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&orderRef, "order", "", "Only show tasks of this order (id or number)")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by task status (repeatable)")
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "Filter by task kind (repeatable)")
	cmd.Flags().Uint64Var(&limit, "limit", 100, "Maximum number of tasks to show")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderTasks(tasks []api.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		status := t.Status
		if t.CancelRequested {
			status += " (stopping)"
		}
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			strconv.FormatInt(t.OrderID, 10),
			t.Kind,
			status,
			strconv.Itoa(t.Priority),
			fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
			truncate(dash(t.ErrorMessage), 48),
		})
	}
	return renderTable(
		[]string{"ID", "Order", "Kind", "Status", "Priority", "Attempts", "Error"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				task, err := p.Queue.Describe(cmd.Context(), id)
				if err != nil {
					return err
				}
				if task == nil {
					return fmt.Errorf("task %d not found", id)
				}
				if asJSON {
					return writeJSON(cmd, task)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderDetails([][2]string{
					{"Task", strconv.FormatInt(task.ID, 10)},
					{"Order", strconv.FormatInt(task.OrderID, 10)},
					{"Kind", task.Kind},
					{"Status", task.Status},
					{"Attempts", fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts)},
					{"Stop requested", yesNo(task.CancelRequested)},
					{"Heartbeat", dash(task.LastHeartbeat)},
					{"Updated", dash(task.UpdatedAt)},
					{"Error", dash(task.ErrorMessage)},
				}))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newQueueRetryStaleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-stale",
		Short: "Requeue processing tasks whose worker stopped heartbeating",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				n, err := p.Orders.RetryStale(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale tasks\n", n)
				return nil
			})
		},
	}
}
