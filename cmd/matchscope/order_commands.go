package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"matchscope/internal/api"
	"matchscope/internal/daemonrun"
	"matchscope/internal/queue"
)

func newOrderCommand(ctx *commandContext) *cobra.Command {
	orderCmd := &cobra.Command{
		Use:   "order",
		Short: "Create and manage analysis orders",
	}

	orderCmd.AddCommand(newOrderCreateCommand(ctx))
	orderCmd.AddCommand(newOrderConfigureCommand(ctx))
	orderCmd.AddCommand(newOrderStatusCommand(ctx))
	orderCmd.AddCommand(newOrderListCommand(ctx))
	orderCmd.AddCommand(newOrderEventsCommand(ctx))
	orderCmd.AddCommand(newOrderStopCommand(ctx))
	orderCmd.AddCommand(newOrderResetCommand(ctx))

	return orderCmd
}

func newOrderCreateCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var selfURL string
	var competitors []string
	var priority int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order and charge the user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := api.CreateOrderRequest{
				UserID:               userID,
				SelfSourceURL:        selfURL,
				CompetitorSourceURLs: competitors,
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				order, err := p.Orders.CreateOrder(cmd.Context(), req)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, order)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created order %s (id %d), charged %d\n", order.OrderNumber, order.ID, order.CostCharged)
				fmt.Fprintf(out, "Next: matchscope order configure %d --self <capture-url>", order.ID)
				for range competitors {
					fmt.Fprint(out, " --competitor <capture-url>")
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User to charge for the order")
	cmd.Flags().StringVar(&selfURL, "self", "", "Source URL of the user's own stream")
	cmd.Flags().StringArrayVar(&competitors, "competitor", nil, "Source URL of a competitor stream (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Dispatch priority (higher runs first)")
	addJSONFlag(cmd, &asJSON)
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("self")
	return cmd
}

func newOrderConfigureCommand(ctx *commandContext) *cobra.Command {
	var selfURL string
	var competitors []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "configure <order>",
		Short: "Supply capture URLs and queue the order for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				orderID, err := p.Orders.ResolveOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				order, err := p.Orders.ConfigureCaptureURLs(cmd.Context(), api.ConfigureCaptureRequest{
					OrderID:               orderID,
					SelfCaptureURL:        selfURL,
					CompetitorCaptureURLs: competitors,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, order)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Order %s is %s\n", order.OrderNumber, order.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&selfURL, "self", "", "Capture URL of the user's own stream")
	cmd.Flags().StringArrayVar(&competitors, "competitor", nil, "Capture URL of a competitor stream, in creation order (repeatable)")
	addJSONFlag(cmd, &asJSON)
	_ = cmd.MarkFlagRequired("self")
	return cmd
}

func newOrderStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <order>",
		Short: "Show an order with per-stream progress and task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				orderID, err := p.Orders.ResolveOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				status, err := p.Orders.GetOrderStatus(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderOrderStatus(status))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderOrderStatus(status api.OrderStatus) string {
	order := status.Order
	var b strings.Builder
	b.WriteString(renderDetails([][2]string{
		{"Order", fmt.Sprintf("%s (id %d)", order.OrderNumber, order.ID)},
		{"User", order.UserID},
		{"Status", order.Status},
		{"Priority", strconv.Itoa(order.Priority)},
		{"Charged", strconv.FormatInt(order.CostCharged, 10)},
		{"Refund", order.RefundState},
		{"Error", dash(order.ErrorMessage)},
		{"Created", dash(order.CreatedAt)},
		{"Completed", dash(order.CompletedAt)},
	}))

	if len(status.Media) > 0 {
		rows := make([][]string, 0, len(status.Media))
		for _, m := range status.Media {
			rows = append(rows, []string{
				m.Label,
				m.Status,
				formatPercent(m.CaptureProgress),
				dash(m.Resolution),
				strconv.Itoa(m.Segments),
				truncate(dash(m.ErrorMessage), 48),
			})
		}
		b.WriteString(renderTable(
			[]string{"Stream", "Status", "Capture", "Resolution", "Segments", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
		))
	}

	if len(status.Tasks) > 0 {
		statuses := []queue.TaskStatus{queue.TaskPending, queue.TaskProcessing, queue.TaskCompleted, queue.TaskFailed}
		var rows [][]string
		for _, kind := range queue.AllKinds() {
			counts, ok := status.Tasks[string(kind)]
			if !ok {
				continue
			}
			row := []string{string(kind)}
			for _, s := range statuses {
				row = append(row, strconv.Itoa(counts[string(s)]))
			}
			rows = append(rows, row)
		}
		b.WriteString(renderTable(
			[]string{"Stage", "Pending", "Processing", "Completed", "Failed"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
	}
	return b.String()
}

func newOrderListCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var statuses []string
	var limit uint64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := queue.OrderFilter{UserID: strings.TrimSpace(userID), Limit: limit}
			for _, raw := range statuses {
				status, ok := queue.ParseOrderStatus(raw)
				if !ok {
					return fmt.Errorf("unknown order status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				orders, err := p.Orders.ListOrders(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, orders)
				}
				if len(orders) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No orders")
					return nil
				}
				rows := make([][]string, 0, len(orders))
				for _, o := range orders {
					rows = append(rows, []string{
						strconv.FormatInt(o.ID, 10),
						o.OrderNumber,
						o.UserID,
						o.Status,
						strconv.Itoa(o.Priority),
						o.RefundState,
						dash(o.CreatedAt),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Number", "User", "Status", "Priority", "Refund", "Created"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Only show orders for this user")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by order status (repeatable)")
	cmd.Flags().Uint64Var(&limit, "limit", 50, "Maximum number of orders to show")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newOrderEventsCommand(ctx *commandContext) *cobra.Command {
	var after int64
	var limit uint64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events <order>",
		Short: "Show the progress event log of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				orderID, err := p.Orders.ResolveOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				events, err := p.Orders.OrderEvents(cmd.Context(), orderID, after, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, events)
				}
				if len(events) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No events")
					return nil
				}
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						strconv.FormatInt(e.ID, 10),
						e.At,
						e.Stage,
						formatPercent(e.Percent),
						truncate(e.Message, 72),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "At", "Stage", "Progress", "Message"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Only show events after this event id")
	cmd.Flags().Uint64Var(&limit, "limit", 0, "Maximum number of events (0 for all)")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newOrderStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <order>",
		Short: "Stop an order, cancel its running stages and refund the charge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				orderID, err := p.Orders.ResolveOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				result, err := p.Orders.StopOrder(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !result.OrderFailed {
					fmt.Fprintf(out, "Order %d was already stopped\n", orderID)
					return nil
				}
				fmt.Fprintf(out, "Stopped order %d: %d pending tasks drained, %d running tasks signaled\n",
					orderID, result.Drained, result.Canceled)
				if result.RefundDue {
					fmt.Fprintln(out, "Refund issued")
				}
				return nil
			})
		},
	}
}

func newOrderResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <order>",
		Short: "Requeue the unfinished tasks of a failed order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				orderID, err := p.Orders.ResolveOrderID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				reset, err := p.Orders.ResetOrder(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Order %d requeued (%d tasks reset)\n", orderID, reset)
				return nil
			})
		},
	}
}
