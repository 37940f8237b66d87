package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"matchscope/internal/api"
	"matchscope/internal/daemon"
	"matchscope/internal/daemonrun"
)

type statusReport struct {
	DaemonRunning bool               `json:"daemonRunning"`
	DaemonPID     int                `json:"daemonPid,omitempty"`
	Database      string             `json:"database"`
	Workflow      api.WorkflowStatus `json:"workflow"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue and stage readiness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withPipeline(cmd, func(p *daemonrun.Pipeline) error {
				report := statusReport{
					DaemonRunning: daemon.Locked(cfg),
					Database:      cfg.DatabasePath(),
					Workflow:      api.FromStatusSummary(p.Manager().Status(cmd.Context())),
				}
				if report.DaemonRunning {
					report.DaemonPID = daemonrun.ReadPID(cfg)
				}
				// The local manager never runs; the lock decides.
				report.Workflow.Running = report.DaemonRunning
				if asJSON {
					return writeJSON(cmd, report)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStatus(report))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderStatus(report statusReport) string {
	daemonState := "stopped"
	if report.DaemonRunning {
		daemonState = "running"
		if report.DaemonPID > 0 {
			daemonState += " (pid " + strconv.Itoa(report.DaemonPID) + ")"
		}
	}
	var b strings.Builder
	b.WriteString(renderDetails([][2]string{
		{"Daemon", daemonState},
		{"Database", report.Database},
	}))
	b.WriteString(renderQueueStats(report.Workflow.Queue))

	rows := make([][]string, 0, len(report.Workflow.StageHealth))
	for _, h := range report.Workflow.StageHealth {
		rows = append(rows, []string{h.Name, yesNo(h.Ready), dash(h.Detail)})
	}
	b.WriteString(renderTable([]string{"Stage", "Ready", "Detail"}, rows, nil))
	return b.String()
}
