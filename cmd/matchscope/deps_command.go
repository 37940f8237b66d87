package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"matchscope/internal/api"
	"matchscope/internal/preflight"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	var checkLLM bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Check directories, stage tools and optionally the LLM endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, api.FromDependencies(preflight.CheckSystemDeps(cmd.Context(), cfg)))
			}

			results := preflight.RunAll(cmd.Context(), cfg)
			if checkLLM {
				results = append(results, preflight.CheckModels(cmd.Context(), cfg)...)
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				state := "ok"
				if !r.Passed {
					state = "FAIL"
				}
				rows = append(rows, []string{r.Name, state, dash(r.Detail)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Check", "Result", "Detail"}, rows, nil))
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d checks failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkLLM, "llm", false, "Also call the configured models")
	addJSONFlag(cmd, &asJSON)
	return cmd
}
