// Package cmd wires the command line surface: plan inspects what the memory
// planner would lock in for a network file, train runs the training loop on
// the selected backend, env documents the runtime configuration.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vdnn/vdnn/envconfig"
	"github.com/vdnn/vdnn/logutil"
	"github.com/vdnn/vdnn/metrics"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "vdnn",
		Short:         "Virtualized DNN training runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

			if addr := envconfig.MetricsAddr(); addr != "" {
				go func() {
					if err := metrics.Serve(addr); err != nil {
						slog.Warn("metrics endpoint failed", "addr", addr, "error", err)
					}
				}()
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	planCmd := newPlanCmd()
	trainCmd := newTrainCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	for _, c := range []*cobra.Command{planCmd, trainCmd} {
		appendEnvDocs(c, []envconfig.EnvVar{
			envVars["VDNN_DEBUG"],
			envVars["VDNN_DEVICE_MEMORY"],
			envVars["VDNN_POOL_OVERHEAD"],
			envVars["VDNN_TRANSFER_WORKERS"],
			envVars["VDNN_METRICS_ADDR"],
		})
	}

	rootCmd.AddCommand(planCmd, trainCmd, envCmd)
	return rootCmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show runtime environment configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for k := range vars {
				names = append(names, k)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, k := range names {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
