package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
)

func newPlanCmd() *cobra.Command {
	var (
		file    string
		backend string
		policy  string
		pref    string
		budget  uint64
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Choose and display a memory plan without training",
		RunE: func(cmd *cobra.Command, args []string) error {
			net, dev, err := buildNetwork(file, backend)
			if err != nil {
				return err
			}
			defer dev.Close()
			defer net.Close()

			req, err := planRequest(dev, policy, pref, budget)
			if err != nil {
				return err
			}

			plan, err := planner.ChoosePlan(net, dev, req)
			if err != nil {
				return err
			}

			printPlan(net, plan, req.PoolBudget)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "network.yaml", "Network description file")
	cmd.Flags().StringVar(&backend, "backend", "sim", "Device backend")
	cmd.Flags().StringVar(&policy, "policy", "dynamic", "Offload policy (none, conv-only, all, dynamic)")
	cmd.Flags().StringVar(&pref, "pref", "performance", "Algorithm preference (performance, memory)")
	cmd.Flags().Uint64Var(&budget, "budget", 0, "Pool budget in bytes (0 uses free device memory)")
	return cmd
}

func printPlan(net *nn.Network, plan *planner.Plan, budget uint64) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "LAYER", "OUTPUT", "OFFLOAD", "FWD ALGO", "WORKSPACE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for i, l := range net.Layers {
		offload := ""
		if plan.Offload[i] {
			offload = "yes"
		}
		algo, ws := "", ""
		if l.Kind == nn.KindConv {
			c := plan.Choices[i]
			algo = c.Fwd.Algo.String()
			ws = format.HumanBytes2(max(c.Fwd.WorkspaceBytes, c.BwdWorkspaceBytes()))
		}
		table.Append([]string{
			fmt.Sprintf("%d", i), l.String(), l.Out.Shape.String(), offload, algo, ws,
		})
	}
	table.Render()

	discipline := "soft"
	if plan.Hard {
		discipline = "hard"
	}
	fmt.Println()
	fmt.Printf("policy:   %s (tier %d, %s, %s)\n", plan.Policy, plan.Tier, plan.Pref, discipline)
	fmt.Printf("peak:     %s of %s budget\n", format.HumanBytes2(plan.PeakBytes), format.HumanBytes2(budget))
	fmt.Printf("pinned:   %s\n", format.HumanBytes2(plan.PinnedBytes))
	fmt.Printf("params:   %s\n", format.HumanBytes2(net.ParamBytes()))
}
