package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/vdnn/vdnn/format"
	"github.com/vdnn/vdnn/nn"
	"github.com/vdnn/vdnn/planner"
	"github.com/vdnn/vdnn/runner"
)

func newTrainCmd() *cobra.Command {
	var (
		file    string
		backend string
		policy  string
		pref    string
		budget  uint64
		steps   int
		lr      float64
		report  int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on synthetic data under a confirmed memory plan",
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
			fmt.Println()

			r, err := runner.New(net, plan)
			if err != nil {
				return err
			}
			defer r.Close()

			rng := rand.New(rand.NewSource(net.Config.DropoutSeed))
			batch := syntheticBatch(net, rng, lr)

			for step := 1; step <= steps; step++ {
				res, err := r.Step(batch)
				if err != nil {
					return fmt.Errorf("step %d: %w", step, err)
				}
				if report > 0 && (step%report == 0 || step == steps) {
					fmt.Printf("step %6d  loss %.6f\n", step, res.Loss)
				}
			}

			infer := batch
			infer.Training = false
			res, err := r.Step(infer)
			if err != nil {
				return fmt.Errorf("inference: %w", err)
			}
			fmt.Printf("\naccuracy: %d/%d on the training batch\n", res.Correct, net.Config.BatchSize)

			slog.Info("training complete", "id", r.ID(), "steps", steps,
				"pool_peak", format.HumanBytes2(r.Pool().Peak()),
				"pool_waits", r.Pool().Waits())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "network.yaml", "Network description file")
	cmd.Flags().StringVar(&backend, "backend", "sim", "Device backend")
	cmd.Flags().StringVar(&policy, "policy", "dynamic", "Offload policy (none, conv-only, all, dynamic)")
	cmd.Flags().StringVar(&pref, "pref", "performance", "Algorithm preference (performance, memory)")
	cmd.Flags().Uint64Var(&budget, "budget", 0, "Pool budget in bytes (0 uses free device memory)")
	cmd.Flags().IntVar(&steps, "steps", 100, "Training steps to run")
	cmd.Flags().Float64Var(&lr, "lr", 0.01, "SGD learning rate")
	cmd.Flags().IntVar(&report, "report", 10, "Print the loss every N steps (0 disables)")
	return cmd
}

// syntheticBatch draws a class-conditioned Gaussian batch so the loss has a
// learnable signal: each sample's mean is shifted by its label.
func syntheticBatch(net *nn.Network, rng *rand.Rand, lr float64) runner.StepInput {
	shape := net.InputDesc().Shape
	classes := net.Classes()
	sample := shape.Elements() / shape.N

	labels := make([]int, shape.N)
	x := make([]float64, shape.Elements())
	for n := 0; n < shape.N; n++ {
		labels[n] = rng.Intn(classes)
		shift := float64(labels[n])/float64(classes) - 0.5
		for i := 0; i < sample; i++ {
			x[n*sample+i] = rng.NormFloat64()*0.5 + shift
		}
	}
	return runner.StepInput{X: x, Labels: labels, LR: lr, Training: true}
}
