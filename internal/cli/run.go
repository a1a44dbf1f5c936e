package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan"
	"github.com/hupe1980/agentplan/config"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
)

type runOptions struct {
	concurrency int
	policy      string
	owner       string
	quiet       bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Create and execute a plan",
		Long:  `Create a plan from a YAML file, execute it and print every step transition. Ctrl-C cancels the plan and waits for running steps to stop.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "override engine.max_concurrency")
	cmd.Flags().StringVar(&opts.policy, "policy", "", "failure policy for this plan (skip-on-failure, abort-on-failure)")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner recorded on the plan")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print the final status")
	return cmd
}

func runPlan(cmd *cobra.Command, root *rootOptions, opts *runOptions, path string) error {
	req, err := loadPlanFile(path)
	if err != nil {
		return err
	}
	if opts.owner != "" {
		req.OwnerID = opts.owner
	}
	if opts.policy != "" {
		req.FailurePolicy = core.ParseFailurePolicy(opts.policy)
	}

	out := cmd.OutOrStdout()

	var hooks []engine.Hook
	if !opts.quiet {
		hooks = append(hooks, transitionPrinter(out))
	}

	ap, err := root.open(cmd.Context(), func(cfg *config.Config) {
		if opts.concurrency > 0 {
			cfg.Engine.MaxConcurrency = opts.concurrency
		}
	}, func(o *agentplan.Options) {
		o.Hooks = hooks
	})
	if err != nil {
		return err
	}
	defer func() { _ = ap.Close(context.WithoutCancel(cmd.Context())) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, runErr := ap.Run(ctx, req)
	if p == nil {
		return runErr
	}
	if errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(out, subtleStyle.Render("interrupted, plan cancelled"))
	} else if runErr != nil {
		return runErr
	}

	snap, err := ap.GetPlanStatus(context.WithoutCancel(ctx), p.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if err := renderSnapshot(out, snap); err != nil {
		return err
	}

	if snap.Status != core.PlanCompleted {
		return fmt.Errorf("plan %s finished %s", snap.PlanID, snap.Status)
	}
	return nil
}

// transitionPrinter prints one line per step transition.
func transitionPrinter(w io.Writer) engine.Hook {
	var mu sync.Mutex
	return engine.NewFunctionHook(engine.HookStepTransition, func(_ context.Context, hc *engine.HookContext) error {
		mu.Lock()
		defer mu.Unlock()
		line := fmt.Sprintf("%s %s", statusStyle(hc.To).Render(hc.To), hc.Step.ID)
		if hc.Step.Error != "" && (hc.To == string(core.StepFailed) || hc.To == string(core.StepSkipped)) {
			line += " " + subtleStyle.Render(truncate(hc.Step.Error, 80))
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}
