// Package cli implements the agentplan command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan"
	"github.com/hupe1980/agentplan/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the agentplan command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "agentplan",
		Short:         "Run tool plans as dependency graphs",
		Long:          `agentplan executes plans of tool calls. Steps run as soon as their dependencies complete, with bounded concurrency, retries and sandboxed execution.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newToolsCommand(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// open loads the configuration and builds an AgentPlan from it.
func (o *rootOptions) open(ctx context.Context, mutate func(cfg *config.Config), optFns ...func(o *agentplan.Options)) (*agentplan.AgentPlan, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if mutate != nil {
		mutate(cfg)
	}
	return agentplan.Open(ctx, cfg, optFns...)
}
