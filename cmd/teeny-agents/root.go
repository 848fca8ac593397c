package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/teeny-agents/pkg/config"
	"github.com/rcliao/teeny-agents/pkg/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	provider   string
	logLevel   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "teeny-agents",
		Short:         "A small tool-using agent over Anthropic, OpenAI and Ollama",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath(), "config file")
	root.PersistentFlags().StringVarP(&g.provider, "provider", "p", "", "provider id (default: configured default)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "shorthand for --log-level debug")

	root.AddCommand(
		newRunCmd(&g),
		newChatCmd(&g),
		newStreamCmd(&g),
		newHealthCmd(&g),
		newModelsCmd(&g),
		newUsageCmd(&g),
		newDaemonCmd(&g),
	)
	return root
}

// load reads the config and builds the logger the flags ask for.
func (g *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.verbose {
		cfg.LogLevel = "debug"
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(os.Stderr, level), nil
}

// open loads config and builds the full application.
func (g *globalFlags) open(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, logger)
}
