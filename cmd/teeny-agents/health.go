package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/teeny-agents/pkg/loop"
	"github.com/rcliao/teeny-agents/pkg/provider"
	"github.com/rcliao/teeny-agents/pkg/usage"
)

func newHealthCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every configured provider concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			providers, err := buildProviders(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			al := loop.New(providers, nil, loop.DefaultConfig(), loop.WithLogger(logger))
			results := al.HealthCheckAll(ctx)
			writeHealth(cmd.OutOrStdout(), results)
			for _, r := range results {
				if !r.Healthy {
					return fmt.Errorf("provider %s is unhealthy", r.ID)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout")
	return cmd
}

func writeHealth(w io.Writer, results []loop.HealthResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tLATENCY")
	for _, r := range results {
		status := "ok"
		if !r.Healthy {
			status = "unhealthy"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, status, r.Latency.Round(time.Millisecond))
	}
	tw.Flush()
}

func newModelsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List models known to a provider (default: all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			providers, err := buildProviders(cfg)
			if err != nil {
				return err
			}
			targets := providers.List()
			if len(args) == 1 {
				p, ok := providers.Get(args[0])
				if !ok {
					return fmt.Errorf("unknown provider %q", args[0])
				}
				targets = []provider.Provider{p}
			}

			out := cmd.OutOrStdout()
			for _, p := range targets {
				models, err := p.AvailableModels(cmd.Context())
				if err != nil {
					return fmt.Errorf("%s: %w", p.ID(), err)
				}
				header := p.ID()
				if m := p.ConfiguredModel(); m != "" {
					header += " (configured: " + m + ")"
				}
				fmt.Fprintln(out, header)
				if len(models) == 0 {
					fmt.Fprintln(out, "  (no model listing)")
				}
				for _, m := range models {
					fmt.Fprintln(out, "  "+m)
				}
			}
			return nil
		},
	}
}

func newUsageCmd(g *globalFlags) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			mem, err := openMemory(cfg)
			if err != nil {
				return err
			}
			defer mem.Close()

			records, err := mem.UsageSince(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(usage.BuildReviewSummary(records, since), "\n"))
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "lookback window")
	return cmd
}
