package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/rcliao/teeny-agents/pkg/config"
	"github.com/rcliao/teeny-agents/pkg/scheduler"
)

// errDaemonRunning is returned when another daemon holds the lock.
var errDaemonRunning = errors.New("another daemon is already running")

func newDaemonCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled jobs until interrupted (single instance per data dir)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			lock, err := acquireDaemonLock(cfg.DataDir)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := scheduler.New(schedulerJobs(cfg.Jobs), func(ctx context.Context, sessionKey, prompt string) (string, error) {
				return a.converse(ctx, sessionKey, g.provider, prompt)
			}, logger)
			if err != nil {
				return err
			}
			if s.Len() == 0 {
				return errors.New("no enabled jobs configured")
			}

			s.Start(cmd.Context())
			logger.Info("daemon started", "jobs", s.Len(), "pid", os.Getpid())
			<-cmd.Context().Done()
			logger.Info("daemon stopping")
			s.Stop()
			return nil
		},
	}
}

func acquireDaemonLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, "daemon.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemon lock: %w", err)
	}
	if !locked {
		return nil, errDaemonRunning
	}
	return lock, nil
}

func schedulerJobs(jobs []config.Job) []scheduler.Job {
	out := make([]scheduler.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, scheduler.Job{
			Name:     j.Name,
			Schedule: j.Schedule,
			Prompt:   j.Prompt,
			Session:  j.Session,
			Enabled:  j.IsEnabled(),
		})
	}
	return out
}
