// Package scheduler runs prompts through the agent on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rcliao/teeny-agents/pkg/logging"
)

// Job defines a scheduled prompt.
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // cron expression, descriptor, or "@every 30m"
	Prompt   string `json:"prompt"`
	Session  string `json:"session"`
	Enabled  bool   `json:"enabled"`
}

// SessionKey is the session the job's turns are recorded under.
func (j Job) SessionKey() string {
	if j.Session != "" {
		return j.Session
	}
	return "cron:" + j.Name
}

// RunFunc is called when a job fires. It receives the job's session key and prompt.
type RunFunc func(ctx context.Context, sessionKey, prompt string) (string, error)

// Parser accepts 5-field cron expressions with an optional seconds field,
// plus descriptors like @hourly and @every.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler manages and runs scheduled jobs. A job never overlaps with
// its own previous run.
type Scheduler struct {
	cron    *cron.Cron
	runFn   RunFunc
	logger  *slog.Logger
	entries map[string]cron.EntryID

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a scheduler with the given jobs and run function. Disabled
// jobs are skipped; an invalid schedule is an error.
func New(jobs []Job, runFn RunFunc, logger *slog.Logger) (*Scheduler, error) {
	logger = logging.OrDiscard(logger).With("component", "scheduler")
	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runFn:   runFn,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if _, dup := s.entries[job.Name]; dup {
			return nil, fmt.Errorf("job %q: duplicate name", job.Name)
		}
		id, err := s.cron.AddFunc(job.Schedule, func() { s.runJob(job) })
		if err != nil {
			return nil, fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		s.entries[job.Name] = id
	}
	return s, nil
}

// Start begins running jobs. Job runs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
}

// Stop halts the scheduler, cancels running jobs, and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	<-done.Done()
}

// Running returns whether the scheduler is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the next fire time of the named job, or false if unknown.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.entries) }

func (s *Scheduler) runJob(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug("running job", "job", job.Name, "session", job.SessionKey())
	start := time.Now()
	result, err := s.runFn(ctx, job.SessionKey(), job.Prompt)
	if err != nil {
		s.logger.Error("job failed", "job", job.Name, "err", err)
		return
	}
	s.logger.Info("job done", "job", job.Name, "elapsed", time.Since(start), "result", logging.Truncate(result, 200))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
