package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/pkg/taskid"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

var (
	// ErrAlreadyRunning rejects a second concurrent Run.
	ErrAlreadyRunning = errors.New("scheduler: already running")

	// ErrNoRequests rejects a run with nothing to post.
	ErrNoRequests = errors.New("scheduler: no request templates configured")
)

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	// Interval between launch rounds in continuous mode.
	Interval time.Duration
	// Continuous keeps launching every interval. When false, one
	// round is launched and Run returns once it drains.
	Continuous bool
	// CleanupAge is how long finished tasks stay queryable.
	CleanupAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = 24 * time.Hour
	}
	return c
}

// Scheduler launches one task per request template every interval.
// Launching is constant-time per task; all chain work happens on the
// executor's goroutines.
type Scheduler struct {
	cfg       Config
	registry  *Registry
	stats     *Statistics
	exec      *Executor
	templates []seda.DataRequest
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	nextFire time.Time

	tasks sync.WaitGroup
}

func New(cfg Config, registry *Registry, stats *Statistics, exec *Executor, templates []seda.DataRequest, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		stats:     stats,
		exec:      exec,
		templates: templates,
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

// IsRunning reports whether a Run is in progress.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run launches the first round immediately, then every interval while
// in continuous mode. It blocks until ctx is cancelled, or in
// single-shot mode until the round drains. Launched tasks are always
// waited for before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if len(s.templates) == 0 {
		return ErrNoRequests
	}

	s.stats.Reset()
	s.logger.Info("scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Bool("continuous", s.cfg.Continuous),
		slog.Int("requests_per_round", len(s.templates)),
	)

	s.launch(ctx)

	if !s.cfg.Continuous {
		s.tasks.Wait()
		s.report()
		return ctx.Err()
	}

	interval := time.NewTicker(s.cfg.Interval)
	defer interval.Stop()
	countdown := time.NewTicker(time.Second)
	defer countdown.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	s.setNextFire(time.Now().Add(s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", slog.Int("active", len(s.registry.Active())))
			s.tasks.Wait()
			s.report()
			return ctx.Err()

		case <-interval.C:
			s.setNextFire(time.Now().Add(s.cfg.Interval))
			s.launch(ctx)

		case <-countdown.C:
			if remaining := time.Until(s.next()).Round(time.Second); remaining > 0 {
				s.logger.Debug("next launch",
					slog.Duration("in", remaining),
					slog.Int("active", len(s.registry.Active())),
				)
			}

		case <-cleanup.C:
			if removed := s.registry.Cleanup(s.cfg.CleanupAge); removed > 0 {
				s.logger.Info("finished tasks dropped from registry", slog.Int("removed", removed))
			}
		}
	}
}

// launch queues one task per template: a registry insert and a
// goroutine spawn, nothing else on the scheduling path.
func (s *Scheduler) launch(ctx context.Context) {
	for _, template := range s.templates {
		id := taskid.New()
		s.registry.Register(id)
		s.tasks.Add(1)
		go func(taskID string, template seda.DataRequest) {
			defer s.tasks.Done()
			s.exec.Run(ctx, taskID, template)
		}(id, template)
		s.logger.Debug("task queued",
			slog.String("task_id", id),
			slog.String("program_id", template.ExecProgramID.Hex()),
		)
	}
}

func (s *Scheduler) setNextFire(t time.Time) {
	s.mu.Lock()
	s.nextFire = t
	s.mu.Unlock()
}

func (s *Scheduler) next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFire
}

// report logs the end-of-run summary, naming any task that never
// reached a terminal state.
func (s *Scheduler) report() {
	for _, task := range s.registry.Active() {
		s.logger.Warn("task still active at stop",
			slog.String("task_id", task.ID),
			slog.String("state", string(task.State)),
		)
	}
	snap := s.stats.Snapshot()
	s.logger.Info("scheduler stopped",
		slog.Uint64("posted", snap.Posted),
		slog.Uint64("post_failed", snap.PostFailed),
		slog.Uint64("oracle_completed", snap.OracleCompleted),
		slog.Uint64("oracle_failed", snap.OracleFailed),
		slog.Uint64("fanout_success", snap.FanoutSuccess),
		slog.Uint64("fanout_failed", snap.FanoutFailed),
		slog.Float64("success_rate", snap.SuccessRate),
		slog.Float64("runtime_seconds", snap.RuntimeSeconds),
	)
}

// Status is the scheduler's externally visible state, served by the
// status endpoint.
type Status struct {
	Running     bool      `json:"running"`
	Continuous  bool      `json:"continuous"`
	IntervalMS  int64     `json:"interval_ms"`
	ActiveTasks int       `json:"active_tasks"`
	TotalTasks  int       `json:"total_tasks"`
	NextLaunch  time.Time `json:"next_launch"`
	Stats       Snapshot  `json:"stats"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	next := s.nextFire
	s.mu.Unlock()

	return Status{
		Running:     running,
		Continuous:  s.cfg.Continuous,
		IntervalMS:  s.cfg.Interval.Milliseconds(),
		ActiveTasks: len(s.registry.Active()),
		TotalTasks:  s.registry.Len(),
		NextLaunch:  next,
		Stats:       s.stats.Snapshot(),
	}
}
