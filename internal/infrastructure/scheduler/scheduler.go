// Package scheduler runs maintenance tasks such as mirror reconciliation
// and recurring backfills on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunStatus is the outcome of the last run of a task
type RunStatus string

const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Task is a unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once immediately instead of waiting an interval
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// TaskState is a snapshot of a task's last run
type TaskState struct {
	Name        string
	Status      RunStatus
	Runs        int
	Failures    int
	LastError   string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Config bounds every run
type Config struct {
	RunTimeout    time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns the default run limits
func DefaultConfig() Config {
	return Config{
		RunTimeout:    30 * time.Minute,
		RetryAttempts: 2,
		RetryDelay:    30 * time.Second,
	}
}

// Scheduler runs each registered task on its own ticker. Runs of one task
// never overlap.
type Scheduler struct {
	config Config
	logger *zap.Logger

	tasks  []Task
	states map[string]*TaskState

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// New creates a scheduler
func New(config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	return &Scheduler{
		config: config,
		logger: logger,
		states: make(map[string]*TaskState),
	}
}

// Register adds a task. Tasks must be registered before Start.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("%w: task needs a name and a run function", ErrInvalidTask)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("%w: task %s needs a positive interval", ErrInvalidTask, task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return ErrAlreadyRunning
	}
	if _, ok := s.states[task.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name)
	}
	s.tasks = append(s.tasks, task)
	s.states[task.Name] = &TaskState{Name: task.Name, Status: RunStatusPending}
	return nil
}

// Start launches one loop per task
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return ErrNoTasks
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}

	s.logger.Info("Maintenance scheduler started",
		zap.Int("tasks", len(s.tasks)),
		zap.Duration("run_timeout", s.config.RunTimeout),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight runs until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Maintenance scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Maintenance scheduler stop timed out")
		return ctx.Err()
	}
}

// Wait blocks until ctx is done, then stops the scheduler within grace
func (s *Scheduler) Wait(ctx context.Context, grace time.Duration) error {
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return s.Stop(stopCtx)
}

// State returns a copy of the task's state
func (s *Scheduler) State(name string) (TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return TaskState{}, false
	}
	return *st, true
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	if task.RunOnStart {
		s.runWithRetry(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Task loop stopping", zap.String("task", task.Name))
			return
		case <-ticker.C:
			s.runWithRetry(ctx, task)
		}
	}
}

// runWithRetry runs the task, retrying failures after RetryDelay
func (s *Scheduler) runWithRetry(ctx context.Context, task Task) {
	for attempt := 0; ; attempt++ {
		err := s.runOnce(ctx, task)
		if err == nil || ctx.Err() != nil || attempt >= s.config.RetryAttempts {
			return
		}
		s.logger.Info("Task scheduled for retry",
			zap.String("task", task.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", s.config.RetryAttempts),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.RetryDelay):
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) error {
	started := time.Now()
	s.update(task.Name, func(st *TaskState) {
		st.Status = RunStatusRunning
		st.StartedAt = &started
		st.LastError = ""
	})
	s.logger.Info("Running task", zap.String("task", task.Name))

	runCtx := ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	err := task.Run(runCtx)
	completed := time.Now()
	s.update(task.Name, func(st *TaskState) {
		st.Runs++
		st.CompletedAt = &completed
		if err != nil {
			st.Status = RunStatusFailed
			st.Failures++
			st.LastError = err.Error()
			return
		}
		st.Status = RunStatusSuccess
	})

	if err != nil {
		s.logger.Error("Task failed",
			zap.String("task", task.Name),
			zap.Duration("duration", completed.Sub(started)),
			zap.Error(err),
		)
		return err
	}
	s.logger.Info("Task completed successfully",
		zap.String("task", task.Name),
		zap.Duration("duration", completed.Sub(started)),
	)
	return nil
}

func (s *Scheduler) update(name string, fn func(*TaskState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.states[name])
}
