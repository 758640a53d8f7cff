package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a clock-driven unit of background work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

// Result captures the outcome of a single task run for observers.
type Result struct {
	Task     string
	Duration time.Duration
	Err      error
}

// Observer receives task outcomes, typically for telemetry.
type Observer func(Result)

// Scheduler runs registered tasks at fixed cadences. Each task runs on its
// own goroutine and executes synchronously in its tick loop, so runs of the
// same task never overlap; a long run simply delays the next tick.
type Scheduler struct {
	tasks    []Task
	logger   *zap.Logger
	observer Observer

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewScheduler builds a scheduler over the provided tasks.
func NewScheduler(tasks []Task, logger *zap.Logger, observer Observer) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{tasks: tasks, logger: logger, observer: observer}
}

// Start launches one goroutine per task. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			continue
		}
		s.wg.Add(1)
		go s.loop(task)
	}
	s.started = true
	s.logger.Sugar().Infow("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels task loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Sugar().Infow("scheduler stopped")
}

func (s *Scheduler) loop(task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := task.Run(s.ctx)
			duration := time.Since(start)
			if err != nil {
				s.logger.Sugar().Errorw("task failed", "task", task.Name, "duration", duration, "error", err)
			} else {
				s.logger.Sugar().Infow("task completed", "task", task.Name, "duration", duration)
			}
			if s.observer != nil {
				s.observer(Result{Task: task.Name, Duration: duration, Err: err})
			}
		}
	}
}
