package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lysyi3m/recall-comb/internal/pipeline"
)

const (
	DefaultIngestSchedule = "@every 6h"
	DefaultTaskTimeout    = 30 * time.Minute
	queueSize             = 64
	historySize           = 128
)

// retryBase is the delay before the first retry; it doubles per attempt
// up to 30 seconds.
var retryBase = time.Second

type SchedulerConfig struct {
	WorkerCount    int
	IngestSchedule string
	RunOnStart     bool
	TaskTimeout    time.Duration
}

type Scheduler struct {
	runner      Runner
	cron        *cron.Cron
	schedule    string
	runOnStart  bool
	taskTimeout time.Duration
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface

	mu      sync.Mutex
	tracked map[string]TaskInterface
	order   []string
}

func NewScheduler(runner Runner, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.IngestSchedule == "" {
		cfg.IngestSchedule = DefaultIngestSchedule
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if _, err := cron.ParseStandard(cfg.IngestSchedule); err != nil {
		return nil, fmt.Errorf("invalid ingest schedule %q: %w", cfg.IngestSchedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner:      runner,
		cron:        cron.New(),
		schedule:    cfg.IngestSchedule,
		runOnStart:  cfg.RunOnStart,
		taskTimeout: cfg.TaskTimeout,
		workerCount: cfg.WorkerCount,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, queueSize),
		tracked:     make(map[string]TaskInterface),
	}, nil
}

func (s *Scheduler) Start() error {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if _, err := s.cron.AddFunc(s.schedule, s.enqueueIngest); err != nil {
		s.Stop()
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.cron.Start()
	slog.Info("Ingestion schedule started", "schedule", s.schedule, "workers", s.workerCount)

	if s.runOnStart {
		s.enqueueIngest()
	}
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

// EnqueueTask queues task and keeps it visible through TaskStatus.
func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	if err := s.push(task); err != nil {
		return err
	}
	s.track(task)
	return nil
}

// TaskStatus reports on one of the most recently enqueued tasks.
func (s *Scheduler) TaskStatus(id string) (Status, bool) {
	s.mu.Lock()
	task, ok := s.tracked[id]
	s.mu.Unlock()

	if !ok {
		return Status{}, false
	}
	return task.Status(), true
}

func (s *Scheduler) push(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) track(task TaskInterface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracked[task.GetID()] = task
	s.order = append(s.order, task.GetID())
	if len(s.order) > historySize {
		delete(s.tracked, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Scheduler) enqueueIngest() {
	task := NewIngestTask(s.runner, pipeline.RunOptions{})
	if err := s.EnqueueTask(task); err != nil {
		slog.Warn("Failed to enqueue IngestTask", "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)
		case <-s.ctx.Done():
			return
		}
	}
}

func retryDelay(retryCount int) time.Duration {
	delay := retryBase * time.Duration(1<<uint(retryCount-1))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Begin()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		task.Complete()
		return
	}

	attempts := task.Attempts()
	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "attempt", attempts, "error", err)

	if !task.Fail(err) {
		slog.Error("Task failed", "type", string(task.GetType()), "id", task.GetID(), "attempts", attempts, "last_error", err)
		return
	}

	delay := retryDelay(attempts)
	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "id", task.GetID(), "attempt", attempts, "delay", delay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-timer.C:
			if retryErr := s.push(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "attempt", attempts, "error", retryErr)
				task.Abort()
				task.Fail(retryErr)
			}
		}
	}()
}
