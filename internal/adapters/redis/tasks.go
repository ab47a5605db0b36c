package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

const (
	TaskTypeResetUsage = "agents:reset_usage"

	resetTaskID = "agents:reset_usage:tick"
	// resetWindow is how long a finished reset keeps its task ID, so
	// schedulers on other kernels firing for the same tick conflict
	// instead of enqueueing a second reset.
	resetWindow = time.Hour
)

// ResetTasks runs the daily usage reset as an asynq periodic task. Every
// kernel sharing Redis registers the same schedule; the fixed task ID with
// retention lets only the first enqueue of a tick through.
type ResetTasks struct {
	logger    *slog.Logger
	resetter  ports.UsageResetter
	server    *asynq.Server
	scheduler *asynq.Scheduler
	cronExpr  string
}

func NewResetTasks(logger *slog.Logger, svc *Service, resetter ports.UsageResetter, cronExpr string) *ResetTasks {
	opt := svc.AsynqRedisOpt()
	return &ResetTasks{
		logger:   logger,
		resetter: resetter,
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{"default": 1},
		}),
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{LogLevel: asynq.WarnLevel}),
		cronExpr:  cronExpr,
	}
}

func resetTaskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.TaskID(resetTaskID),
		asynq.Retention(resetWindow),
		asynq.MaxRetry(3),
	}
}

// HandleResetTask is the asynq handler for TaskTypeResetUsage. The last
// attempt reports success even when the reset fails: an archived task would
// hold resetTaskID and block every later tick.
func (r *ResetTasks) HandleResetTask(ctx context.Context, _ *asynq.Task) error {
	n, err := r.resetter.ResetUsage(ctx)
	if err != nil {
		retried, ok1 := asynq.GetRetryCount(ctx)
		maxRetry, ok2 := asynq.GetMaxRetry(ctx)
		if ok1 && ok2 && retried >= maxRetry {
			r.logger.Error("agent usage reset failed, giving up until next tick", "error", err, "attempts", retried+1)
			return nil
		}
		return fmt.Errorf("reset usage: %w", err)
	}
	r.logger.Info("agent usage reset via task queue", "re_enabled", n)
	return nil
}

// Run starts the scheduler and worker and blocks until ctx is done.
func (r *ResetTasks) Run(ctx context.Context) error {
	if _, err := r.scheduler.Register(r.cronExpr, asynq.NewTask(TaskTypeResetUsage, nil), resetTaskOptions()...); err != nil {
		return fmt.Errorf("register reset task: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeResetUsage, r.HandleResetTask)
	if err := r.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := r.scheduler.Start(); err != nil {
		r.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	r.logger.Info("usage reset task registered", "cron", r.cronExpr)

	<-ctx.Done()
	r.scheduler.Shutdown()
	r.server.Shutdown()
	return nil
}
