package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/manthysbr/jobpipe/internal/metrics"
)

// AgentRunner is the slice of AgentManager the pipeline needs.
type AgentRunner interface {
	ExecuteTask(ctx context.Context, task domain.TaskType, prompt string, check ResponseCheck) (*domain.AgentResult, error)
}

// ConfigSource yields the current application config. SettingsStore
// implements it; a fresh value is read for every step.
type ConfigSource interface {
	GetConfig() *domain.AppConfig
}

// stepResult is what a sub-task hands back on success. An empty terminal
// means "advance to the next sub-task" (or succeed after the last one).
type stepResult struct {
	output   any
	terminal domain.ItemStatus
	message  string
	priority *float64
}

type stepFunc func(ctx context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error)

// PipelineProcessor drives claimed work items through their sub-task
// sequence. Each completed sub-task is committed before the next one starts,
// so a failure resumes from the failed step instead of the beginning.
type PipelineProcessor struct {
	logger  *slog.Logger
	store   ports.WorkItemStore
	agents  AgentRunner
	fetcher ports.PageFetcher
	crawler ports.SiteCrawler
	sink    ports.RecordSink
	config  ConfigSource
	bus     *EventBus

	steps  map[domain.ItemType]map[domain.SubTask]stepFunc
	legacy *legacyRunner
}

func NewPipelineProcessor(
	logger *slog.Logger,
	store ports.WorkItemStore,
	agents AgentRunner,
	fetcher ports.PageFetcher,
	crawler ports.SiteCrawler,
	sink ports.RecordSink,
	config ConfigSource,
	bus *EventBus,
) *PipelineProcessor {
	p := &PipelineProcessor{
		logger:  logger,
		store:   store,
		agents:  agents,
		fetcher: fetcher,
		crawler: crawler,
		sink:    sink,
		config:  config,
		bus:     bus,
	}
	p.steps = map[domain.ItemType]map[domain.SubTask]stepFunc{
		domain.ItemTypeJob: {
			domain.SubTaskScrape:  p.jobScrape,
			domain.SubTaskFilter:  p.jobFilter,
			domain.SubTaskAnalyze: p.jobAnalyze,
			domain.SubTaskSave:    p.jobSave,
		},
		domain.ItemTypeCompany: {
			domain.SubTaskFetch:   p.companyFetch,
			domain.SubTaskExtract: p.companyExtract,
			domain.SubTaskAnalyze: p.companyAnalyze,
			domain.SubTaskSave:    p.companySave,
		},
		domain.ItemTypeScrape: {
			domain.SubTaskCollect: p.scrapeCollect,
		},
		domain.ItemTypeSourceDiscovery: {
			domain.SubTaskDiscover: p.sourceDiscover,
		},
	}
	p.legacy = &legacyRunner{p: p}
	return p
}

// Process runs item from its current sub-task until it terminates, is
// requeued for retry, or ctx is cancelled. Step failures are recorded on the
// item and are not returned; the error is reserved for store failures.
func (p *PipelineProcessor) Process(ctx context.Context, item *domain.WorkItem) error {
	p.publish(item, EventTypeClaimed, "")

	if item.IsLegacy() {
		return p.legacy.run(ctx, item)
	}

	for {
		sub := *item.SubTask
		step, ok := p.steps[item.Type][sub]
		if !ok {
			return p.fail(ctx, item, sub, &domain.ConfigurationError{Reason: fmt.Sprintf("no handler for %s/%s", item.Type, sub)})
		}

		start := time.Now()
		res, err := step(ctx, item, p.config.GetConfig())
		if err == nil {
			var raw json.RawMessage
			if raw, err = json.Marshal(res.output); err == nil {
				outcome := outcomeFor(item.Type, sub, res)
				if err := p.store.CommitStep(ctx, item.ID, sub, raw, outcome); err != nil {
					return fmt.Errorf("commit %s for item %s: %w", sub, item.ID, err)
				}
				p.applyCommit(item, sub, raw, outcome)

				if outcome.Next == nil {
					metrics.RecordStep(string(item.Type), string(sub), "terminal", time.Since(start))
					metrics.RecordTerminal(string(item.Type), string(outcome.Terminal))
					p.logger.Info("work item finished", "item_id", item.ID, "sub_task", sub, "status", outcome.Terminal, "message", outcome.Message)
					p.publish(item, EventTypeTerminal, outcome.Message)
					return nil
				}

				metrics.RecordStep(string(item.Type), string(sub), "advanced", time.Since(start))
				p.logger.Debug("sub-task committed", "item_id", item.ID, "sub_task", sub, "next", *outcome.Next)
				p.publish(item, EventTypeStep, "")
				if ctx.Err() != nil {
					// Left in processing at the next step; the stale reaper requeues it.
					return ctx.Err()
				}
				continue
			}
		}

		return p.handleStepError(ctx, item, sub, err, start)
	}
}

// preFiltered ends an item as filtered when its own fields already trip a
// hard rule. Steps that spend on agents call it first.
func preFiltered(item *domain.WorkItem, rawURL string, cfg *domain.AppConfig) (stepResult, bool) {
	res := NewStrikeFilter(cfg.Filter).PreCheck(item.CompanyName, rawURL)
	if res.Pass {
		return stepResult{}, false
	}
	return stepResult{
		output:   res,
		terminal: domain.ItemStatusFiltered,
		message:  "filtered: " + strings.Join(res.Reasons, "; "),
	}, true
}

func outcomeFor(t domain.ItemType, sub domain.SubTask, res stepResult) domain.StepOutcome {
	var out domain.StepOutcome
	switch next, ok := domain.NextSubTask(t, sub); {
	case res.terminal != "":
		out = domain.Finish(res.terminal, res.message)
	case ok:
		out = domain.AdvanceTo(next)
	default:
		out = domain.Finish(domain.ItemStatusSuccess, res.message)
	}
	out.Priority = res.priority
	return out
}

// applyCommit mirrors a successful CommitStep onto the in-memory item.
func (p *PipelineProcessor) applyCommit(item *domain.WorkItem, sub domain.SubTask, raw json.RawMessage, outcome domain.StepOutcome) {
	if item.PipelineState == nil {
		item.PipelineState = make(map[string]json.RawMessage)
	}
	item.PipelineState[string(sub)] = raw
	item.UpdatedAt = time.Now().UTC()
	if outcome.Priority != nil {
		item.Priority = *outcome.Priority
	}
	if outcome.Next != nil {
		item.SubTask = outcome.Next
		return
	}
	item.Status = outcome.Terminal
	item.ResultMessage = outcome.Message
}

func (p *PipelineProcessor) handleStepError(ctx context.Context, item *domain.WorkItem, sub domain.SubTask, stepErr error, start time.Time) error {
	var cfgErr *domain.ConfigurationError
	if errors.As(stepErr, &cfgErr) {
		metrics.RecordStep(string(item.Type), string(sub), "failed", time.Since(start))
		return p.fail(ctx, item, sub, stepErr)
	}

	if ctx.Err() != nil {
		// Shutdown is not the item's fault; don't spend a retry on it.
		p.logger.Warn("sub-task interrupted", "item_id", item.ID, "sub_task", sub, "error", stepErr)
		return ctx.Err()
	}

	updated, err := p.store.RequeueForRetry(ctx, item.ID, &sub, stepErr)
	if err != nil {
		return fmt.Errorf("requeue item %s: %w", item.ID, err)
	}
	*item = *updated

	if item.Status == domain.ItemStatusFailed {
		metrics.RecordStep(string(item.Type), string(sub), "failed", time.Since(start))
		metrics.RecordTerminal(string(item.Type), string(domain.ItemStatusFailed))
		p.logger.Error("work item failed, retries exhausted", "item_id", item.ID, "sub_task", sub, "retry_count", item.RetryCount, "error", stepErr)
		p.publish(item, EventTypeTerminal, item.ErrorDetails)
		return nil
	}

	metrics.RecordStep(string(item.Type), string(sub), "retry", time.Since(start))
	metrics.RecordRequeue(string(item.Type), string(sub))
	p.logger.Warn("sub-task failed, requeued", "item_id", item.ID, "sub_task", sub, "retry_count", item.RetryCount, "max_retries", item.MaxRetries, "error", stepErr)
	p.publish(item, EventTypeRetry, stepErr.Error())
	return nil
}

// fail terminates item without touching its retry budget.
func (p *PipelineProcessor) fail(ctx context.Context, item *domain.WorkItem, sub domain.SubTask, cause error) error {
	details := domain.FailureDetails(sub, cause)
	if err := p.store.Fail(ctx, item.ID, details); err != nil {
		return fmt.Errorf("fail item %s: %w", item.ID, err)
	}
	item.Status = domain.ItemStatusFailed
	item.ErrorDetails = details
	metrics.RecordTerminal(string(item.Type), string(domain.ItemStatusFailed))
	p.logger.Error("work item failed", "item_id", item.ID, "sub_task", sub, "error", cause)
	p.publish(item, EventTypeTerminal, details)
	return nil
}

func (p *PipelineProcessor) publish(item *domain.WorkItem, t EventType, message string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ItemEvent(item, t, message))
}

// withTimeout bounds a blocking call by seconds, falling back to def.
func withTimeout(ctx context.Context, seconds int, def time.Duration) (context.Context, context.CancelFunc) {
	d := def
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	return context.WithTimeout(ctx, d)
}
