package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/metrics"
)

// legacyRunner handles items created before sub-task cursors existed. The
// whole chain runs in memory in one pass; nothing is committed until the end
// and any failure fails the item outright, with no retry.
type legacyRunner struct {
	p *PipelineProcessor
}

func (r *legacyRunner) run(ctx context.Context, item *domain.WorkItem) error {
	p := r.p
	cfg := p.config.GetConfig()

	// Work on a copy so partial state never leaks into the stored item.
	scratch := *item
	scratch.PipelineState = make(map[string]json.RawMessage, len(item.PipelineState))
	for k, v := range item.PipelineState {
		scratch.PipelineState[k] = v
	}

	var (
		last     domain.SubTask
		lastRaw  json.RawMessage
		outcome  domain.StepOutcome
		priority *float64
	)
	for _, sub := range domain.Pipeline(item.Type) {
		step, ok := p.steps[item.Type][sub]
		if !ok {
			return p.fail(ctx, item, sub, fmt.Errorf("no handler for %s/%s", item.Type, sub))
		}

		res, err := step(ctx, &scratch, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.fail(ctx, item, sub, err)
		}
		raw, err := json.Marshal(res.output)
		if err != nil {
			return p.fail(ctx, item, sub, err)
		}
		scratch.PipelineState[string(sub)] = raw
		last, lastRaw = sub, raw

		outcome = outcomeFor(item.Type, sub, res)
		if outcome.Priority != nil {
			priority = outcome.Priority
		}
		if outcome.Next == nil {
			break
		}
	}
	outcome.Priority = priority

	if err := p.store.CommitStep(ctx, item.ID, last, lastRaw, outcome); err != nil {
		return fmt.Errorf("commit legacy item %s: %w", item.ID, err)
	}
	if item.PipelineState == nil {
		item.PipelineState = make(map[string]json.RawMessage)
	}
	item.PipelineState[string(last)] = lastRaw
	item.Status = outcome.Terminal
	item.ResultMessage = outcome.Message
	if priority != nil {
		item.Priority = *priority
	}

	metrics.RecordTerminal(string(item.Type), string(outcome.Terminal))
	p.logger.Info("legacy work item finished", "item_id", item.ID, "status", outcome.Terminal)
	p.publish(item, EventTypeTerminal, outcome.Message)
	return nil
}
