package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/manthysbr/jobpipe/internal/metrics"
)

const reasonBudgetExhausted = "daily budget exhausted"

// AgentManager walks a task type's fallback chain until one agent succeeds.
//
// Budget is reserved before each call with a single add-with-ceiling on the
// ledger, then settled against the actual cost (or released on failure), so
// concurrent calls for the same agent cannot overrun its daily budget.
type AgentManager struct {
	logger   *slog.Logger
	registry ports.AgentRegistry
	ledger   ports.BudgetLedger
	invokers ports.InvokerFactory
	estimate func(agent domain.AgentConfig, doc *domain.AgentDocument, prompt string) float64
}

func NewAgentManager(logger *slog.Logger, registry ports.AgentRegistry, ledger ports.BudgetLedger, invokers ports.InvokerFactory) *AgentManager {
	return &AgentManager{
		logger:   logger,
		registry: registry,
		ledger:   ledger,
		invokers: invokers,
		estimate: EstimateCost,
	}
}

// ResponseCheck inspects a reply before it is accepted. A non-nil error makes
// the reply an execution failure of the agent that produced it.
type ResponseCheck func(output string) error

// ExecuteTask loads a fresh configuration snapshot and runs Execute with it.
func (m *AgentManager) ExecuteTask(ctx context.Context, task domain.TaskType, prompt string, check ResponseCheck) (*domain.AgentResult, error) {
	snapshot, err := m.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load agent snapshot: %w", err)
	}
	return m.Execute(ctx, snapshot, task, prompt, check)
}

// Execute tries each agent of task's chain in order. Disabled agents and
// agents without budget headroom are skipped; a quota error or any other
// failure, including a reply rejected by check, disables the agent and moves
// on. When the chain is exhausted the returned
// *domain.NoAgentsAvailableError lists every agent in trial order.
func (m *AgentManager) Execute(ctx context.Context, snapshot *domain.AgentDocument, task domain.TaskType, prompt string, check ResponseCheck) (*domain.AgentResult, error) {
	chain, err := snapshot.Chain(task)
	if err != nil {
		return nil, err
	}

	tried := make([]domain.TriedAgent, 0, len(chain))
	skip := func(id domain.AgentID, reason, label string) {
		tried = append(tried, domain.TriedAgent{AgentID: id, Reason: reason})
		metrics.RecordAgentSkip(string(id), label)
	}

	for _, id := range chain {
		agent, ok := snapshot.Agent(id)
		if !ok {
			skip(id, "not configured", "unknown")
			continue
		}
		if !agent.Enabled {
			reason := "disabled"
			if agent.DisableReason != "" {
				reason = "disabled: " + agent.DisableReason
			}
			skip(id, reason, "disabled")
			continue
		}

		invoker, err := m.invokers.InvokerFor(agent)
		if err != nil {
			m.disable(ctx, id, domain.DisableConfig, err.Error())
			skip(id, err.Error(), "config")
			continue
		}

		estimate := m.estimate(agent, snapshot, prompt)
		reserved, err := m.ledger.TryReserve(ctx, id, estimate, agent.DailyBudget)
		if err != nil {
			return nil, fmt.Errorf("reserve budget for agent %s: %w", id, err)
		}
		if !reserved {
			m.logger.Info("agent over budget, skipping", "agent_id", id, "estimate", estimate, "budget", agent.DailyBudget)
			skip(id, reasonBudgetExhausted, "budget")
			continue
		}

		start := time.Now()
		resp, err := invoker.Invoke(ctx, domain.AgentRequest{TaskType: task, Model: agent.Model, Prompt: prompt})
		if err == nil && strings.TrimSpace(resp.Output) == "" {
			err = &domain.AgentExecutionError{AgentID: id, Message: "empty response"}
		}
		if err == nil && check != nil {
			if cerr := check(resp.Output); cerr != nil {
				err = &domain.AgentExecutionError{AgentID: id, Message: cerr.Error(), Err: cerr}
			}
		}
		if err != nil {
			m.release(ctx, id, estimate)
			if ctx.Err() != nil {
				// Shutdown or caller deadline; the agent itself is not at fault.
				return nil, fmt.Errorf("agent %s: %w", id, ctx.Err())
			}

			kind, outcome := domain.DisableError, "error"
			if domain.IsQuotaError(err) {
				kind, outcome = domain.DisableQuota, "quota"
			}
			metrics.RecordAgentCall(string(id), string(task), outcome, time.Since(start), 0)
			m.logger.Warn("agent failed, trying next in chain", "agent_id", id, "task_type", task, "kind", kind, "error", err)
			m.disable(ctx, id, kind, err.Error())
			tried = append(tried, domain.TriedAgent{AgentID: id, Reason: err.Error()})
			continue
		}

		cost := ActualCost(agent, snapshot, estimate, resp)
		if delta := cost - estimate; delta != 0 {
			if err := m.ledger.Adjust(ctx, id, delta); err != nil {
				m.logger.Error("failed to settle agent usage", "agent_id", id, "delta", delta, "error", err)
			}
		}
		metrics.RecordAgentCall(string(id), string(task), "success", time.Since(start), cost)
		m.logger.Info("agent call succeeded", "agent_id", id, "task_type", task, "cost", cost, "duration", time.Since(start))

		return &domain.AgentResult{AgentID: id, Model: agent.Model, Output: resp.Output, Cost: cost}, nil
	}

	metrics.RecordNoAgents(string(task))
	return nil, &domain.NoAgentsAvailableError{TaskType: task, Tried: tried}
}

func (m *AgentManager) release(ctx context.Context, id domain.AgentID, amount float64) {
	if amount == 0 {
		return
	}
	// A cancelled ctx must not leak the reservation.
	if err := m.ledger.Adjust(context.WithoutCancel(ctx), id, -amount); err != nil {
		m.logger.Error("failed to release agent reservation", "agent_id", id, "amount", amount, "error", err)
	}
}

func (m *AgentManager) disable(ctx context.Context, id domain.AgentID, kind domain.DisableKind, reason string) {
	if err := m.registry.Disable(ctx, id, kind, reason); err != nil && !errors.Is(err, domain.ErrAgentNotFound) {
		m.logger.Error("failed to disable agent", "agent_id", id, "kind", kind, "error", err)
		return
	}
	metrics.RecordAgentDisable(string(id), string(kind))
}
