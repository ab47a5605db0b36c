package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// Snapshot reads the whole agent document: agents in configured order, the
// fallback chains and the model rates.
func (r *Repository) Snapshot(ctx context.Context) (*domain.AgentDocument, error) {
	doc := &domain.AgentDocument{
		TaskFallbacks: make(map[domain.TaskType][]domain.AgentID),
		ModelRates:    make(map[string]float64),
	}

	agents, err := r.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	doc.Agents = agents

	rows, err := r.db.QueryContext(ctx, `SELECT task_type, agent_id FROM task_fallbacks ORDER BY task_type, position`)
	if err != nil {
		return nil, fmt.Errorf("load task fallbacks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var task, agentID string
		if err := rows.Scan(&task, &agentID); err != nil {
			return nil, err
		}
		t := domain.TaskType(task)
		doc.TaskFallbacks[t] = append(doc.TaskFallbacks[t], domain.AgentID(agentID))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rateRows, err := r.db.QueryContext(ctx, `SELECT model, rate FROM model_rates`)
	if err != nil {
		return nil, fmt.Errorf("load model rates: %w", err)
	}
	defer rateRows.Close()
	for rateRows.Next() {
		var (
			model string
			rate  float64
		)
		if err := rateRows.Scan(&model, &rate); err != nil {
			return nil, err
		}
		doc.ModelRates[model] = rate
	}
	return doc, rateRows.Err()
}

// ListAgents returns agents in configured order with their live budget state.
func (r *Repository) ListAgents(ctx context.Context) ([]domain.AgentConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider, interface, model, endpoint, command, cost_per_1k_tokens,
			daily_budget, daily_usage, enabled, disable_kind, disable_reason
		FROM agents ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	agents := []domain.AgentConfig{}
	for rows.Next() {
		var (
			a                               domain.AgentConfig
			id, provider, iface, rawCommand string
			kind                            string
		)
		err := rows.Scan(&id, &provider, &iface, &a.Model, &a.Endpoint, &rawCommand, &a.CostPer1KTokens,
			&a.DailyBudget, &a.DailyUsage, &a.Enabled, &kind, &a.DisableReason)
		if err != nil {
			return nil, err
		}
		a.ID = domain.AgentID(id)
		a.Provider = domain.Provider(provider)
		a.Interface = domain.Interface(iface)
		a.DisableKind = domain.DisableKind(kind)
		if rawCommand != "" {
			if err := json.Unmarshal([]byte(rawCommand), &a.Command); err != nil {
				return nil, fmt.Errorf("decode command of agent %s: %w", id, err)
			}
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SaveDocument replaces the agent configuration. Usage and runtime disable
// state survive for agents that already exist; agents missing from doc are
// removed. An agent configured with enabled: false is held manually disabled
// until a later document enables it again.
func (r *Repository) SaveDocument(ctx context.Context, doc *domain.AgentDocument) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keep := make(map[string]bool, len(doc.Agents))
	now := time.Now().UTC()
	for i, a := range doc.Agents {
		keep[string(a.ID)] = true
		command, err := json.Marshal(a.Command)
		if err != nil {
			return fmt.Errorf("encode command of agent %s: %w", a.ID, err)
		}

		kind, reason := domain.DisableNone, ""
		if !a.Enabled {
			kind, reason = domain.DisableManual, "disabled in configuration"
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, position, provider, interface, model, endpoint, command,
				cost_per_1k_tokens, daily_budget, daily_usage, enabled, disable_kind, disable_reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				position           = excluded.position,
				provider           = excluded.provider,
				interface          = excluded.interface,
				model              = excluded.model,
				endpoint           = excluded.endpoint,
				command            = excluded.command,
				cost_per_1k_tokens = excluded.cost_per_1k_tokens,
				daily_budget       = excluded.daily_budget,
				enabled            = CASE WHEN NOT excluded.enabled THEN false
				                          WHEN disable_kind = 'manual' THEN true
				                          ELSE enabled END,
				disable_kind       = CASE WHEN NOT excluded.enabled THEN 'manual'
				                          WHEN disable_kind = 'manual' THEN ''
				                          ELSE disable_kind END,
				disable_reason     = CASE WHEN NOT excluded.enabled THEN excluded.disable_reason
				                          WHEN disable_kind = 'manual' THEN ''
				                          ELSE disable_reason END,
				updated_at         = excluded.updated_at`,
			string(a.ID), i, string(a.Provider), string(a.Interface), a.Model, a.Endpoint, string(command),
			a.CostPer1KTokens, a.DailyBudget, a.Enabled, string(kind), reason, now,
		)
		if err != nil {
			return fmt.Errorf("upsert agent %s: %w", a.ID, err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM agents`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete agent %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_fallbacks`); err != nil {
		return err
	}
	for task, chain := range doc.TaskFallbacks {
		for pos, id := range chain {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_fallbacks (task_type, position, agent_id) VALUES (?, ?, ?)`,
				string(task), pos, string(id)); err != nil {
				return fmt.Errorf("insert fallback %s[%d]: %w", task, pos, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_rates`); err != nil {
		return err
	}
	for model, rate := range doc.ModelRates {
		if _, err := tx.ExecContext(ctx, `INSERT INTO model_rates (model, rate) VALUES (?, ?)`, model, rate); err != nil {
			return fmt.Errorf("insert model rate %s: %w", model, err)
		}
	}

	return tx.Commit()
}

// Disable marks an agent unusable until it is re-enabled. Quota disables are
// lifted by the daily reset; every other kind needs an explicit Enable.
func (r *Repository) Disable(ctx context.Context, id domain.AgentID, kind domain.DisableKind, reason string) error {
	return r.setAgentState(ctx, id, false, kind, reason)
}

func (r *Repository) Enable(ctx context.Context, id domain.AgentID) error {
	return r.setAgentState(ctx, id, true, domain.DisableNone, "")
}

func (r *Repository) setAgentState(ctx context.Context, id domain.AgentID, enabled bool, kind domain.DisableKind, reason string) error {
	var n int64
	err := withConflictRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE agents SET enabled = ?, disable_kind = ?, disable_reason = ?, updated_at = ?
			WHERE id = ?`,
			enabled, string(kind), reason, time.Now().UTC(), string(id))
		if err != nil {
			return err
		}
		n, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return fmt.Errorf("update agent %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return nil
}

// TryReserve is a single conditional increment: the row only changes when
// the new usage stays within ceiling.
func (r *Repository) TryReserve(ctx context.Context, id domain.AgentID, amount, ceiling float64) (bool, error) {
	var n int64
	err := withConflictRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
			UPDATE agents SET daily_usage = daily_usage + ?
			WHERE id = ? AND daily_usage + ? <= ?`,
			amount, string(id), amount, ceiling)
		if err != nil {
			return err
		}
		n, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reserve budget for %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Usage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Adjust settles or releases a reservation. Usage never drops below zero.
func (r *Repository) Adjust(ctx context.Context, id domain.AgentID, delta float64) error {
	if delta == 0 {
		return nil
	}
	err := withConflictRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE agents SET daily_usage = greatest(daily_usage + ?, 0) WHERE id = ?`,
			delta, string(id))
		return err
	})
	if err != nil {
		return fmt.Errorf("adjust budget for %s: %w", id, err)
	}
	return nil
}

func (r *Repository) Usage(ctx context.Context, id domain.AgentID) (float64, error) {
	var usage float64
	err := r.db.QueryRowContext(ctx, `SELECT daily_usage FROM agents WHERE id = ?`, string(id)).Scan(&usage)
	if err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
		}
		return 0, err
	}
	return usage, nil
}

// ResetUsage zeroes every agent's daily usage and re-enables agents that
// were disabled for quota. Agents disabled for errors, configuration or by
// an operator stay disabled. Returns the number of re-enabled agents.
func (r *Repository) ResetUsage(ctx context.Context) (int, error) {
	var n int64
	err := withConflictRetry(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET daily_usage = 0, updated_at = ?`, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET enabled = true, disable_kind = '', disable_reason = '', updated_at = ?
			WHERE disable_kind = ?`, now, string(domain.DisableQuota))
		if err != nil {
			return err
		}
		if n, err = rowsAffected(res); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("reset agent usage: %w", err)
	}
	return int(n), nil
}
