package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrAgentNotFound = errors.New("agent not found")

// ConfigurationError signals a missing or malformed configuration. It is
// never recovered from by falling back to a default.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// QuotaExhaustedError is raised when a provider reports that the agent's own
// quota or rate limit was hit. The manager moves on to the next agent.
type QuotaExhaustedError struct {
	AgentID AgentID
	Message string
	Err     error
}

func (e *QuotaExhaustedError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %s quota exhausted: %s", e.AgentID, e.Message)
	}
	return "quota exhausted: " + e.Message
}

func (e *QuotaExhaustedError) Unwrap() error { return e.Err }

// AIProviderError covers provider outages, timeouts and non-quota HTTP
// failures.
type AIProviderError struct {
	AgentID AgentID
	Message string
	Err     error
}

func (e *AIProviderError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %s provider error: %s", e.AgentID, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *AIProviderError) Unwrap() error { return e.Err }

// AgentExecutionError covers failures interpreting a response, e.g. an empty
// or malformed output, or a CLI that exits non-zero.
type AgentExecutionError struct {
	AgentID AgentID
	Message string
	Err     error
}

func (e *AgentExecutionError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %s execution error: %s", e.AgentID, e.Message)
	}
	return "execution error: " + e.Message
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// TriedAgent is one entry of a NoAgentsAvailableError, in trial order.
type TriedAgent struct {
	AgentID AgentID `json:"agent_id"`
	Reason  string  `json:"reason"`
}

// NoAgentsAvailableError is raised when every agent in a chain was skipped or
// failed.
type NoAgentsAvailableError struct {
	TaskType TaskType
	Tried    []TriedAgent
}

func (e *NoAgentsAvailableError) Error() string {
	parts := make([]string, 0, len(e.Tried))
	for _, t := range e.Tried {
		parts = append(parts, fmt.Sprintf("%s (%s)", t.AgentID, t.Reason))
	}
	return fmt.Sprintf("no agents available for %s: tried %s", e.TaskType, strings.Join(parts, ", "))
}

// UserMessage renders err for an end user. Exhausted agent chains read as a
// temporary condition rather than an internal error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var noAgents *NoAgentsAvailableError
	if errors.As(err, &noAgents) {
		return "AI agents are temporarily unavailable, please try again later"
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return "the service is misconfigured, please contact an administrator"
	}
	return "internal error"
}

// IsQuotaError reports whether err is (or wraps) a QuotaExhaustedError.
func IsQuotaError(err error) bool {
	var q *QuotaExhaustedError
	return errors.As(err, &q)
}
