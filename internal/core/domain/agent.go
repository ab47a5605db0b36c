package domain

import (
	"context"
	"fmt"
	"strings"
)

type AgentID string

// TaskType names a fallback chain.
type TaskType string

const (
	TaskExtraction TaskType = "extraction"
	TaskAnalysis   TaskType = "analysis"
	TaskGeneration TaskType = "generation"
)

// RequiredTaskTypes must each resolve to a non-empty chain.
var RequiredTaskTypes = []TaskType{TaskExtraction, TaskAnalysis}

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
)

// Interface is how an agent is reached.
type Interface string

const (
	InterfaceAPI Interface = "api"
	InterfaceCLI Interface = "cli"
)

// Backend is the closed set of provider × interface combinations the system
// knows how to invoke. Adding a provider means adding a constant here and a
// case in the provider factory.
type Backend int

const (
	BackendUnknown Backend = iota
	BackendOpenAIAPI
	BackendOllamaAPI
	BackendGeminiAPI
	BackendClaudeCLI
	BackendCodexCLI
	BackendGeminiCLI
)

var backendNames = map[Backend]string{
	BackendOpenAIAPI: "openai/api",
	BackendOllamaAPI: "ollama/api",
	BackendGeminiAPI: "gemini/api",
	BackendClaudeCLI: "claude/cli",
	BackendCodexCLI:  "codex/cli",
	BackendGeminiCLI: "gemini/cli",
}

func (b Backend) String() string {
	if name, ok := backendNames[b]; ok {
		return name
	}
	return "unknown"
}

// ResolveBackend maps a provider/interface pair onto its Backend variant.
func ResolveBackend(p Provider, i Interface) (Backend, error) {
	key := strings.ToLower(string(p)) + "/" + strings.ToLower(string(i))
	for b, name := range backendNames {
		if name == key {
			return b, nil
		}
	}
	return BackendUnknown, &ConfigurationError{Reason: fmt.Sprintf("unsupported agent backend %q", key)}
}

// DisableKind records why an agent was disabled, so the daily reset knows
// which agents it may re-enable.
type DisableKind string

const (
	DisableNone   DisableKind = ""
	DisableQuota  DisableKind = "quota"
	DisableError  DisableKind = "error"
	DisableConfig DisableKind = "config"
	DisableManual DisableKind = "manual"
)

// AgentConfig is one configured (provider, interface, model) triple plus its
// daily budget state.
type AgentConfig struct {
	ID              AgentID     `json:"agent_id" yaml:"id"`
	Provider        Provider    `json:"provider" yaml:"provider"`
	Interface       Interface   `json:"interface" yaml:"interface"`
	Model           string      `json:"model" yaml:"model"`
	Endpoint        string      `json:"endpoint,omitempty" yaml:"endpoint"`
	Command         []string    `json:"command,omitempty" yaml:"command"` // CLI binary and fixed args
	CostPer1KTokens float64     `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	DailyBudget     float64     `json:"daily_budget" yaml:"daily_budget"`
	DailyUsage      float64     `json:"daily_usage" yaml:"-"`
	Enabled         bool        `json:"enabled" yaml:"enabled"`
	DisableReason   string      `json:"disable_reason,omitempty" yaml:"-"`
	DisableKind     DisableKind `json:"disable_kind,omitempty" yaml:"-"`
}

// AgentDocument is the agent configuration snapshot read at the start of
// every Execute call.
type AgentDocument struct {
	Agents        []AgentConfig          `json:"agents" yaml:"agents"`
	TaskFallbacks map[TaskType][]AgentID `json:"task_fallbacks" yaml:"task_fallbacks"`
	ModelRates    map[string]float64     `json:"model_rates" yaml:"model_rates"`
}

// Agent looks up an agent by id.
func (d *AgentDocument) Agent(id AgentID) (AgentConfig, bool) {
	for _, a := range d.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Chain returns the fallback chain for t or a ConfigurationError when absent.
func (d *AgentDocument) Chain(t TaskType) ([]AgentID, error) {
	chain := d.TaskFallbacks[t]
	if len(chain) == 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("no fallback chain configured for task type %q", t)}
	}
	return chain, nil
}

// ModelRate returns the cost multiplier for model, 1.0 when unset.
func (d *AgentDocument) ModelRate(model string) float64 {
	if r, ok := d.ModelRates[model]; ok && r > 0 {
		return r
	}
	return 1.0
}

// ValidateDocument is the startup check for an agent configuration document.
func ValidateDocument(d *AgentDocument) error {
	seen := make(map[AgentID]bool, len(d.Agents))
	for _, a := range d.Agents {
		if a.ID == "" {
			return &ConfigurationError{Reason: "agent with empty id"}
		}
		if seen[a.ID] {
			return &ConfigurationError{Reason: fmt.Sprintf("duplicate agent id %q", a.ID)}
		}
		seen[a.ID] = true
		if _, err := ResolveBackend(a.Provider, a.Interface); err != nil {
			return err
		}
		if a.DailyBudget < 0 || a.CostPer1KTokens < 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("agent %q has a negative budget or rate", a.ID)}
		}
		if a.Interface == InterfaceCLI && len(a.Command) == 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("cli agent %q has no command", a.ID)}
		}
	}
	for _, t := range RequiredTaskTypes {
		if _, err := d.Chain(t); err != nil {
			return err
		}
	}
	for t, chain := range d.TaskFallbacks {
		for _, id := range chain {
			if !seen[id] {
				return &ConfigurationError{Reason: fmt.Sprintf("task %q references unknown agent %q", t, id)}
			}
		}
	}
	return nil
}

// AgentRequest is what the manager hands to a backend.
type AgentRequest struct {
	TaskType TaskType
	Model    string
	Prompt   string
}

// AgentResponse carries the raw output and, when the provider reports it,
// token usage for cost settlement.
type AgentResponse struct {
	Output           string
	PromptTokens     int
	CompletionTokens int
}

// AgentResult is returned by a successful Execute.
type AgentResult struct {
	AgentID AgentID `json:"agent_id"`
	Model   string  `json:"model"`
	Output  string  `json:"output"`
	Cost    float64 `json:"cost"`
}

// AgentInvoker is the single polymorphic capability every backend implements.
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error)
}
