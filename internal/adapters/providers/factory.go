package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/jobpipe/internal/adapters/llm"
	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// ConfigSource yields the current application config.
type ConfigSource interface {
	GetConfig() *domain.AppConfig
}

type cachedInvoker struct {
	key     string
	invoker domain.AgentInvoker
}

// Factory resolves an agent's backend variant into an invoker. It hides
// provider selection and credentials from the agent manager. Built invokers
// are cached per agent until the agent's definition changes or Reset is
// called after a settings update.
type Factory struct {
	logger *slog.Logger
	config ConfigSource

	mu    sync.Mutex
	cache map[domain.AgentID]cachedInvoker
}

func NewFactory(logger *slog.Logger, config ConfigSource) *Factory {
	return &Factory{
		logger: logger,
		config: config,
		cache:  make(map[domain.AgentID]cachedInvoker),
	}
}

// InvokerFor returns a callable for agent, or a *domain.ConfigurationError
// when the agent cannot be built from the current configuration.
func (f *Factory) InvokerFor(agent domain.AgentConfig) (domain.AgentInvoker, error) {
	backend, err := domain.ResolveBackend(agent.Provider, agent.Interface)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%s|%s|%s", backend, agent.Model, agent.Endpoint, strings.Join(agent.Command, "\x00"))

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cache[agent.ID]; ok && c.key == key {
		return c.invoker, nil
	}

	config := f.config.GetConfig()
	if config == nil {
		config = domain.DefaultConfig()
	}
	invoker, err := build(agent, backend, config)
	if err != nil {
		return nil, err
	}
	f.cache[agent.ID] = cachedInvoker{key: key, invoker: invoker}
	f.logger.Debug("agent invoker built", "agent_id", agent.ID, "backend", backend)
	return invoker, nil
}

// Reset drops every cached invoker. Registered as a settings OnChange hook
// so new credentials take effect on the next call.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.cache)
}

func build(agent domain.AgentConfig, backend domain.Backend, config *domain.AppConfig) (domain.AgentInvoker, error) {
	pipeline := config.Pipeline
	apiTimeout := seconds(pipeline.AgentTimeoutSec, 120*time.Second)

	switch backend {
	case domain.BackendOpenAIAPI:
		creds := config.Providers[domain.ProviderOpenAI]
		baseURL := firstNonEmpty(agent.Endpoint, creds.BaseURL, "https://api.openai.com/v1")
		apiKey := firstNonEmpty(creds.APIKey, os.Getenv("OPENAI_API_KEY"))
		if apiKey == "" && strings.Contains(baseURL, "api.openai.com") {
			return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("agent %s: openai api key is not set", agent.ID)}
		}
		return llm.NewOpenAIProvider(agent.ID, baseURL, apiKey, agent.Model, apiTimeout), nil

	case domain.BackendOllamaAPI:
		creds := config.Providers[domain.ProviderOllama]
		baseURL := firstNonEmpty(agent.Endpoint, os.Getenv("OLLAMA_HOST"), creds.BaseURL)
		return llm.NewOllamaProvider(agent.ID, baseURL, agent.Model, apiTimeout), nil

	case domain.BackendGeminiAPI:
		creds := config.Providers[domain.ProviderGemini]
		apiKey := firstNonEmpty(creds.APIKey, os.Getenv("GEMINI_API_KEY"))
		return llm.NewGeminiProvider(context.Background(), agent.ID, apiKey, agent.Model, apiTimeout)

	case domain.BackendClaudeCLI, domain.BackendCodexCLI, domain.BackendGeminiCLI:
		return llm.NewCLIProvider(agent.ID, agent.Command, agent.Model,
			seconds(pipeline.CLITimeoutSec, 5*time.Minute),
			seconds(pipeline.CLIGraceSec, 10*time.Second))

	default:
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("agent %s: no invoker for backend %s", agent.ID, backend)}
	}
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
