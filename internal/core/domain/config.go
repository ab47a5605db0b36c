package domain

// ProviderCredentials holds connection settings for one AI provider
type ProviderCredentials struct {
	BaseURL string `json:"base_url"` // "https://api.openai.com/v1"
	APIKey  string `json:"api_key"`  // Encrypted in storage
}

// PipelineConfig tunes the worker pool and step timeouts.
type PipelineConfig struct {
	Workers           int    `json:"workers"`
	PollIntervalMs    int    `json:"poll_interval_ms"`
	DefaultMaxRetries int    `json:"default_max_retries"`
	FetchTimeoutSec   int    `json:"fetch_timeout_sec"`
	AgentTimeoutSec   int    `json:"agent_timeout_sec"`   // API agents
	CLITimeoutSec     int    `json:"cli_timeout_sec"`     // CLI agents, on the order of minutes
	CLIGraceSec       int    `json:"cli_grace_sec"`       // SIGTERM → SIGKILL
	StaleAfterSec     int    `json:"stale_after_sec"`     // processing items older than this are requeued
	ResetCron         string `json:"reset_cron"`          // daily usage reset
	MaxContentChars   int    `json:"max_content_chars"`   // prompt content cap
	AllowPrivateHosts bool   `json:"allow_private_hosts"` // disables SSRF guard (tests, intranets)
}

// CandidateProfile is what job postings are matched against in Analyze.
type CandidateProfile struct {
	Summary   string   `json:"summary"`
	Skills    []string `json:"skills"`
	Locations []string `json:"locations"`
	Remote    bool     `json:"remote"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	Pipeline  PipelineConfig                   `json:"pipeline"`
	Filter    FilterConfig                     `json:"filter"`
	Profile   CandidateProfile                 `json:"profile"`
	Providers map[Provider]ProviderCredentials `json:"providers"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Pipeline: PipelineConfig{
			Workers:           4,
			PollIntervalMs:    1000,
			DefaultMaxRetries: 3,
			FetchTimeoutSec:   30,
			AgentTimeoutSec:   120,
			CLITimeoutSec:     300,
			CLIGraceSec:       10,
			StaleAfterSec:     1800,
			ResetCron:         "0 0 * * *",
			MaxContentChars:   24000,
		},
		Filter: DefaultFilterConfig(),
		Providers: map[Provider]ProviderCredentials{
			ProviderOpenAI: {BaseURL: "https://api.openai.com/v1"},
			ProviderOllama: {BaseURL: "http://localhost:11434"},
			ProviderGemini: {},
		},
	}
}
