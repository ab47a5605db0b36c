package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Bootstrap is the process-level configuration read from the environment
// before the settings store is available.
type Bootstrap struct {
	DBPath        string
	AgentsFile    string
	HTTPAddr      string
	Workers       int
	RedisAddr     string
	RedisPassword string
	ResetCron     string
	SecretKey     string
	CORSOrigins   []string

	// Retired passphrases, still accepted for reading stored provider keys.
	PreviousSecretKeys []string
}

// LoadFromEnv reads JOBPIPE_* variables, falling back to defaults.
func LoadFromEnv() (Bootstrap, error) {
	b := Bootstrap{
		DBPath:        envOr("JOBPIPE_DB_PATH", "jobpipe.db"),
		AgentsFile:    envOr("JOBPIPE_AGENTS_FILE", "agents.yaml"),
		HTTPAddr:      envOr("JOBPIPE_HTTP_ADDR", ":8080"),
		RedisAddr:     os.Getenv("JOBPIPE_REDIS_ADDR"),
		RedisPassword: os.Getenv("JOBPIPE_REDIS_PASSWORD"),
		ResetCron:     os.Getenv("JOBPIPE_RESET_CRON"),
		SecretKey:     os.Getenv("JOBPIPE_SECRET_KEY"),
		CORSOrigins:   []string{"http://localhost:5173"},
	}
	if raw := os.Getenv("JOBPIPE_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Bootstrap{}, &domain.ConfigurationError{Reason: fmt.Sprintf("JOBPIPE_WORKERS must be a positive integer, got %q", raw)}
		}
		b.Workers = n
	}
	if raw := os.Getenv("JOBPIPE_CORS_ORIGINS"); raw != "" {
		b.CORSOrigins = splitList(raw)
	}
	b.PreviousSecretKeys = splitList(os.Getenv("JOBPIPE_SECRET_KEY_PREVIOUS"))
	return b, nil
}

// Apply overlays the bootstrap overrides onto cfg.
func (b Bootstrap) Apply(cfg *domain.AppConfig) {
	if b.Workers > 0 {
		cfg.Pipeline.Workers = b.Workers
	}
	if b.ResetCron != "" {
		cfg.Pipeline.ResetCron = b.ResetCron
	}
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// LoadAgentDocument reads and validates the YAML agent configuration.
func LoadAgentDocument(path string) (*domain.AgentDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return ParseAgentDocument(raw)
}

func ParseAgentDocument(raw []byte) (*domain.AgentDocument, error) {
	var doc domain.AgentDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("parse agents file: %v", err)}
	}
	// enabled defaults to true when the key is absent.
	var probe struct {
		Agents []map[string]any `yaml:"agents"`
	}
	if err := yaml.Unmarshal(raw, &probe); err == nil {
		for i, a := range probe.Agents {
			if _, ok := a["enabled"]; !ok && i < len(doc.Agents) {
				doc.Agents[i].Enabled = true
			}
		}
	}
	if doc.ModelRates == nil {
		doc.ModelRates = map[string]float64{}
	}
	if err := domain.ValidateDocument(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
