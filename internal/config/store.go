package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

const appConfigKey = "app_config"

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore manages persistent settings with encrypted secrets.
// The whole config is stored as one JSON document; provider API keys are
// encrypted at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	keyring  *Keyring
	repo     ports.SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, falling back to (and persisting)
// base when nothing has been saved yet.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo ports.SettingsRepository, keyring *Keyring, base *domain.AppConfig) (*SettingsStore, error) {
	store := &SettingsStore{
		logger:  logger,
		keyring: keyring,
		repo:    repo,
	}
	if base == nil {
		base = domain.DefaultConfig()
	}

	cfg, stale, err := store.loadFromDB(ctx)
	switch {
	case err != nil:
		logger.Warn("no saved settings found, using defaults", "error", err)
		cfg = cloneConfig(base)
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	case stale:
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to reseal provider keys: %w", err)
		}
		logger.Info("provider keys resealed", "key_id", keyring.KeyID())
	}

	store.config = cfg
	return store, nil
}

// OnChange registers a callback for when settings are updated.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns a copy of the current config with decrypted secrets.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.config)
}

// GetMaskedConfig returns config safe for API response (secrets masked).
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	cp := s.GetConfig()
	for p, creds := range cp.Providers {
		creds.APIKey = MaskSecret(creds.APIKey)
		cp.Providers[p] = creds
	}
	return cp
}

// UpdateConfig validates, encrypts secrets, persists, and triggers onChange
// callbacks. An empty or masked API key keeps the existing one.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	s.mu.Lock()

	update = cloneConfig(update)
	for p, creds := range update.Providers {
		if creds.APIKey == "" || isMasked(creds.APIKey) {
			creds.APIKey = s.config.Providers[p].APIKey
			update.Providers[p] = creds
		}
	}
	if err := validateConfig(update); err != nil {
		s.mu.Unlock()
		return err
	}

	if err := s.saveToDB(ctx, update); err != nil {
		s.mu.Unlock()
		return err
	}
	s.config = update
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"workers", update.Pipeline.Workers,
		"providers", len(update.Providers),
		"filter_threshold", update.Filter.Threshold,
	)

	// Callbacks run outside the lock so they may read config.
	for _, fn := range callbacks {
		fn(cloneConfig(update))
	}
	return nil
}

func validateConfig(cfg *domain.AppConfig) error {
	p := cfg.Pipeline
	switch {
	case p.Workers < 1:
		return &domain.ConfigurationError{Reason: "pipeline.workers must be at least 1"}
	case p.DefaultMaxRetries < 0:
		return &domain.ConfigurationError{Reason: "pipeline.default_max_retries must not be negative"}
	case p.ResetCron == "":
		return &domain.ConfigurationError{Reason: "pipeline.reset_cron is required"}
	case cfg.Filter.Threshold < 0:
		return &domain.ConfigurationError{Reason: "filter.threshold must not be negative"}
	}
	for rule, w := range cfg.Filter.Weights {
		if w < 0 {
			return &domain.ConfigurationError{Reason: fmt.Sprintf("filter weight %q must not be negative", rule)}
		}
	}
	return nil
}

// loadFromDB returns the saved config with provider keys opened. stale is
// true when any key was plaintext or sealed by a retired key.
func (s *SettingsStore) loadFromDB(ctx context.Context) (cfg *domain.AppConfig, stale bool, err error) {
	raw, err := s.repo.GetSetting(ctx, appConfigKey)
	if err != nil {
		return nil, false, err
	}

	cfg = domain.DefaultConfig()
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, false, fmt.Errorf("unmarshal settings: %w", err)
	}

	for p, creds := range cfg.Providers {
		if creds.APIKey == "" {
			continue
		}
		key, err := s.keyring.Open(p, creds.APIKey)
		if err != nil {
			// Left blank; the provider reports itself unconfigured until the key is set again.
			s.logger.Warn("failed to open provider API key", "provider", p, "error", err)
			key = ""
		} else if s.keyring.NeedsReseal(creds.APIKey) {
			stale = true
		}
		creds.APIKey = key
		cfg.Providers[p] = creds
	}
	return cfg, stale, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	stored := cloneConfig(cfg)
	for p, creds := range stored.Providers {
		if creds.APIKey == "" {
			continue
		}
		enc, err := s.keyring.Seal(p, creds.APIKey)
		if err != nil {
			return fmt.Errorf("seal %s API key: %w", p, err)
		}
		creds.APIKey = enc
		stored.Providers[p] = creds
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, appConfigKey, string(raw))
}

// cloneConfig deep-copies cfg so callers cannot mutate the store's state.
func cloneConfig(cfg *domain.AppConfig) *domain.AppConfig {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return domain.DefaultConfig()
	}
	cp := &domain.AppConfig{}
	if err := json.Unmarshal(raw, cp); err != nil {
		return domain.DefaultConfig()
	}
	if cp.Providers == nil {
		cp.Providers = map[domain.Provider]domain.ProviderCredentials{}
	}
	return cp
}

func isMasked(s string) bool {
	return len(s) >= 4 && s[:4] == "****"
}
