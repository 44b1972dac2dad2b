package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] when the corresponding field is unset.
const (
	DefaultOpsAddr             = ":9090"
	DefaultRedisAddr           = "localhost:6379"
	DefaultEmbeddingDimensions = 1536
)

// ValidProviderNames lists known provider names per gateway kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {
		"openai",
		"anyllm-openai", "anyllm-anthropic", "anyllm-gemini", "anyllm-ollama",
		"anyllm-deepseek", "anyllm-mistral", "anyllm-groq",
		"anyllm-llamacpp", "anyllm-llamafile",
	},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults for unset
// fields, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields whose zero value is not a usable setting.
// Tuning knobs with component-level defaults (debounce, workers, top_k, ...)
// are left at zero; their packages default them.
func applyDefaults(cfg *Config) {
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = DefaultOpsAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = QueueRedis
	}
	if cfg.Queue.Backend == QueueRedis && cfg.Queue.RedisAddr == "" {
		cfg.Queue.RedisAddr = DefaultRedisAddr
	}
	if cfg.Memory.EmbeddingDimensions == 0 {
		slog.Warn("memory.embedding_dimensions is not set; defaulting",
			"default", DefaultEmbeddingDimensions)
		cfg.Memory.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious-but-legal values produce warnings instead of errors.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers. Unknown names warn only: third-party registrations are
	// legal, typos are not detectable.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, entry := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", entry.Name)
	}
	for _, entry := range cfg.Providers.EmbeddingsFallbacks {
		validateProviderName("embeddings", entry.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; extraction will fail at startup")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; extraction and recall will fail at startup")
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must be positive", cfg.Memory.EmbeddingDimensions))
	}

	// Queue
	if !cfg.Queue.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("queue.backend %q is invalid; valid values: redis, memory", cfg.Queue.Backend))
	}
	if cfg.Queue.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("queue.redis_db %d must not be negative", cfg.Queue.RedisDB))
	}

	// Extraction
	ext := cfg.Extraction
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"extraction.debounce", ext.Debounce},
		{"extraction.max_wait", ext.MaxWait},
		{"extraction.backoff_base", ext.BackoffBase},
		{"extraction.rate_window", ext.RateWindow},
		{"extraction.sweep_interval", ext.SweepInterval},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", d.name, d.value))
		}
	}
	if ext.Debounce > 0 && ext.MaxWait > 0 && ext.Debounce >= ext.MaxWait {
		errs = append(errs, fmt.Errorf("extraction.debounce %s must be shorter than extraction.max_wait %s", ext.Debounce, ext.MaxWait))
	}
	if ext.Workers < 0 {
		errs = append(errs, fmt.Errorf("extraction.workers %d must not be negative", ext.Workers))
	}
	if ext.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("extraction.max_attempts %d must not be negative", ext.MaxAttempts))
	}
	if ext.RateMax < 0 {
		errs = append(errs, fmt.Errorf("extraction.rate_max %d must not be negative", ext.RateMax))
	}
	if ext.RateMax > 0 && ext.RateWindow == 0 {
		errs = append(errs, errors.New("extraction.rate_window is required when extraction.rate_max is set"))
	}

	// Recall
	if cfg.Recall.TopK < 0 {
		errs = append(errs, fmt.Errorf("recall.top_k %d must not be negative", cfg.Recall.TopK))
	}
	if cfg.Recall.MinSimilarity < 0 || cfg.Recall.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("recall.min_similarity %.2f is out of range [0, 1]", cfg.Recall.MinSimilarity))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
