// Package config provides configuration loading, validation, and defaults
// for the consultation orchestrator. It handles YAML config files with
// environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// LLM provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Default model names per provider.
const (
	ModelClaudeSonnetLatest = "claude-sonnet-4-5"
	ModelGPT5Mini           = "gpt-5-mini"
	ModelGeminiFlash        = "gemini-2.5-flash"
	ModelOllamaDefault      = "llama3.1"
	ModelEmbeddingDefault   = "text-embedding-3-small"
)

// Engine defaults.
const (
	DefaultSpecialistTimeout   = 120 * time.Second
	DefaultMaxInformationLoops = 3
	DefaultTopK                = 5
	DefaultMinRelevance        = 0.2
	DefaultLiteratureCacheTTL  = 24 * time.Hour
	DefaultMaxTokens           = 4096
)

// LLMConfig selects the generation provider and models. The coordinator and
// specialists use separate models so the coordinator can run a
// deterministic-leaning configuration.
type LLMConfig struct {
	Provider         string `yaml:"provider"`
	APIKey           string `yaml:"api_key"`
	CoordinatorModel string `yaml:"coordinator_model"`
	SpecialistModel  string `yaml:"specialist_model"`
	OllamaHost       string `yaml:"ollama_host,omitempty"`
	MaxTokens        int    `yaml:"max_tokens"`
}

// EmbeddingsConfig configures the embedding client backing the local
// document store.
type EmbeddingsConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// RetrievalConfig holds evidence bundle knobs.
type RetrievalConfig struct {
	TopK         int     `yaml:"top_k"`
	MinRelevance float64 `yaml:"min_relevance"`
}

// LiteratureConfig configures the external literature search client.
type LiteratureConfig struct {
	BaseURL    string        `yaml:"base_url,omitempty"`
	Email      string        `yaml:"email"`
	Tool       string        `yaml:"tool"`
	APIKey     string        `yaml:"api_key,omitempty"`
	MaxResults int           `yaml:"max_results"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// EngineConfig holds orchestration policy knobs.
type EngineConfig struct {
	SpecialistTimeout   time.Duration `yaml:"specialist_timeout"`
	MaxInformationLoops int           `yaml:"max_information_loops"`
}

// StorageConfig locates the sqlite database and the event log directory.
type StorageConfig struct {
	DBPath      string `yaml:"db_path"`
	EventLogDir string `yaml:"event_log_dir"`
}

// MetricsConfig configures metrics exposure and querying.
type MetricsConfig struct {
	ListenAddr    string `yaml:"listen_addr,omitempty"`
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// Specialist describes one registered specialty: its document collection in
// the local store and prompt framing. Adding a specialty is adding one entry.
type Specialist struct {
	Collection   string `yaml:"collection"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions,omitempty"`
}

// Config is the root configuration.
type Config struct {
	LLM         LLMConfig             `yaml:"llm"`
	Embeddings  EmbeddingsConfig      `yaml:"embeddings"`
	Retrieval   RetrievalConfig       `yaml:"retrieval"`
	Literature  LiteratureConfig      `yaml:"literature"`
	Engine      EngineConfig          `yaml:"engine"`
	Storage     StorageConfig         `yaml:"storage"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Specialists map[string]Specialist `yaml:"specialists"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvVars replaces ${VAR} placeholders with environment values.
// Unset variables substitute to the empty string, caught by validation when
// the field is required.
func substituteEnvVars(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, substitutes, validates, and defaults a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(substituteEnvVars(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderGemini
	}
	if c.LLM.CoordinatorModel == "" {
		c.LLM.CoordinatorModel = defaultModelFor(c.LLM.Provider)
	}
	if c.LLM.SpecialistModel == "" {
		c.LLM.SpecialistModel = defaultModelFor(c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = ModelEmbeddingDefault
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = DefaultTopK
	}
	if c.Retrieval.MinRelevance <= 0 {
		c.Retrieval.MinRelevance = DefaultMinRelevance
	}
	if c.Literature.MaxResults <= 0 {
		c.Literature.MaxResults = DefaultTopK
	}
	if c.Literature.CacheTTL <= 0 {
		c.Literature.CacheTTL = DefaultLiteratureCacheTTL
	}
	if c.Literature.Tool == "" {
		c.Literature.Tool = "consilium"
	}
	if c.Engine.SpecialistTimeout <= 0 {
		c.Engine.SpecialistTimeout = DefaultSpecialistTimeout
	}
	if c.Engine.MaxInformationLoops <= 0 {
		c.Engine.MaxInformationLoops = DefaultMaxInformationLoops
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "consilium.db"
	}
	if c.Storage.EventLogDir == "" {
		c.Storage.EventLogDir = "logs"
	}
}

func defaultModelFor(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return ModelClaudeSonnetLatest
	case ProviderOpenAI:
		return ModelGPT5Mini
	case ProviderOllama:
		return ModelOllamaDefault
	default:
		return ModelGeminiFlash
	}
}

// Validate checks required fields and cross-field invariants.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}

	if c.LLM.Provider != ProviderOllama && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
	}

	if len(c.Specialists) == 0 {
		return fmt.Errorf("at least one specialist must be configured")
	}
	for name, sp := range c.Specialists {
		if sp.Collection == "" {
			return fmt.Errorf("specialist %q has no document collection", name)
		}
	}

	if c.Retrieval.MinRelevance < 0 || c.Retrieval.MinRelevance > 1 {
		return fmt.Errorf("retrieval.min_relevance must be in [0,1], got %v", c.Retrieval.MinRelevance)
	}
	return nil
}

// SpecialtyNames returns the configured specialty identifiers. Map iteration
// order is not stable; callers needing determinism must sort.
func (c *Config) SpecialtyNames() []string {
	names := make([]string, 0, len(c.Specialists))
	for name := range c.Specialists {
		names = append(names, name)
	}
	return names
}
