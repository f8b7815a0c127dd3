// Package config handles Mandarin configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mandarin/config.yaml, /etc/mandarin/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mandarin", "config.yaml"))
	}

	paths = append(paths, "/etc/mandarin/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mandarin configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	UserName   string           `yaml:"user_name"`
	Timezone   string           `yaml:"timezone"` // IANA name for {{TIME}}; empty is the host zone
	ModelsFile string           `yaml:"models_file"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Generation GenerationConfig `yaml:"generation"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Memory     MemoryConfig     `yaml:"memory"`

	// DefaultModel is used when a chat has no model set and settings.json
	// does not name one either.
	DefaultModel string `yaml:"default_model"`

	// ChatNamerModel generates chat titles. Empty means the small model.
	ChatNamerModel string `yaml:"chat_namer_model"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig holds per-vendor credentials. Keys set here are the
// lowest-precedence source; environment variables and settings.json win.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Google    ProviderConfig `yaml:"google"`
}

// ProviderConfig configures one LLM vendor.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor endpoint. Mostly useful for proxies.
	BaseURL string `yaml:"base_url"`
}

// SearchConfig configures web search for the tool path.
type SearchConfig struct {
	// Provider is the primary backend: tavily, searxng or brave.
	Provider     string        `yaml:"provider"`
	MaxResults   int           `yaml:"max_results"`
	FetchContent bool          `yaml:"fetch_content"`
	Attempts     int           `yaml:"attempts"`
	Tavily       TavilyConfig  `yaml:"tavily"`
	SearXNG      SearXNGConfig `yaml:"searxng"`
	Brave        BraveConfig   `yaml:"brave"`
	Cache        CacheConfig   `yaml:"cache"`
}

// TavilyConfig configures the Tavily search API.
type TavilyConfig struct {
	APIKey      string `yaml:"api_key"`
	SearchDepth string `yaml:"search_depth"` // basic or advanced
}

// Configured reports whether Tavily has an API key.
func (c TavilyConfig) Configured() bool { return c.APIKey != "" }

// SearXNGConfig configures a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether SearXNG has a URL.
func (c SearXNGConfig) Configured() bool { return c.URL != "" }

// BraveConfig configures the Brave Search API.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether Brave has an API key.
func (c BraveConfig) Configured() bool { return c.APIKey != "" }

// CacheConfig configures the similarity cache in front of search.
type CacheConfig struct {
	// Backend is "memory" (default), "redis" or "none".
	Backend string `yaml:"backend"`

	// Threshold is the minimum similarity ratio for a cache hit.
	Threshold float64 `yaml:"threshold"`

	// TTL evicts entries after this long. Zero keeps them for the life
	// of the process.
	TTL time.Duration `yaml:"ttl"`

	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // ollama (default) or openai
	Model    string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	BaseURL  string `yaml:"baseurl"`  // Ollama URL
}

// GenerationConfig tunes the orchestrator.
type GenerationConfig struct {
	ChunkSize     int `yaml:"chunk_size"`
	MaxToolRounds int `yaml:"max_tool_rounds"`
	MaxTokens     int `yaml:"max_tokens"` // 0 keeps each vendor's default
}

// EvaluationConfig tunes the command evaluator.
type EvaluationConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Attempts    int           `yaml:"attempts"`
	EvalRetries int           `yaml:"eval_retries"`
}

// MemoryConfig controls long-term memory.
type MemoryConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SmallModel          string  `yaml:"small_model"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	TopK                int     `yaml:"top_k"`
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${NAME} are expanded before parsing, and unset fields are
// filled from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:   ListenConfig{Port: 8080},
		DataDir:  "data",
		LogLevel: "info",
		Search: SearchConfig{
			Provider:   "tavily",
			MaxResults: 5,
			Attempts:   3,
			Cache:      CacheConfig{Backend: "memory", Threshold: 0.85},
		},
		Generation: GenerationConfig{ChunkSize: 50, MaxToolRounds: 8},
		Evaluation: EvaluationConfig{Timeout: 60 * time.Second, Attempts: 3, EvalRetries: 3},
		Memory:     MemoryConfig{Enabled: true, SimilarityThreshold: 0.3, TopK: 5},
	}
	return cfg
}

// applyDefaults repairs zero values a partial YAML file may leave behind.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = d.Search.MaxResults
	}
	if c.Search.Attempts <= 0 {
		c.Search.Attempts = d.Search.Attempts
	}
	if c.Search.Cache.Backend == "" {
		c.Search.Cache.Backend = d.Search.Cache.Backend
	}
	if c.Search.Cache.Threshold <= 0 {
		c.Search.Cache.Threshold = d.Search.Cache.Threshold
	}
	if c.Generation.ChunkSize <= 0 {
		c.Generation.ChunkSize = d.Generation.ChunkSize
	}
	if c.Generation.MaxToolRounds <= 0 {
		c.Generation.MaxToolRounds = d.Generation.MaxToolRounds
	}
	if c.Evaluation.Timeout <= 0 {
		c.Evaluation.Timeout = d.Evaluation.Timeout
	}
	if c.Evaluation.Attempts <= 0 {
		c.Evaluation.Attempts = d.Evaluation.Attempts
	}
	if c.Evaluation.EvalRetries <= 0 {
		c.Evaluation.EvalRetries = d.Evaluation.EvalRetries
	}
	if c.Memory.TopK <= 0 {
		c.Memory.TopK = d.Memory.TopK
	}
	if c.ModelsFile == "" {
		c.ModelsFile = filepath.Join(c.DataDir, "models.yaml")
	}
}

// Validate checks values that have no sensible repair.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Search.Provider {
	case "", "tavily", "searxng", "brave":
	default:
		return fmt.Errorf("search.provider: unknown provider %q", c.Search.Provider)
	}
	switch c.Search.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Search.Cache.RedisAddr == "" {
			return fmt.Errorf("search.cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("search.cache.backend: unknown backend %q", c.Search.Cache.Backend)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if c.Search.Cache.Threshold > 1 {
		return fmt.Errorf("search.cache.threshold must be <= 1, got %v", c.Search.Cache.Threshold)
	}
	return nil
}

// Location returns the configured time zone, falling back to the host's.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
