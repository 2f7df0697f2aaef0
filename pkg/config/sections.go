package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// ReadTimeout/WriteTimeout bound slow clients, not simulation work.
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 0 // streaming endpoints need no write deadline
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// LoggerConfig configures logging behavior.
//
// Priority order (highest to lowest): CLI flags, environment variables
// (LOG_LEVEL, LOG_FILE, LOG_FORMAT), config file, defaults.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// File is the log file path; empty means stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Format is "simple", "verbose", or "json". Default: simple.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "", "simple", "verbose", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: simple, verbose, json)", c.Format)
	}
	return nil
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "sql".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	c.Database.SetDefaults()
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory", "sql":
	default:
		return fmt.Errorf("invalid store backend %q (valid: memory, sql)", c.Backend)
	}
	if c.Backend == "sql" {
		return c.Database.Validate()
	}
	return nil
}

// GatewayConfig configures the LM gateway client.
type GatewayConfig struct {
	// BaseURL is the LM gateway service address (LM_SERVICE_URL).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// EmbeddingDimension is the required dimension D of embedding vectors.
	EmbeddingDimension int `yaml:"embedding_dimension,omitempty" json:"embedding_dimension,omitempty"`

	MaxRetries     int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty" json:"retry_base_delay,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`

	// CacheSize bounds the embedding and completion LRU caches.
	CacheSize int `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`

	// GlobalConcurrency caps in-flight gateway calls process-wide;
	// WorldConcurrency caps them per world so one busy world cannot starve
	// the others.
	GlobalConcurrency int `yaml:"global_concurrency,omitempty" json:"global_concurrency,omitempty"`
	WorldConcurrency  int `yaml:"world_concurrency,omitempty" json:"world_concurrency,omitempty"`
}

func (c *GatewayConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8100"
	}
	if c.EmbeddingDimension == 0 {
		c.EmbeddingDimension = 1536
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CacheSize == 0 {
		c.CacheSize = 4096
	}
	if c.GlobalConcurrency == 0 {
		c.GlobalConcurrency = 32
	}
	if c.WorldConcurrency == 0 {
		c.WorldConcurrency = 8
	}
}

func (c *GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive")
	}
	if c.WorldConcurrency > c.GlobalConcurrency {
		return fmt.Errorf("world_concurrency (%d) cannot exceed global_concurrency (%d)",
			c.WorldConcurrency, c.GlobalConcurrency)
	}
	return nil
}

// VectorConfig selects the vector index provider used when an agent's
// memory volume exceeds the retrieval window.
type VectorConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// PersistPath enables chromem file persistence when set.
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`

	// Qdrant connection settings.
	QdrantHost   string `yaml:"qdrant_host,omitempty" json:"qdrant_host,omitempty"`
	QdrantPort   int    `yaml:"qdrant_port,omitempty" json:"qdrant_port,omitempty"`
	QdrantAPIKey string `yaml:"qdrant_api_key,omitempty" json:"qdrant_api_key,omitempty"`
	QdrantUseTLS bool   `yaml:"qdrant_use_tls,omitempty" json:"qdrant_use_tls,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	if c.QdrantHost == "" {
		c.QdrantHost = "localhost"
	}
	if c.QdrantPort == 0 {
		c.QdrantPort = 6334
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid vector provider %q (valid: chromem, qdrant)", c.Provider)
	}
	return nil
}

// SimulationConfig configures tick cadence and deadlines.
type SimulationConfig struct {
	// BaseTickInterval is the real-time interval between ticks.
	BaseTickInterval time.Duration `yaml:"base_tick_interval,omitempty" json:"base_tick_interval,omitempty"`

	// TickDeadline bounds one world tick; agents still running at the
	// deadline contribute no event that tick.
	TickDeadline time.Duration `yaml:"tick_deadline,omitempty" json:"tick_deadline,omitempty"`

	// PerceptionRadius bounds which agents an agent notices.
	PerceptionRadius float64 `yaml:"perception_radius,omitempty" json:"perception_radius,omitempty"`

	// RecentEventWindow is how many recent events feed perception.
	RecentEventWindow int `yaml:"recent_event_window,omitempty" json:"recent_event_window,omitempty"`
}

func (c *SimulationConfig) SetDefaults() {
	if c.BaseTickInterval == 0 {
		c.BaseTickInterval = time.Second
	}
	if c.TickDeadline == 0 {
		c.TickDeadline = 30 * time.Second
	}
	if c.PerceptionRadius == 0 {
		c.PerceptionRadius = 10
	}
	if c.RecentEventWindow == 0 {
		c.RecentEventWindow = 5
	}
}

func (c *SimulationConfig) Validate() error {
	if c.BaseTickInterval <= 0 {
		return fmt.Errorf("base_tick_interval must be positive")
	}
	if c.TickDeadline <= 0 {
		return fmt.Errorf("tick_deadline must be positive")
	}
	return nil
}

// RetrievalConfig tunes memory-stream retrieval scoring.
type RetrievalConfig struct {
	// DefaultLimit is the number of memories returned when the caller
	// does not specify one.
	DefaultLimit int `yaml:"default_limit,omitempty" json:"default_limit,omitempty"`

	// MaxLoaded (T) bounds how many memories are loaded per retrieval;
	// beyond it the vector index supplies candidates.
	MaxLoaded int `yaml:"max_loaded,omitempty" json:"max_loaded,omitempty"`

	// RecencyHalfLifeHours is the simulated-hours half-life of the
	// recency score.
	RecencyHalfLifeHours float64 `yaml:"recency_half_life_hours,omitempty" json:"recency_half_life_hours,omitempty"`

	// Default score weights: relevance, recency, importance.
	RelevanceWeight  float64 `yaml:"relevance_weight,omitempty" json:"relevance_weight,omitempty"`
	RecencyWeight    float64 `yaml:"recency_weight,omitempty" json:"recency_weight,omitempty"`
	ImportanceWeight float64 `yaml:"importance_weight,omitempty" json:"importance_weight,omitempty"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 20
	}
	if c.MaxLoaded == 0 {
		c.MaxLoaded = 2000
	}
	if c.RecencyHalfLifeHours == 0 {
		c.RecencyHalfLifeHours = 24
	}
	if c.RelevanceWeight == 0 {
		c.RelevanceWeight = 1.0
	}
	if c.RecencyWeight == 0 {
		c.RecencyWeight = 1.0
	}
	if c.ImportanceWeight == 0 {
		c.ImportanceWeight = 1.0
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.DefaultLimit <= 0 {
		return fmt.Errorf("default_limit must be positive")
	}
	if c.MaxLoaded <= 0 {
		return fmt.Errorf("max_loaded must be positive")
	}
	if c.RecencyHalfLifeHours <= 0 {
		return fmt.Errorf("recency_half_life_hours must be positive")
	}
	return nil
}

// ReflectionConfig tunes the reflection engine.
type ReflectionConfig struct {
	// Threshold is the importance sum that triggers reflection.
	Threshold int `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// WindowHours is the simulated-hours window the trigger sums over.
	WindowHours float64 `yaml:"window_hours,omitempty" json:"window_hours,omitempty"`

	// RecentObservations (N) is how many observations seed question
	// generation.
	RecentObservations int `yaml:"recent_observations,omitempty" json:"recent_observations,omitempty"`

	// EvidenceLimit (K) bounds supporting memories per question.
	EvidenceLimit int `yaml:"evidence_limit,omitempty" json:"evidence_limit,omitempty"`

	// MaxDepth bounds reflection recursion.
	MaxDepth int `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
}

func (c *ReflectionConfig) SetDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 150
	}
	if c.WindowHours == 0 {
		c.WindowHours = 24
	}
	if c.RecentObservations == 0 {
		c.RecentObservations = 100
	}
	if c.EvidenceLimit == 0 {
		c.EvidenceLimit = 15
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
}

func (c *ReflectionConfig) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive")
	}
	if c.MaxDepth < 1 || c.MaxDepth > 2 {
		return fmt.Errorf("max_depth must be 1 or 2")
	}
	return nil
}

// PlannerConfig tunes plan generation and reactive replanning.
type PlannerConfig struct {
	// DisruptionMarkers force a minute-level replan when present in an
	// observation. SignificantMarkers additionally regenerate the hourly
	// plan.
	DisruptionMarkers  []string `yaml:"disruption_markers,omitempty" json:"disruption_markers,omitempty"`
	SignificantMarkers []string `yaml:"significant_markers,omitempty" json:"significant_markers,omitempty"`

	// ContextTokenBudget bounds the retrieved-memory context included in
	// planning prompts.
	ContextTokenBudget int `yaml:"context_token_budget,omitempty" json:"context_token_budget,omitempty"`

	// TokenEncoding is the tiktoken encoding used for budgeting.
	TokenEncoding string `yaml:"token_encoding,omitempty" json:"token_encoding,omitempty"`

	// MemoryContextLimit is how many memories to retrieve for plan prompts.
	MemoryContextLimit int `yaml:"memory_context_limit,omitempty" json:"memory_context_limit,omitempty"`
}

func (c *PlannerConfig) SetDefaults() {
	if len(c.DisruptionMarkers) == 0 {
		c.DisruptionMarkers = []string{
			"unexpected", "blocked", "interrupted", "emergency", "cancelled", "conflict",
		}
	}
	if len(c.SignificantMarkers) == 0 {
		c.SignificantMarkers = []string{"emergency", "urgent", "changed location"}
	}
	if c.ContextTokenBudget == 0 {
		c.ContextTokenBudget = 2000
	}
	if c.TokenEncoding == "" {
		c.TokenEncoding = "cl100k_base"
	}
	if c.MemoryContextLimit == 0 {
		c.MemoryContextLimit = 10
	}
}

func (c *PlannerConfig) Validate() error {
	if c.ContextTokenBudget <= 0 {
		return fmt.Errorf("context_token_budget must be positive")
	}
	return nil
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty"`
	TracingEnabled bool `yaml:"tracing_enabled,omitempty" json:"tracing_enabled,omitempty"`

	// TraceExporter is "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter,omitempty" json:"trace_exporter,omitempty"`

	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.TraceExporter == "" {
		c.TraceExporter = "stdout"
	}
	if c.ServiceName == "" {
		c.ServiceName = "simworld"
	}
}

func (c *ObservabilityConfig) Validate() error {
	switch c.TraceExporter {
	case "", "stdout", "none":
	default:
		return fmt.Errorf("invalid trace_exporter %q (valid: stdout, none)", c.TraceExporter)
	}
	return nil
}
