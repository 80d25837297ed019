// Package config loads the engine configuration from YAML with
// environment overrides for deploy-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the analysis engine.
type Config struct {
	Postgres    PostgresConfig         `yaml:"postgres"`
	Redis       RedisConfig            `yaml:"redis"`
	HTTP        HTTPConfig             `yaml:"http"`
	RateLimit   RateLimitConfig        `yaml:"rate_limit"`
	Normalize   NormalizeConfig        `yaml:"normalize"`
	WorkerPools WorkerPoolsConfig      `yaml:"worker_pools"`
	Queues      map[string]QueueConfig `yaml:"queue"`
	Cache       CacheConfig            `yaml:"cache"`
	Vector      VectorConfig           `yaml:"vector"`
	LLM         LLMConfig              `yaml:"llm"`
	Analysis    AnalysisConfig         `yaml:"analysis"`
	Crawler     CrawlerConfig          `yaml:"crawler"`
	Compliance  ComplianceConfig       `yaml:"compliance"`
	Audit       AuditConfig            `yaml:"audit"`
	Patterns    PatternsConfig         `yaml:"patterns"`
	Monitor     MonitorConfig          `yaml:"monitor"`
	Events      EventsConfig           `yaml:"events"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	Logging     LoggingConfig          `yaml:"logging"`

	// GracefulShutdownSeconds bounds the drain window on SIGTERM.
	GracefulShutdownSeconds int `yaml:"graceful_shutdown_seconds"`
}

// PostgresConfig holds the relational store connection settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds cache and queue connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig bounds outbound document fetches.
type HTTPConfig struct {
	TimeoutMS    int    `yaml:"timeout_ms"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	UserAgent    string `yaml:"user_agent"`
}

// RateLimitConfig shapes the per-host buckets and the global cap.
type RateLimitConfig struct {
	PerHostRate    float64       `yaml:"per_host_rate"` // tokens per second
	PerHostBurst   int           `yaml:"per_host_burst"`
	GlobalInFlight int64         `yaml:"global_in_flight"`
	IdleEviction   time.Duration `yaml:"idle_eviction"`
}

// NormalizeConfig caps document normalization input.
type NormalizeConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

// WorkerPoolsConfig sizes every worker pool.
type WorkerPoolsConfig struct {
	Crawler    int `yaml:"crawler"`
	Intake     int `yaml:"intake"`
	Analyzer   int `yaml:"analyzer"`
	Monitor    int `yaml:"monitor"`
	Compliance int `yaml:"compliance"`
}

// QueueConfig holds per-queue delivery settings.
type QueueConfig struct {
	MaxAttempts       int   `yaml:"max_attempts"`
	VisibilitySeconds int   `yaml:"visibility_seconds"`
	SoftLimit         int64 `yaml:"soft_limit"`
	HardLimit         int64 `yaml:"hard_limit"`
}

// CacheConfig holds TTLs per key category.
type CacheConfig struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`
	DocMetaTTL    time.Duration `yaml:"doc_meta_ttl"`
	ContentTTL    time.Duration `yaml:"content_ttl"`
	AnalysisTTL   time.Duration `yaml:"analysis_ttl"`
	PatternLibTTL time.Duration `yaml:"pattern_lib_ttl"`
	DedupLockTTL  time.Duration `yaml:"dedup_lock_ttl"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	PatternScoreThreshold float64 `yaml:"score_threshold_patterns"`
	PatternTopK           int     `yaml:"pattern_top_k"`
	WindowChars           int     `yaml:"window_chars"`
	WindowOverlap         int     `yaml:"window_overlap"`
	EmbedderEndpoint      string  `yaml:"embedder_endpoint"`
	EmbedderAPIKey        string  `yaml:"embedder_api_key"`
	EmbedderClauseModel   string  `yaml:"embedder_clause_model"`
	EmbedderDocModel      string  `yaml:"embedder_doc_model"`
}

// LLMConfig holds the summarization backend settings.
type LLMConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AnalysisConfig holds pipeline retention settings.
type AnalysisConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CrawlerConfig holds fetch-loop behavior.
type CrawlerConfig struct {
	// TargetsFile lists statically monitored sources; empty means the
	// swarm starts with no targets and relies on per-document monitoring.
	TargetsFile            string        `yaml:"targets_file"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffCap             time.Duration `yaml:"backoff_cap"`
	PauseCooldown          time.Duration `yaml:"pause_cooldown"`
	PollInterval           time.Duration `yaml:"poll_interval"`
}

// ComplianceConfig holds trend window lengths.
type ComplianceConfig struct {
	Window1D  time.Duration `yaml:"window_1d"`
	Window7D  time.Duration `yaml:"window_7d"`
	Window30D time.Duration `yaml:"window_30d"`
	RulesDir  string        `yaml:"rules_dir"`
}

// AuditConfig holds audit log retention.
type AuditConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PatternsConfig locates the pattern rule library.
type PatternsConfig struct {
	LibraryDir string `yaml:"library_dir"`
	HotReload  bool   `yaml:"hot_reload"`
}

// MonitorConfig drives the due-document scheduler.
type MonitorConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// EventsConfig shapes outbox dispatch.
type EventsConfig struct {
	Channel          string        `yaml:"channel"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	BatchSize        int           `yaml:"batch_size"`
	RetentionDays    int           `yaml:"retention_days"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// QueueNames used throughout the engine.
const (
	QueueIntake     = "intake"
	QueueAnalysis   = "analysis"
	QueueMonitor    = "monitor"
	QueueCompliance = "compliance"
)

// Load reads and parses the configuration file. A missing file yields
// defaults so local runs work without setup.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config with the documented default values.
func Defaults() *Config {
	return &Config{
		Postgres: PostgresConfig{
			DSN:             "postgres://fpai@localhost:5432/fpai?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		HTTP: HTTPConfig{
			TimeoutMS:    30000,
			MaxBodyBytes: 10 << 20,
			UserAgent:    "FinePrintAI-Monitor/1.0 (+https://fineprint.ai/bot)",
		},
		RateLimit: RateLimitConfig{
			PerHostRate:    1,
			PerHostBurst:   4,
			GlobalInFlight: 64,
			IdleEviction:   10 * time.Minute,
		},
		Normalize: NormalizeConfig{
			MaxBytes: 2 << 20,
		},
		WorkerPools: WorkerPoolsConfig{
			Crawler:    32,
			Intake:     16,
			Analyzer:   8,
			Monitor:    2,
			Compliance: 4,
		},
		Queues: map[string]QueueConfig{
			QueueIntake:     {MaxAttempts: 8, VisibilitySeconds: 60, SoftLimit: 5000, HardLimit: 20000},
			QueueAnalysis:   {MaxAttempts: 8, VisibilitySeconds: 300, SoftLimit: 2000, HardLimit: 10000},
			QueueMonitor:    {MaxAttempts: 8, VisibilitySeconds: 120, SoftLimit: 5000, HardLimit: 20000},
			QueueCompliance: {MaxAttempts: 8, VisibilitySeconds: 120, SoftLimit: 5000, HardLimit: 20000},
		},
		Cache: CacheConfig{
			SessionTTL:    time.Hour,
			DocMetaTTL:    time.Hour,
			ContentTTL:    24 * time.Hour,
			AnalysisTTL:   24 * time.Hour,
			PatternLibTTL: 24 * time.Hour,
			DedupLockTTL:  10 * time.Minute,
		},
		Vector: VectorConfig{
			PatternScoreThreshold: 0.8,
			PatternTopK:           20,
			WindowChars:           2000,
			WindowOverlap:         200,
			EmbedderClauseModel:   "fpai-clause-embed-768",
			EmbedderDocModel:      "fpai-doc-embed-1536",
		},
		LLM: LLMConfig{
			Endpoint:  "http://localhost:8000/v1/completions",
			Model:     "fpai-legal-analyst-1",
			TimeoutMS: 90000,
			MaxTokens: 2048,
		},
		Analysis: AnalysisConfig{
			RetentionDays: 90,
			SweepInterval: 10 * time.Minute,
		},
		Crawler: CrawlerConfig{
			MaxConsecutiveFailures: 5,
			BackoffBase:            time.Second,
			BackoffCap:             60 * time.Minute,
			PauseCooldown:          30 * time.Second,
			PollInterval:           15 * time.Second,
		},
		Compliance: ComplianceConfig{
			Window1D:  24 * time.Hour,
			Window7D:  7 * 24 * time.Hour,
			Window30D: 30 * 24 * time.Hour,
			RulesDir:  "configs/jurisdictions",
		},
		Audit: AuditConfig{
			RetentionDays: 365,
			SweepInterval: time.Hour,
		},
		Patterns: PatternsConfig{
			LibraryDir: "configs/patterns",
			HotReload:  true,
		},
		Monitor: MonitorConfig{
			ScanInterval: 30 * time.Second,
			BatchSize:    100,
		},
		Events: EventsConfig{
			Channel:          "fpai:events",
			DispatchInterval: 2 * time.Second,
			BatchSize:        100,
			RetentionDays:    7,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		GracefulShutdownSeconds: 30,
	}
}

// Queue returns the settings for a named queue, falling back to the
// analysis queue defaults for unknown names.
func (c *Config) Queue(name string) QueueConfig {
	if q, ok := c.Queues[name]; ok {
		return q
	}
	return QueueConfig{MaxAttempts: 8, VisibilitySeconds: 300, SoftLimit: 2000, HardLimit: 10000}
}

// applyEnvOverrides applies FPAI_* environment variable overrides for
// values that differ per deployment or must not live in files.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FPAI_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("FPAI_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FPAI_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("FPAI_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("FPAI_LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("FPAI_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("FPAI_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("FPAI_EMBEDDER_ENDPOINT"); v != "" {
		c.Vector.EmbedderEndpoint = v
	}
	if v := os.Getenv("FPAI_EMBEDDER_API_KEY"); v != "" {
		c.Vector.EmbedderAPIKey = v
	}
	if v := os.Getenv("FPAI_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FPAI_PATTERNS_DIR"); v != "" {
		c.Patterns.LibraryDir = v
	}
	if os.Getenv("FPAI_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.OTLPEndpoint = v
	}
}

// validate checks that the configuration is internally consistent.
func (c *Config) validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Normalize.MaxBytes <= 0 {
		return fmt.Errorf("normalize.max_bytes must be positive")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	if c.RateLimit.PerHostRate <= 0 || c.RateLimit.PerHostBurst <= 0 {
		return fmt.Errorf("rate_limit.per_host_rate and per_host_burst must be positive")
	}
	if c.RateLimit.GlobalInFlight <= 0 {
		return fmt.Errorf("rate_limit.global_in_flight must be positive")
	}
	for _, name := range []string{QueueIntake, QueueAnalysis, QueueMonitor, QueueCompliance} {
		q := c.Queue(name)
		if q.MaxAttempts <= 0 {
			return fmt.Errorf("queue.%s.max_attempts must be positive", name)
		}
		if q.VisibilitySeconds <= 0 {
			return fmt.Errorf("queue.%s.visibility_seconds must be positive", name)
		}
		if q.SoftLimit <= 0 || q.HardLimit < q.SoftLimit {
			return fmt.Errorf("queue.%s limits invalid: soft=%d hard=%d", name, q.SoftLimit, q.HardLimit)
		}
	}
	if c.Vector.PatternScoreThreshold < 0 || c.Vector.PatternScoreThreshold > 1 {
		return fmt.Errorf("vector.score_threshold_patterns must be in [0,1]")
	}
	if c.Analysis.RetentionDays <= 0 {
		return fmt.Errorf("analysis.retention_days must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit.retention_days must be positive")
	}
	if s := c.WorkerPools; s.Crawler <= 0 || s.Intake <= 0 || s.Analyzer <= 0 || s.Monitor <= 0 || s.Compliance <= 0 {
		return fmt.Errorf("worker_pools sizes must all be positive")
	}
	return nil
}
