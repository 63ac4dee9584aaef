// Package config loads EduPilot configuration from a YAML file with
// environment variable overrides. Environment keys always win so deploys
// can tune retrieval and provider settings without editing files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete EduPilot configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Rerank    RerankConfig    `yaml:"rerank" json:"rerank"`
	Chunking  ChunkingConfig  `yaml:"chunking" json:"chunking"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Uploads   UploadsConfig   `yaml:"uploads" json:"uploads"`
	Sessions  SessionsConfig  `yaml:"sessions" json:"sessions"`
	Jobs      JobsConfig      `yaml:"jobs" json:"jobs"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	BodyLimit       string        `yaml:"body_limit" json:"body_limit"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PathsConfig configures on-disk layout.
type PathsConfig struct {
	// DataDir is the root for all persisted state (chunk store, jobs,
	// uploads, sessions, logs).
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// WatchDir, when set, is scanned for dropped corpus files which are
	// enqueued as ingest jobs.
	WatchDir string `yaml:"watch_dir" json:"watch_dir"`
}

// IndexConfig configures hybrid retrieval.
type IndexConfig struct {
	// Alpha is the dense/lexical fusion weight in [0,1]. 1.0 is pure dense.
	Alpha float64 `yaml:"alpha" json:"alpha"`
	// TopKDefault is the default number of retrieved chunks per query.
	TopKDefault int `yaml:"top_k_default" json:"top_k_default"`
	// KCiteDefault is the default number of citation candidates.
	KCiteDefault int `yaml:"k_cite_default" json:"k_cite_default"`
	// EmbedBatchSize bounds texts per embedding request.
	EmbedBatchSize int `yaml:"embed_batch_size" json:"embed_batch_size"`
	// LowConfidenceTau is the fused-score threshold below which answers
	// are flagged low confidence.
	LowConfidenceTau float64 `yaml:"low_confidence_tau" json:"low_confidence_tau"`
}

// ProviderConfig configures the external model provider.
type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	APIKey        string        `yaml:"api_key" json:"-"`
	EmbedModel    string        `yaml:"embed_model" json:"embed_model"`
	RerankModel   string        `yaml:"rerank_model" json:"rerank_model"`
	ChatModel     string        `yaml:"chat_model" json:"chat_model"`
	VisionModel   string        `yaml:"vision_model" json:"vision_model"`
	SpeechModel   string        `yaml:"speech_model" json:"speech_model"`
	EmbedTimeout  time.Duration `yaml:"embed_timeout" json:"embed_timeout"`
	ChatTimeout   time.Duration `yaml:"chat_timeout" json:"chat_timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout" json:"stream_timeout"`
	// Offline switches the embedder to the deterministic hash backend and
	// disables rerank/chat upstream calls. Used by tests and air-gapped runs.
	Offline bool `yaml:"offline" json:"offline"`
}

// RerankConfig configures the reranker client.
type RerankConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	CircuitThreshold int           `yaml:"circuit_threshold" json:"circuit_threshold"`
	CircuitReset     time.Duration `yaml:"circuit_reset" json:"circuit_reset"`
}

// ChunkingConfig configures the semantic chunker.
type ChunkingConfig struct {
	MaxChars int `yaml:"max_chars" json:"max_chars"`
	Overlap  int `yaml:"overlap" json:"overlap"`
}

// RateLimitConfig configures per-principal sliding-window admission.
type RateLimitConfig struct {
	// Limit is the maximum calls per principal per window. 0 disables.
	Limit int `yaml:"limit" json:"limit"`
	// Window is the sliding window length.
	Window time.Duration `yaml:"window" json:"window"`
	// IngestLimit bounds ingest endpoints separately from queries.
	IngestLimit int `yaml:"ingest_limit" json:"ingest_limit"`
}

// AuthConfig configures JWT authentication.
type AuthConfig struct {
	AllowAnonymous bool   `yaml:"allow_anonymous" json:"allow_anonymous"`
	JWTSecret      string `yaml:"jwt_secret" json:"-"`
	JWTExpires     time.Duration `yaml:"jwt_expires" json:"jwt_expires"`
}

// UploadsConfig configures the upload byte store.
type UploadsConfig struct {
	// RetentionDays is the default retention for uploads. 0 disables expiry.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`
	// MaxSizeBytes bounds a single upload.
	MaxSizeBytes int64 `yaml:"max_size_bytes" json:"max_size_bytes"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// TTL is the inactivity horizon after which a session is GC eligible.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// JobsConfig configures the async ingest queue.
type JobsConfig struct {
	Workers        int           `yaml:"workers" json:"workers"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	RetryBase      time.Duration `yaml:"retry_base" json:"retry_base"`
	RetryCap       time.Duration `yaml:"retry_cap" json:"retry_cap"`
	StaleThreshold time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			BodyLimit:       "50M",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Index: IndexConfig{
			Alpha:            0.6,
			TopKDefault:      5,
			KCiteDefault:     2,
			EmbedBatchSize:   32,
			LowConfidenceTau: 0.2,
		},
		Provider: ProviderConfig{
			BaseURL:       "http://localhost:8000/v1",
			EmbedModel:    "bge-m3",
			RerankModel:   "bge-reranker-v2-m3",
			ChatModel:     "qwen2.5-14b-instruct",
			VisionModel:   "qwen2.5-vl-7b-instruct",
			SpeechModel:   "whisper-large-v3",
			EmbedTimeout:  10 * time.Second,
			ChatTimeout:   60 * time.Second,
			StreamTimeout: 180 * time.Second,
		},
		Rerank: RerankConfig{
			MaxAttempts:      3,
			Timeout:          8 * time.Second,
			CircuitThreshold: 5,
			CircuitReset:     30 * time.Second,
		},
		Chunking: ChunkingConfig{
			MaxChars: 800,
			Overlap:  120,
		},
		RateLimit: RateLimitConfig{
			Limit:       30,
			Window:      10 * time.Second,
			IngestLimit: 10,
		},
		Auth: AuthConfig{
			AllowAnonymous: true,
			JWTExpires:     24 * time.Hour,
		},
		Uploads: UploadsConfig{
			RetentionDays: 30,
			MaxSizeBytes:  50 << 20,
		},
		Sessions: SessionsConfig{
			TTL: 14 * 24 * time.Hour,
		},
		Jobs: JobsConfig{
			Workers:        1,
			MaxAttempts:    3,
			RetryBase:      5 * time.Second,
			RetryCap:       5 * time.Minute,
			StaleThreshold: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides. A missing file is not an error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the recognized environment keys.
func (c *Config) applyEnvOverrides() {
	envFloat("INDEX_ALPHA", &c.Index.Alpha)
	envInt("TOP_K_DEFAULT", &c.Index.TopKDefault)
	envInt("K_CITE_DEFAULT", &c.Index.KCiteDefault)

	envInt("UPLOAD_RETENTION_DAYS", &c.Uploads.RetentionDays)

	envInt("RATE_LIMIT", &c.RateLimit.Limit)
	envSeconds("RATE_WINDOW", &c.RateLimit.Window)

	envInt("RERANK_MAX_ATTEMPTS", &c.Rerank.MaxAttempts)
	envMillis("RERANK_TIMEOUT_MS", &c.Rerank.Timeout)
	envInt("RERANK_CIRCUIT_THRESHOLD", &c.Rerank.CircuitThreshold)
	envSeconds("RERANK_CIRCUIT_RESET_S", &c.Rerank.CircuitReset)

	envString("PROVIDER_BASE_URL", &c.Provider.BaseURL)
	envString("PROVIDER_API_KEY", &c.Provider.APIKey)
	envString("EMBED_MODEL", &c.Provider.EmbedModel)
	envString("RERANK_MODEL", &c.Provider.RerankModel)
	envString("CHAT_MODEL", &c.Provider.ChatModel)
	envString("VISION_MODEL", &c.Provider.VisionModel)
	envString("SPEECH_MODEL", &c.Provider.SpeechModel)
	envBool("EDUPILOT_OFFLINE", &c.Provider.Offline)

	envBool("AUTH_ALLOW_ANONYMOUS", &c.Auth.AllowAnonymous)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envSeconds("JWT_EXPIRES_SECONDS", &c.Auth.JWTExpires)

	envString("EDUPILOT_DATA_DIR", &c.Paths.DataDir)
	envString("EDUPILOT_LOG_LEVEL", &c.Logging.Level)
}

// Validate checks invariants that would otherwise surface as subtle
// retrieval bugs.
func (c *Config) Validate() error {
	if c.Index.Alpha < 0 || c.Index.Alpha > 1 {
		return fmt.Errorf("index.alpha must be in [0,1], got %v", c.Index.Alpha)
	}
	if c.Index.TopKDefault <= 0 {
		return fmt.Errorf("index.top_k_default must be positive")
	}
	if c.Index.KCiteDefault <= 0 {
		return fmt.Errorf("index.k_cite_default must be positive")
	}
	if c.Chunking.Overlap >= c.Chunking.MaxChars {
		return fmt.Errorf("chunking.overlap (%d) must be smaller than max_chars (%d)",
			c.Chunking.Overlap, c.Chunking.MaxChars)
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must not be negative")
	}
	if !c.Auth.AllowAnonymous && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when anonymous access is disabled")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edupilot"
	}
	return home + "/.edupilot"
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
