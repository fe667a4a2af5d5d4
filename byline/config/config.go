package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/byline-digest/byline"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Byline        BylineConfig        `mapstructure:"byline"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Model         ModelConfig         `mapstructure:"model"`
	Search        SearchConfig        `mapstructure:"search"`
	Harness       HarnessConfig       `mapstructure:"harness"`
	Users         UsersConfig         `mapstructure:"users"`
	Mail          MailConfig          `mapstructure:"mail"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type" validate:"oneof=libsql"`
	// Embedded-only configuration
	LibSQLDataDir string `mapstructure:"libsql_data_dir"` // Directory for database files
}

// BylineConfig stores application-level settings.
type BylineConfig struct {
	CacheDir     string         `mapstructure:"cacheDir"`
	Database     DatabaseConfig `mapstructure:"database"`
	PersistRuns  bool           `mapstructure:"persist_runs"` // write finished runs to the run store
	RunTimeout   time.Duration  `mapstructure:"run_timeout"`  // per-interest conversation timeout
	Concurrency  int            `mapstructure:"concurrency" validate:"min=1,max=64"`
	DailyAt      string         `mapstructure:"daily_at"` // HH:MM local time for serve mode
	FallbackText string         `mapstructure:"fallback_text"`
	EnvFile      string         `mapstructure:"env_file"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	File   string `mapstructure:"file"` // optional tee target
}

// ModelConfig selects and configures the language model client.
type ModelConfig struct {
	Provider    string        `mapstructure:"provider" validate:"oneof=openai chat"` // "openai" Responses API, "chat" completions
	Name        string        `mapstructure:"name" validate:"required"`
	BaseURL     string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SearchConfig selects the search backend.
type SearchConfig struct {
	Backend    string        `mapstructure:"backend" validate:"oneof=exa arxiv"`
	Recency    time.Duration `mapstructure:"recency"`
	MaxResults int           `mapstructure:"max_results" validate:"min=1,max=10"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Exa        ExaConfig     `mapstructure:"exa"`
	Arxiv      ArxivConfig   `mapstructure:"arxiv"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type ExaConfig struct {
	BaseURL    string `mapstructure:"base_url" validate:"url"`
	APIKey     string `mapstructure:"api_key"`
	SearchType string `mapstructure:"search_type"` // "auto", "neural", "keyword"
}

type ArxivConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"url"`
}

// BreakerConfig tunes the search circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxFailures      uint32        `mapstructure:"max_failures"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// HarnessConfig stores LLM harness configurations.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Cache search results
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`     // Throttle model calls
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // Token bucket capacity
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // Refill rate

	// Policies
	MaxRounds   int           `mapstructure:"max_rounds"`   // Tool-execution phases per conversation
	MaxBullets  int           `mapstructure:"max_bullets"`  // Bullets per interest in the answer
	ToolTimeout time.Duration `mapstructure:"tool_timeout"` // Per-tool timeout

	// Context budget for tool results
	MaxContextTokens int `mapstructure:"max_context_tokens"`
	MaxSummaryTokens int `mapstructure:"max_summary_tokens"`

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"` // Enable schema checks and output masking
	EnforceContract  bool     `mapstructure:"enforce_contract"`  // Repair answers to the output format
	AllowedTools     []string `mapstructure:"allowed_tools"`     // Whitelist of allowed tool names

	// Telemetry
	EnableTracing bool   `mapstructure:"enable_tracing"` // Enable structured logging/tracing
	Tracer        string `mapstructure:"tracer"`         // "zerolog" or "otel"

	// Performance
	ToolConcurrency int `mapstructure:"tool_concurrency"` // Max concurrent tool executions per round
}

// UsersConfig selects where users and their interests come from.
type UsersConfig struct {
	Source         string `mapstructure:"source" validate:"oneof=supabase file"`
	File           string `mapstructure:"file"`
	SupabaseURL    string `mapstructure:"supabase_url"`
	SupabaseKey    string `mapstructure:"supabase_key"`
	UsersTable     string `mapstructure:"users_table"`
	InterestsTable string `mapstructure:"interests_table"`
}

// MailConfig configures delivery.
type MailConfig struct {
	Mode     string `mapstructure:"mode" validate:"oneof=smtp dryrun"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ServerConfig configures the HTTP ops surface.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ObservabilityConfig configures metrics and OpenTelemetry export.
type ObservabilityConfig struct {
	Metrics      bool    `mapstructure:"metrics"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
	ServiceName  string  `mapstructure:"service_name"`
}

var AppConfig Config

// envBindings maps config keys onto the environment variable names operators already use.
var envBindings = map[string]string{
	"model.api_key":      "OPENAI_API_KEY",
	"search.exa.api_key": "EXA_API_KEY",
	"users.supabase_url": "SUPABASE_URL",
	"users.supabase_key": "SUPABASE_SERVICE_KEY",
	"mail.username":      "SENDER_EMAIL",
	"mail.password":      "SENDER_PASSWORD",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("byline.cacheDir", internal.DefaultCacheDir)
	v.SetDefault("byline.database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("byline.database.type", internal.DefaultDatabaseType)
	v.SetDefault("byline.database.libsql_data_dir", internal.DefaultDatabaseDir)
	v.SetDefault("byline.persist_runs", true)
	v.SetDefault("byline.run_timeout", "5m")
	v.SetDefault("byline.concurrency", 4)
	v.SetDefault("byline.daily_at", "07:00")
	v.SetDefault("byline.fallback_text", internal.DefaultFallbackSentence)
	v.SetDefault("byline.env_file", ".env")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	// Model defaults
	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.name", "gpt-4.1")
	v.SetDefault("model.base_url", "https://api.openai.com/v1")
	v.SetDefault("model.temperature", 0.2)
	v.SetDefault("model.max_tokens", 2048)
	v.SetDefault("model.timeout", "90s")

	// Search defaults
	v.SetDefault("search.backend", "exa")
	v.SetDefault("search.recency", "24h")
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.timeout", "20s")
	v.SetDefault("search.exa.base_url", "https://api.exa.ai")
	v.SetDefault("search.exa.search_type", "auto")
	v.SetDefault("search.arxiv.base_url", "http://export.arxiv.org/api/query")
	v.SetDefault("search.breaker.enabled", true)
	v.SetDefault("search.breaker.max_failures", 5)
	v.SetDefault("search.breaker.open_timeout", "30s")
	v.SetDefault("search.breaker.half_open_requests", 1)

	// Harness defaults (production-optimized)
	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.max_rounds", 5)
	v.SetDefault("harness.max_bullets", 4)
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.max_context_tokens", 4000)
	v.SetDefault("harness.max_summary_tokens", 300)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.enforce_contract", true)
	v.SetDefault("harness.allowed_tools", []string{}) // Empty means allow all by default
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.tracer", "zerolog")
	v.SetDefault("harness.tool_concurrency", 1)

	v.SetDefault("users.source", "supabase")
	v.SetDefault("users.file", "")
	v.SetDefault("users.users_table", "users")
	v.SetDefault("users.interests_table", "user_interests")

	v.SetDefault("mail.mode", "smtp")
	v.SetDefault("mail.host", "smtp.gmail.com")
	v.SetDefault("mail.port", 587)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "10m")

	v.SetDefault("observability.metrics", true)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_insecure", true)
	v.SetDefault("observability.sample_ratio", 1.0)
	v.SetDefault("observability.service_name", internal.DefaultAppName)
}

// LoadConfig reads configuration from file or environment variables into AppConfig.
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := Load(viper.GetViper(), configPath)
	if err != nil {
		return nil, err
	}
	AppConfig = *cfg
	return &AppConfig, nil
}

// Load reads configuration into a fresh Config using v.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("/etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. search.exa.api_key becomes SEARCH_EXA_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	if err := mergeDotEnv(v, v.GetString("byline.env_file")); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

// mergeDotEnv applies KEY=VALUE pairs from a dotenv file for the bound variables
// that are not already set in the process environment.
func mergeDotEnv(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}

	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	for key, name := range envBindings {
		if _, set := os.LookupEnv(name); set {
			continue
		}
		// dotenv keys are lower-cased by viper
		if val := env.GetString(strings.ToLower(name)); val != "" {
			v.Set(key, val)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints plus the cross-field requirements of the selected backends.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	var problems []string
	if c.Model.Provider == "openai" && c.Model.APIKey == "" {
		problems = append(problems, "model.api_key (OPENAI_API_KEY) is required for the openai provider")
	}
	if c.Search.Backend == "exa" && c.Search.Exa.APIKey == "" {
		problems = append(problems, "search.exa.api_key (EXA_API_KEY) is required for the exa backend")
	}
	if c.Users.Source == "supabase" && (c.Users.SupabaseURL == "" || c.Users.SupabaseKey == "") {
		problems = append(problems, "users.supabase_url and users.supabase_key are required for the supabase source")
	}
	if c.Users.Source == "file" && c.Users.File == "" {
		problems = append(problems, "users.file is required for the file source")
	}
	if c.Mail.Mode == "smtp" && (c.Mail.Username == "" || c.Mail.Password == "") {
		problems = append(problems, "mail.username and mail.password are required for smtp delivery")
	}
	if _, err := time.Parse("15:04", c.Byline.DailyAt); err != nil {
		problems = append(problems, fmt.Sprintf("byline.daily_at %q is not HH:MM", c.Byline.DailyAt))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateForPreview relaxes the delivery and user-source requirements.
func (c *Config) ValidateForPreview() error {
	p := *c
	p.Users = UsersConfig{Source: "file", File: "-"}
	p.Mail = MailConfig{Mode: "dryrun"}
	return p.Validate()
}
