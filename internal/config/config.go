// Package config handles loading and validating CivicPulse configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for CivicPulse.
type Config struct {
	DataDir        string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`               // Persistent data directory. Default: ~/.civicpulse/data. Override: CIVICPULSE_DATA_DIR env var.
	DepartmentsDir string               `json:"departments_dir,omitempty" yaml:"departments_dir,omitempty"` // Directory holding per-city department CSVs. Default: <data_dir>/departments.
	Storage        *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`                 // nil = SQLite default (derived from data dir)
	Server         ServerConfig         `json:"server" yaml:"server"`
	Providers      ProvidersConfig      `json:"providers" yaml:"providers"`
	Agents         AgentsConfig         `json:"agents" yaml:"agents"`
	Ingest         *IngestConfig        `json:"ingest,omitempty" yaml:"ingest,omitempty"`               // nil = scheduled 311 sync disabled
	Geocoding      *GeocodingConfig     `json:"geocoding,omitempty" yaml:"geocoding,omitempty"`         // nil = geocoding disabled
	Observability  *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Tools          ToolsConfig          `json:"tools" yaml:"tools"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	APIKeys             []string        `json:"api_keys" yaml:"api_keys"`                             // Accepted API keys. Empty = open access.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	KeepAliveSeconds    int             `json:"keep_alive_seconds" yaml:"keep_alive_seconds"` // SSE keep-alive ping interval. Default: 15.
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the max request body size with a default of 1 MB.
func (s ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// KeepAlive returns the SSE keep-alive interval with a default of 15s.
func (s ServerConfig) KeepAlive() time.Duration {
	if s.KeepAliveSeconds > 0 {
		return time.Duration(s.KeepAliveSeconds) * time.Second
	}
	return 15 * time.Second
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// AgentsConfig configures the analysis agent pipeline.
type AgentsConfig struct {
	MaxConcurrentAgents   int  `json:"max_concurrent_agents" yaml:"max_concurrent_agents"`     // Default: 4.
	AgentTimeoutSeconds   int  `json:"agent_timeout_seconds" yaml:"agent_timeout_seconds"`     // Per-agent invocation timeout. Default: 300.
	RunTimeoutSeconds     int  `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`         // Whole-run wall-clock cap. Default: 300.
	EnableCodeInterpreter bool `json:"enable_code_interpreter" yaml:"enable_code_interpreter"` // Advertise code execution capability to agents.
	EnableWebSearch       bool `json:"enable_web_search" yaml:"enable_web_search"`             // Advertise web search capability to agents.
	EnableExtendedTools   bool `json:"enable_extended_tools" yaml:"enable_extended_tools"`     // Expose registered tools (database, MCP) to agents.
}

// Concurrency returns the max concurrent agents with a default of 4.
func (a AgentsConfig) Concurrency() int {
	if a.MaxConcurrentAgents > 0 {
		return a.MaxConcurrentAgents
	}
	return 4
}

// AgentTimeout returns the per-agent timeout with a default of 5m.
func (a AgentsConfig) AgentTimeout() time.Duration {
	if a.AgentTimeoutSeconds > 0 {
		return time.Duration(a.AgentTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// RunTimeout returns the whole-run cap with a default of 5m.
func (a AgentsConfig) RunTimeout() time.Duration {
	if a.RunTimeoutSeconds > 0 {
		return time.Duration(a.RunTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// IngestConfig configures the scheduled 311 data sync.
// When nil, no periodic ingestion runs. Cities can still be synced manually via the CLI.
type IngestConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Schedule       string   `json:"schedule" yaml:"schedule"` // Cron expression. Default: "@hourly".
	Cities         []string `json:"cities" yaml:"cities"`     // City codes to sync. Default: ["SF"].
	SocrataToken   string   `json:"socrata_token,omitempty" yaml:"socrata_token,omitempty"` // Override: SOCRATA_APP_TOKEN env var.
	PageSize       int      `json:"page_size" yaml:"page_size"`                             // Records per fetch. Default: 200.
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`                 // Per-fetch timeout. Default: 30.
}

// CronSchedule returns the cron expression with a default of "@hourly".
func (i *IngestConfig) CronSchedule() string {
	if i != nil && i.Schedule != "" {
		return i.Schedule
	}
	return "@hourly"
}

// SyncCities returns the configured cities, defaulting to SF.
func (i *IngestConfig) SyncCities() []string {
	if i != nil && len(i.Cities) > 0 {
		return i.Cities
	}
	return []string{"SF"}
}

// FetchLimit returns the page size with a default of 200.
func (i *IngestConfig) FetchLimit() int {
	if i != nil && i.PageSize > 0 {
		return i.PageSize
	}
	return 200
}

// FetchTimeout returns the per-fetch timeout with a default of 30s.
func (i *IngestConfig) FetchTimeout() time.Duration {
	if i != nil && i.TimeoutSeconds > 0 {
		return time.Duration(i.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// GeocodingConfig configures the Mapbox forward geocoder.
type GeocodingConfig struct {
	MapboxToken string `json:"mapbox_token,omitempty" yaml:"mapbox_token,omitempty"` // Override: MAPBOX_TOKEN env var.
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "civicpulse"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// ToolsConfig configures agent-accessible tools.
type ToolsConfig struct {
	Database DatabaseToolConfig `json:"database" yaml:"database"`
	MCP      []MCPServerConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"` // External MCP tool servers.
}

// DatabaseToolConfig configures the read-only database query tool.
type DatabaseToolConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`                         // Connection string. Can be overridden by CIVICPULSE_TOOL_DB_DSN env var.
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`               // Maximum rows per query. Default: 1000.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-query timeout. Default: 30.
}

// MCPServerConfig defines a single external MCP server connection.
// CivicPulse acts as an MCP client, connecting at startup, discovering tools,
// and registering them in the tool registry under a namespaced name.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai", "anthropic", or "gemini". Empty = "openai".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

// DefaultConfigPath returns the default config file path (~/.civicpulse/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/civicpulse.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".civicpulse", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and external tokens can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		cfg.Providers.Gemini.APIKey = envKey
	}

	// Data directory override from environment.
	if envDD := os.Getenv("CIVICPULSE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// External service token overrides.
	if envTok := os.Getenv("SOCRATA_APP_TOKEN"); envTok != "" {
		if cfg.Ingest == nil {
			cfg.Ingest = &IngestConfig{}
		}
		cfg.Ingest.SocrataToken = envTok
	}
	if envTok := os.Getenv("MAPBOX_TOKEN"); envTok != "" {
		if cfg.Geocoding == nil {
			cfg.Geocoding = &GeocodingConfig{}
		}
		cfg.Geocoding.MapboxToken = envTok
	}
	if envDSN := os.Getenv("CIVICPULSE_TOOL_DB_DSN"); envDSN != "" {
		cfg.Tools.Database.DSN = envDSN
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".civicpulse", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".civicpulse", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DepartmentsPath returns the department CSV directory, defaulting to
// <data_dir>/departments.
func (c *Config) DepartmentsPath() string {
	if c.DepartmentsDir != "" {
		resolved, err := resolvePath(c.DepartmentsDir)
		if err != nil {
			return c.DepartmentsDir
		}
		return resolved
	}
	return filepath.Join(c.ResolvedDataDir(), "departments")
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "civicpulse.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	// Default provider to openai.
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	for _, fb := range c.Providers.Fallback {
		switch fb {
		case "openai", "anthropic", "gemini":
			// valid
		default:
			return fmt.Errorf("providers.fallback %q is not supported (use openai, anthropic, or gemini)", fb)
		}
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	if c.Server.MaxRequestSizeBytes < 0 {
		return fmt.Errorf("server.max_request_size_bytes must not be negative")
	}
	if c.Agents.MaxConcurrentAgents < 0 {
		return fmt.Errorf("agents.max_concurrent_agents must not be negative")
	}
	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}

// validateProvider checks that the selected LLM provider has the required fields.
func (c *Config) validateProvider() error {
	switch c.Providers.Default {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use openai, anthropic, or gemini)", c.Providers.Default)
	}
	return nil
}
