// Package config provides configuration management for Hyperagent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Hyperagent.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Git         GitConfig         `mapstructure:"git"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	PullRequest PullRequestConfig `mapstructure:"pullRequest"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the durable store configuration. The store is a local
// SQLite file so that it can be bind-mounted into runner sandboxes.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkflowConfig holds the workflow runtime configuration.
type WorkflowConfig struct {
	// PollIntervalMs is the dispatch loop tick in milliseconds (default: 1000)
	PollIntervalMs int `mapstructure:"pollIntervalMs"`

	// BatchLimit is the maximum number of ready steps claimed per tick (default: 10)
	BatchLimit int `mapstructure:"batchLimit"`

	// MaxEnqueueAttempts dead-letters a step after this many failed handoffs (default: 5)
	MaxEnqueueAttempts int `mapstructure:"maxEnqueueAttempts"`

	// BackoffBaseMs is the first retry delay before jitter (default: 2000)
	BackoffBaseMs int `mapstructure:"backoffBaseMs"`

	// BackoffCapMs is the upper bound on the retry delay (default: 60000)
	BackoffCapMs int `mapstructure:"backoffCapMs"`

	// LeaseReconcileMs is how long a callback waits for the poller to publish
	// the runner lease before rejecting the request (default: 2000)
	LeaseReconcileMs int `mapstructure:"leaseReconcileMs"`

	// StuckThresholdMin marks running steps older than this many minutes as stuck (default: 15)
	StuckThresholdMin int `mapstructure:"stuckThresholdMin"`

	// AuthorUserID is recorded as the author of workflow-produced pull requests
	AuthorUserID string `mapstructure:"authorUserId"`

	// MetricsRefreshSec is the queue gauge refresh interval (default: 15)
	MetricsRefreshSec int `mapstructure:"metricsRefreshSec"`
}

// RunnerConfig holds the runner gateway configuration.
type RunnerConfig struct {
	// Mode selects the gateway implementation: "docker" launches sandbox
	// containers, "loopback" posts the callback from an in-process goroutine.
	Mode string `mapstructure:"mode"`

	// Image is the sandbox image used in docker mode
	Image string `mapstructure:"image"`

	// Network is an optional docker network for sandbox containers
	Network string `mapstructure:"network"`

	// DockerHost overrides the docker daemon address (empty: environment default)
	DockerHost string `mapstructure:"dockerHost"`

	// DockerAPIVersion pins the docker API version (empty: negotiated)
	DockerAPIVersion string `mapstructure:"dockerApiVersion"`

	// CallbackBaseURL is the URL sandboxes use to re-enter the runtime.
	// Auto-derived from the server address when empty.
	CallbackBaseURL string `mapstructure:"callbackBaseUrl"`

	// TokenHeader is the HTTP header carrying the callback shared secret
	TokenHeader string `mapstructure:"tokenHeader"`

	// CallbackToken is the shared secret for the callback endpoint
	CallbackToken string `mapstructure:"callbackToken"`

	// EnqueueTimeout bounds a single sandbox launch, in seconds (default: 900)
	EnqueueTimeout int `mapstructure:"enqueueTimeout"`

	// AgentProvider, AgentModel, and AgentMaxRounds configure the executor
	// inside the sandbox; forwarded verbatim as environment variables.
	AgentProvider  string `mapstructure:"agentProvider"`
	AgentModel     string `mapstructure:"agentModel"`
	AgentMaxRounds int    `mapstructure:"agentMaxRounds"`

	// EnvPassthrough lists host environment variables forwarded into sandboxes
	EnvPassthrough []string `mapstructure:"envPassthrough"`

	// ExtraMounts lists additional binds in "host:container[:mode]" form
	ExtraMounts []string `mapstructure:"extraMounts"`
}

// GitConfig holds the commit identity and push behaviour for isolation sessions.
type GitConfig struct {
	AuthorName  string `mapstructure:"authorName"`
	AuthorEmail string `mapstructure:"authorEmail"`

	// PreferredRemote is the first choice when pushing a session branch
	PreferredRemote string `mapstructure:"preferredRemote"`

	// FetchOnStart enables a best-effort fetch before branching
	FetchOnStart bool `mapstructure:"fetchOnStart"`
}

// PolicyConfig holds the pre-execution policy hook configuration.
// An empty rules path selects the allow-all policy.
type PolicyConfig struct {
	RulesPath string `mapstructure:"rulesPath"`
}

// PullRequestConfig controls the pull-request projection.
type PullRequestConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`

	// BaseURL is the Hyperagent API base URL the MCP tools call.
	// Auto-set from the server address when empty.
	BaseURL string `mapstructure:"baseUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the dispatch loop tick as a time.Duration.
func (w *WorkflowConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// BackoffBase returns the base retry delay as a time.Duration.
func (w *WorkflowConfig) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the retry delay cap as a time.Duration.
func (w *WorkflowConfig) BackoffCap() time.Duration {
	return time.Duration(w.BackoffCapMs) * time.Millisecond
}

// LeaseReconcileWait returns the callback lease-reconciliation window as a time.Duration.
func (w *WorkflowConfig) LeaseReconcileWait() time.Duration {
	return time.Duration(w.LeaseReconcileMs) * time.Millisecond
}

// StuckThreshold returns the stuck-step staleness threshold as a time.Duration.
func (w *WorkflowConfig) StuckThreshold() time.Duration {
	return time.Duration(w.StuckThresholdMin) * time.Minute
}

// MetricsRefresh returns the queue gauge refresh interval as a time.Duration.
func (w *WorkflowConfig) MetricsRefresh() time.Duration {
	return time.Duration(w.MetricsRefreshSec) * time.Second
}

// EnqueueTimeoutDuration returns the per-enqueue timeout as a time.Duration.
func (r *RunnerConfig) EnqueueTimeoutDuration() time.Duration {
	return time.Duration(r.EnqueueTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("HYPERAGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "~/.hyperagent/hyperagent.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hyperagent")
	v.SetDefault("nats.maxReconnects", 10)

	// Workflow runtime defaults
	v.SetDefault("workflow.pollIntervalMs", 1000)
	v.SetDefault("workflow.batchLimit", 10)
	v.SetDefault("workflow.maxEnqueueAttempts", 5)
	v.SetDefault("workflow.backoffBaseMs", 2000)
	v.SetDefault("workflow.backoffCapMs", 60000)
	v.SetDefault("workflow.leaseReconcileMs", 2000)
	v.SetDefault("workflow.stuckThresholdMin", 15)
	v.SetDefault("workflow.authorUserId", "hyperagent")
	v.SetDefault("workflow.metricsRefreshSec", 15)

	// Runner defaults
	v.SetDefault("runner.mode", "docker")
	v.SetDefault("runner.image", "hyperagent/workflow-runner:latest")
	v.SetDefault("runner.network", "")
	v.SetDefault("runner.dockerHost", "")
	v.SetDefault("runner.dockerApiVersion", "")
	v.SetDefault("runner.callbackBaseUrl", "")
	v.SetDefault("runner.tokenHeader", "X-Workflow-Runner-Token")
	v.SetDefault("runner.callbackToken", "")
	v.SetDefault("runner.enqueueTimeout", 900)
	v.SetDefault("runner.agentProvider", "")
	v.SetDefault("runner.agentModel", "")
	v.SetDefault("runner.agentMaxRounds", 0)
	v.SetDefault("runner.envPassthrough", []string{})
	v.SetDefault("runner.extraMounts", []string{})

	// Git defaults
	v.SetDefault("git.authorName", "Hyperagent")
	v.SetDefault("git.authorEmail", "workflow@hyperagent.local")
	v.SetDefault("git.preferredRemote", "")
	v.SetDefault("git.fetchOnStart", false)

	// Policy defaults - empty rules path means allow all
	v.SetDefault("policy.rulesPath", "")

	// Pull request projection defaults
	v.SetDefault("pullRequest.enabled", true)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)
	v.SetDefault("mcp.baseUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HYPERAGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.hyperagent/, or /etc/hyperagent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("HYPERAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("runner.callbackBaseUrl", "HYPERAGENT_RUNNER_CALLBACK_BASE_URL")
	_ = v.BindEnv("runner.callbackToken", "HYPERAGENT_RUNNER_CALLBACK_TOKEN")
	_ = v.BindEnv("runner.tokenHeader", "HYPERAGENT_RUNNER_TOKEN_HEADER")
	_ = v.BindEnv("runner.enqueueTimeout", "HYPERAGENT_RUNNER_ENQUEUE_TIMEOUT")
	_ = v.BindEnv("workflow.maxEnqueueAttempts", "HYPERAGENT_WORKFLOW_MAX_ENQUEUE_ATTEMPTS")
	_ = v.BindEnv("workflow.pollIntervalMs", "HYPERAGENT_WORKFLOW_POLL_INTERVAL_MS")
	_ = v.BindEnv("workflow.authorUserId", "HYPERAGENT_WORKFLOW_AUTHOR_USER_ID")
	_ = v.BindEnv("git.authorName", "HYPERAGENT_GIT_AUTHOR_NAME")
	_ = v.BindEnv("git.authorEmail", "HYPERAGENT_GIT_AUTHOR_EMAIL")
	_ = v.BindEnv("git.preferredRemote", "HYPERAGENT_GIT_PREFERRED_REMOTE")
	_ = v.BindEnv("policy.rulesPath", "HYPERAGENT_POLICY_RULES_PATH")
	_ = v.BindEnv("mcp.baseUrl", "HYPERAGENT_MCP_BASE_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.hyperagent")
	}
	v.AddConfigPath("/etc/hyperagent/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Workflow runtime validation
	if cfg.Workflow.PollIntervalMs <= 0 {
		errs = append(errs, "workflow.pollIntervalMs must be positive")
	}
	if cfg.Workflow.BatchLimit <= 0 {
		errs = append(errs, "workflow.batchLimit must be positive")
	}
	if cfg.Workflow.MaxEnqueueAttempts <= 0 {
		errs = append(errs, "workflow.maxEnqueueAttempts must be positive")
	}
	if cfg.Workflow.BackoffCapMs < cfg.Workflow.BackoffBaseMs {
		errs = append(errs, "workflow.backoffCapMs must not be below workflow.backoffBaseMs")
	}

	// Runner validation
	switch cfg.Runner.Mode {
	case "docker", "loopback":
	default:
		errs = append(errs, "runner.mode must be one of: docker, loopback")
	}
	if cfg.Runner.EnqueueTimeout <= 0 {
		errs = append(errs, "runner.enqueueTimeout must be positive")
	}
	// Callback token - generate a dev secret if not set. Production deployments
	// should set HYPERAGENT_RUNNER_CALLBACK_TOKEN explicitly.
	if cfg.Runner.CallbackToken == "" {
		cfg.Runner.CallbackToken = generateDevSecret()
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
